package memory

import (
	"context"
	"slices"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SummaryPrefix leads every digest entry stored in the compressed buffer.
const SummaryPrefix = "Earlier conversation summary: "

// Entry is one role-tagged message of a conversation.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the persisted form of one user's record.
type Snapshot struct {
	Active     []Entry `json:"active"`
	Compressed []Entry `json:"compressed"`
}

// Empty reports whether the snapshot holds no entries at all.
func (s Snapshot) Empty() bool {
	return len(s.Active) == 0 && len(s.Compressed) == 0
}

// Result is the outcome of a Summarizer call: a digest, or the error that
// prevented one.
type Result struct {
	Digest string
	Err    error
}

// Digest builds a successful Result.
func Digest(text string) Result { return Result{Digest: text} }

// Failed builds a failed Result.
func Failed(err error) Result { return Result{Err: err} }

// OK reports whether the call produced a digest.
func (r Result) OK() bool { return r.Err == nil }

// Summarizer condenses a run of entries into a short digest.
type Summarizer interface {
	Compress(ctx context.Context, entries []Entry) Result
}

// Persister is a write-through backend for user records. Load reports
// false when the user has no stored record.
type Persister interface {
	Load(ctx context.Context, userID string) (Snapshot, bool, error)
	Save(ctx context.Context, userID string, snap Snapshot) error
	Delete(ctx context.Context, userID string) error
}

// Limits holds the capacity policy shared by all users.
type Limits struct {
	Default    int
	Privileged int
	Threshold  int
	// PrivilegedIDs grants Privileged capacity to these user ids.
	PrivilegedIDs []string
}

// DefaultLimits mirrors the stock configuration: 30 entries, 50 for
// parents, compression considered past 20.
func DefaultLimits() Limits {
	return Limits{
		Default:    30,
		Privileged: 50,
		Threshold:  20,
	}
}

// IsPrivileged reports whether userID belongs to the privileged set.
func (l Limits) IsPrivileged(userID string) bool {
	if userID == "" {
		return false
	}
	return slices.Contains(l.PrivilegedIDs, userID)
}

// ResolveLimit returns the capacity applying to userID.
func (l Limits) ResolveLimit(userID string) int {
	if l.IsPrivileged(userID) {
		return l.Privileged
	}
	return l.Default
}

// ClearResult reports which buffers a Clear removed.
type ClearResult struct {
	ClearedActive     bool
	ClearedCompressed bool
}

// Any reports whether anything was removed.
func (c ClearResult) Any() bool {
	return c.ClearedActive || c.ClearedCompressed
}

// Status summarises a user's record.
type Status struct {
	ActiveCount     int
	CompressedCount int
	CapacityLimit   int
	IsPrivileged    bool
}
