// Package memory keeps a bounded per-user conversation window. Older
// entries are folded into digest entries by a Summarizer once a user's
// window outgrows its capacity.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultCompressTimeout bounds a single Summarizer call.
const DefaultCompressTimeout = 30 * time.Second

type record struct {
	mu         sync.Mutex
	active     []Entry
	compressed []Entry
	// loaded is set once the backend copy has been read. Until then the
	// record is not written back, so a failed Load never overwrites it.
	loaded  bool
	removed bool
	// stale marks a cleared record whose backend copy could not be removed.
	stale bool
}

func (r *record) empty() bool {
	return len(r.active) == 0 && len(r.compressed) == 0
}

// Store owns every user's record. Each record carries its own lock, so a
// slow compression for one user never blocks another.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	limits  Limits

	summarizer      Summarizer
	persister       Persister
	logger          *slog.Logger
	compressTimeout time.Duration
}

func NewStore(limits Limits, summarizer Summarizer) *Store {
	return &Store{
		records:         make(map[string]*record),
		limits:          limits,
		summarizer:      summarizer,
		logger:          slog.Default(),
		compressTimeout: DefaultCompressTimeout,
	}
}

// SetPersister enables write-through persistence. Call before first use.
func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetCompressTimeout overrides DefaultCompressTimeout. Zero disables the
// store-side deadline.
func (s *Store) SetCompressTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressTimeout = d
}

// SetLimits swaps the capacity policy. Records are brought within the new
// limits on their next mutation.
func (s *Store) SetLimits(limits Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = limits
}

func (s *Store) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// ResolveLimit returns the capacity applying to userID.
func (s *Store) ResolveLimit(userID string) int {
	return s.Limits().ResolveLimit(userID)
}

// Append adds entry to the user's active buffer and enforces capacity.
// It never fails: summarizer and backend errors are logged and absorbed.
func (s *Store) Append(ctx context.Context, userID string, entry Entry) {
	rec := s.acquire(ctx, userID, true)
	defer rec.mu.Unlock()

	rec.active = append(rec.active, entry)
	s.enforceCapacity(ctx, userID, rec)
	s.persist(ctx, userID, rec)
}

// BuildContext returns the message list for a completion call: the system
// prompt, then every digest oldest first, then the active buffer.
func (s *Store) BuildContext(ctx context.Context, userID, systemPrompt string) []Entry {
	out := []Entry{{Role: RoleSystem, Content: systemPrompt}}

	rec := s.acquire(ctx, userID, false)
	if rec == nil {
		return out
	}
	defer rec.mu.Unlock()

	out = slices.Grow(out, len(rec.compressed)+len(rec.active))
	out = append(out, rec.compressed...)
	out = append(out, rec.active...)
	return out
}

// Clear removes both buffers of userID. Clearing an unknown user is a no-op.
func (s *Store) Clear(ctx context.Context, userID string) ClearResult {
	rec := s.acquire(ctx, userID, false)
	if rec == nil {
		return ClearResult{}
	}
	defer rec.mu.Unlock()

	res := ClearResult{
		ClearedActive:     len(rec.active) > 0,
		ClearedCompressed: len(rec.compressed) > 0,
	}

	if !s.unpersist(ctx, userID) {
		// Keep an empty record so the old backend copy is not reloaded.
		rec.active = nil
		rec.compressed = nil
		rec.loaded = true
		rec.stale = true
	} else {
		s.dropLocked(userID, rec)
	}

	s.log().Info("cleared memory", "component", "memory", "user_id", userID,
		"active", res.ClearedActive, "compressed", res.ClearedCompressed)
	return res
}

// Status reports buffer sizes and the capacity for userID.
func (s *Store) Status(ctx context.Context, userID string) Status {
	limits := s.Limits()
	st := Status{
		CapacityLimit: limits.ResolveLimit(userID),
		IsPrivileged:  limits.IsPrivileged(userID),
	}

	rec := s.acquire(ctx, userID, false)
	if rec == nil {
		return st
	}
	defer rec.mu.Unlock()

	st.ActiveCount = len(rec.active)
	st.CompressedCount = len(rec.compressed)
	return st
}

// Summaries returns a copy of the user's compressed buffer.
func (s *Store) Summaries(ctx context.Context, userID string) []Entry {
	rec := s.acquire(ctx, userID, false)
	if rec == nil {
		return nil
	}
	defer rec.mu.Unlock()
	return slices.Clone(rec.compressed)
}

// Users returns the ids of records currently held in memory.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// acquire returns the user's record with its lock held. With create=false
// it returns nil when the user has no entries in memory or in the backend.
func (s *Store) acquire(ctx context.Context, userID string, create bool) *record {
	for {
		s.mu.Lock()
		rec, ok := s.records[userID]
		if !ok {
			if !create && s.persister == nil {
				s.mu.Unlock()
				return nil
			}
			rec = &record{}
			s.records[userID] = rec
		}
		s.mu.Unlock()

		rec.mu.Lock()
		if rec.removed {
			rec.mu.Unlock()
			continue
		}
		if !rec.loaded {
			s.hydrate(ctx, userID, rec)
		}
		if !create && rec.empty() {
			if !rec.stale {
				s.dropLocked(userID, rec)
			}
			rec.mu.Unlock()
			return nil
		}
		return rec
	}
}

// hydrate reads the backend copy of userID into rec. On a Load error rec
// stays unloaded and is retried on the next access; entries appended in
// the meantime are kept after the stored ones.
func (s *Store) hydrate(ctx context.Context, userID string, rec *record) {
	p := s.backend()
	if p == nil {
		rec.loaded = true
		return
	}

	snap, ok, err := p.Load(ctx, userID)
	if err != nil {
		s.log().Warn("failed to load persisted memory",
			"component", "memory", "user_id", userID, "error", err)
		return
	}
	rec.loaded = true
	if !ok {
		return
	}

	rec.active = append(slices.Clone(snap.Active), rec.active...)
	rec.compressed = append(slices.Clone(snap.Compressed), rec.compressed...)
	if limit := s.ResolveLimit(userID); len(rec.active) > limit {
		rec.active = tail(rec.active, limit)
	}
}

// dropLocked detaches rec from the map. The caller holds rec.mu.
func (s *Store) dropLocked(userID string, rec *record) {
	rec.removed = true
	rec.active = nil
	rec.compressed = nil

	s.mu.Lock()
	if s.records[userID] == rec {
		delete(s.records, userID)
	}
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, userID string, rec *record) {
	p := s.backend()
	if p == nil {
		return
	}
	if !rec.loaded {
		s.log().Warn("skipping persist until stored memory loads",
			"component", "memory", "user_id", userID)
		return
	}
	snap := Snapshot{
		Active:     slices.Clone(rec.active),
		Compressed: slices.Clone(rec.compressed),
	}
	if err := p.Save(ctx, userID, snap); err != nil {
		s.log().Warn("failed to persist memory",
			"component", "memory", "user_id", userID, "error", err)
		return
	}
	rec.stale = false
}

// unpersist removes the backend copy of userID, falling back to saving an
// empty snapshot. It reports whether the backend no longer holds history.
func (s *Store) unpersist(ctx context.Context, userID string) bool {
	p := s.backend()
	if p == nil {
		return true
	}
	err := p.Delete(ctx, userID)
	if err == nil {
		return true
	}
	s.log().Warn("failed to delete persisted memory",
		"component", "memory", "user_id", userID, "error", err)

	if err := p.Save(ctx, userID, Snapshot{}); err != nil {
		s.log().Warn("failed to blank persisted memory",
			"component", "memory", "user_id", userID, "error", err)
		return false
	}
	return true
}

func (s *Store) backend() Persister {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persister
}

func (s *Store) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}
