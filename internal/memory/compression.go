package memory

import (
	"context"
	"slices"

	"github.com/m-mizutani/goerr/v2"
)

// ErrNoSummarizer is reported when capacity enforcement needs a digest but
// the store was built without a Summarizer.
var ErrNoSummarizer = goerr.New("no summarizer configured")

// enforceCapacity applies the capacity policy to rec. The caller holds
// rec.mu.
//
// Nothing happens until the active buffer outgrows the shared threshold.
// Past it, the entries exceeding the user's limit are summarized and
// replaced by one digest; if summarizing fails they are dropped instead.
// The buffer never ends up longer than the limit.
func (s *Store) enforceCapacity(ctx context.Context, userID string, rec *record) {
	limits := s.Limits()
	limit := limits.ResolveLimit(userID)

	if len(rec.active) > limits.Threshold {
		excess := len(rec.active) - limit
		if excess > 0 {
			batch := slices.Clone(rec.active[:excess])
			res := s.compress(ctx, batch)
			if res.OK() {
				rec.active = slices.Clone(rec.active[excess:])
				rec.compressed = append(rec.compressed, Entry{
					Role:    RoleSystem,
					Content: SummaryPrefix + res.Digest,
				})
				s.log().Info("compressed conversation",
					"component", "memory", "user_id", userID, "entries", excess,
					"summaries", len(rec.compressed))
			} else {
				rec.active = tail(rec.active, limit)
				s.log().Warn("compression failed, truncated active buffer",
					"component", "memory", "user_id", userID, "limit", limit, "error", res.Err)
			}
		}
	}

	if len(rec.active) > limit {
		rec.active = tail(rec.active, limit)
	}
}

func (s *Store) compress(ctx context.Context, batch []Entry) Result {
	s.mu.Lock()
	summarizer, timeout := s.summarizer, s.compressTimeout
	s.mu.Unlock()

	if summarizer == nil {
		return Failed(ErrNoSummarizer)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return summarizer.Compress(ctx, batch)
}

// tail returns a copy of the last n entries.
func tail(entries []Entry, n int) []Entry {
	if n <= 0 {
		return nil
	}
	if len(entries) <= n {
		return entries
	}
	return slices.Clone(entries[len(entries)-n:])
}
