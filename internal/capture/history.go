package capture

import (
	"context"
	"sync"
)

// HistoryStore keeps the most recent finished sessions for display.
type HistoryStore interface {
	Record(ctx context.Context, sess Session) error
	List(ctx context.Context, limit int) ([]Session, error)
	Close() error
}

const defaultHistoryLimit = 50

// MemoryHistory is a HistoryStore that lives only as long as the process.
type MemoryHistory struct {
	mu      sync.Mutex
	limit   int
	entries []Session // oldest first
}

// NewMemoryHistory keeps at most limit sessions.
func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &MemoryHistory{limit: limit}
}

// Record appends sess, dropping the oldest entry when full.
func (h *MemoryHistory) Record(_ context.Context, sess Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, sess)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append([]Session(nil), h.entries[over:]...)
	}
	return nil
}

// List returns up to limit sessions, newest first. limit <= 0 returns all.
func (h *MemoryHistory) List(_ context.Context, limit int) ([]Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Session, 0, n)
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.entries[i])
	}
	return out, nil
}

// Close is a no-op.
func (h *MemoryHistory) Close() error { return nil }
