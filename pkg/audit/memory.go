package audit

import (
	"context"
	"sync"
)

// MemoryLog keeps entries in process memory in append order
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryLog creates an empty in-memory trail
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append records an entry
func (l *MemoryLog) Append(ctx context.Context, entry *Entry) error {
	if err := prepare(ctx, entry); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, cloneEntry(entry))
	return nil
}

// Query returns matching entries, newest first
func (l *MemoryLog) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for _, e := range l.entries {
		if filter.Matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return newestFirst(out, filter.Limit), nil
}

// Len returns the number of entries recorded
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close is a no-op
func (l *MemoryLog) Close() error {
	return nil
}
