package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
)

// Logger appends entries to an audit sink. Sinks are append-only: nothing in
// this package updates or deletes an entry once written.
type Logger interface {
	// Append records an entry, filling ID, timestamp and request ID if unset
	Append(ctx context.Context, entry *Entry) error

	// Close closes the logger and flushes any buffered entries
	Close() error
}

// Querier reads entries back from a sink
type Querier interface {
	// Query returns matching entries, newest first
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
}

// Trail is a sink that can both record and list entries
type Trail interface {
	Logger
	Querier
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return &noOpLogger{}
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

func (l *noOpLogger) Append(ctx context.Context, entry *Entry) error {
	return nil
}

func (l *noOpLogger) Close() error {
	return nil
}

// prepare populates the fields every sink requires
func prepare(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	if entry.Actor == "" {
		return fmt.Errorf("audit entry actor is required")
	}
	if entry.Action == "" {
		return fmt.Errorf("audit entry action is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = contextkeys.GetRequestID(ctx)
	}
	return nil
}

// newestFirst orders entries by descending timestamp and applies the limit
func newestFirst(entries []*Entry, limit int) []*Entry {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func cloneEntry(e *Entry) *Entry {
	out := *e
	if e.Changes != nil {
		changes := ChangeDetails{
			Before: cloneMap(e.Changes.Before),
			After:  cloneMap(e.Changes.After),
		}
		out.Changes = &changes
	}
	return &out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
