package audit

import (
	"context"
	"fmt"
	"sync"
)

// MultiLogger appends to several sinks. The first sink that can be queried
// serves Query.
type MultiLogger struct {
	loggers []Logger
	async   bool // If true, secondary sinks are written asynchronously
	wg      sync.WaitGroup
	errMu   sync.Mutex
	errs    []error
}

// NewMultiLogger creates a fan-out logger. The first logger is the primary
// sink and is always written synchronously.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
	}
}

// SetAsync sets whether secondary sinks should be written asynchronously
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Append records an entry in every sink. A failure of the primary sink is
// returned; secondary failures are returned when synchronous and collected
// for Errors when asynchronous.
func (m *MultiLogger) Append(ctx context.Context, entry *Entry) error {
	if len(m.loggers) == 0 {
		return nil
	}
	if err := prepare(ctx, entry); err != nil {
		return err
	}

	if err := m.loggers[0].Append(ctx, entry); err != nil {
		return err
	}

	var firstErr error
	for _, logger := range m.loggers[1:] {
		if m.async {
			m.wg.Add(1)
			go func(l Logger, e *Entry) {
				defer m.wg.Done()
				if err := l.Append(context.WithoutCancel(ctx), e); err != nil {
					m.recordError(err)
				}
			}(logger, cloneEntry(entry))
			continue
		}
		if err := logger.Append(ctx, cloneEntry(entry)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *MultiLogger) recordError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.errs = append(m.errs, err)
}

// Query delegates to the first sink that supports it
func (m *MultiLogger) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	for _, logger := range m.loggers {
		if q, ok := logger.(Querier); ok {
			return q.Query(ctx, filter)
		}
	}
	return nil, fmt.Errorf("no queryable audit sink configured")
}

// Wait waits for all async writes to complete
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors drains errors collected from async writes
func (m *MultiLogger) Errors() []error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	errs := m.errs
	m.errs = nil
	return errs
}

// Close waits for pending writes and closes all loggers
func (m *MultiLogger) Close() error {
	m.wg.Wait()

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to close logger: %w", err)
			}
		}
	}

	return firstErr
}
