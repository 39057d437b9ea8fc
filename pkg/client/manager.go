package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/entitle/pkg/async"
)

// ManagerConfig configures a Manager. Template supplies every session
// setting except the identity.
type ManagerConfig struct {
	Template     Config
	MaxSessions  int
	IdleTTL      time.Duration
	SweepWorkers int
}

// Manager keeps a bounded set of sessions keyed by tenant and user. Sessions
// idle longer than IdleTTL, or pushed out by capacity, are dropped from
// memory; their persisted snapshots are kept.
type Manager struct {
	cfg      ManagerConfig
	opts     []Option
	sessions *expirable.LRU[string, *Session]
	// mu serializes session creation so one key never gets two sessions
	mu sync.Mutex
	options
}

// NewManager creates a manager
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if cfg.Template.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 4
	}
	cfg.Template.setDefaults()

	m := &Manager{
		cfg:     cfg,
		opts:    opts,
		options: buildOptions(opts),
	}
	m.sessions = expirable.NewLRU[string, *Session](cfg.MaxSessions, func(key string, _ *Session) {
		m.logger.WithField("session", key).Debug("session evicted")
	}, cfg.IdleTTL)
	return m, nil
}

// Session returns the session for a user, creating and restoring it on first
// use. Every lookup extends the session's idle deadline.
func (m *Manager) Session(ctx context.Context, tenantID, userID string) (*Session, error) {
	key := SessionKey(tenantID, userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions.Get(key); ok {
		m.sessions.Add(key, s)
		return s, nil
	}

	cfg := m.cfg.Template
	cfg.TenantID = tenantID
	cfg.UserID = userID
	s, err := NewSession(cfg, m.opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Restore(ctx); err != nil {
		m.logger.WithError(err).WithField("session", key).Warn("failed to restore persisted snapshot")
	}
	m.sessions.Add(key, s)
	return s, nil
}

// Login returns the user's session after a synchronous fetch
func (m *Manager) Login(ctx context.Context, tenantID, userID string) (*Session, error) {
	s, err := m.Session(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return s, s.Login(ctx)
}

// Logout ends the user's session and deletes its persisted snapshot
func (m *Manager) Logout(ctx context.Context, tenantID, userID string) error {
	key := SessionKey(tenantID, userID)

	m.mu.Lock()
	s, ok := m.sessions.Peek(key)
	m.sessions.Remove(key)
	m.mu.Unlock()

	if ok {
		return s.Logout(ctx)
	}
	if store := m.cfg.Template.Store; store != nil {
		return store.Delete(ctx, key)
	}
	return nil
}

// Len is the number of live sessions
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Sweep refreshes every stale session and returns the failures
func (m *Manager) Sweep(ctx context.Context) []error {
	var stale []*Session
	for _, s := range m.sessions.Values() {
		if s.State() == StateStale {
			stale = append(stale, s)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	m.logger.WithField("sessions", len(stale)).Info("refreshing stale sessions")
	return async.Batch(ctx, stale, m.cfg.SweepWorkers, "staleness sweep", m.cfg.Template.RefreshTimeout,
		func(ctx context.Context, s *Session) error {
			if err := s.Refresh(ctx, TriggerSweep); err != nil {
				return fmt.Errorf("%s: %w", s.Key(), err)
			}
			return nil
		})
}
