package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/entitle/pkg/async"
	"github.com/platinummonkey/entitle/pkg/entitlements"
	"github.com/platinummonkey/entitle/pkg/policy"
)

// Trigger names the reason for a refresh
type Trigger string

const (
	TriggerLogin      Trigger = "login"
	TriggerForeground Trigger = "foreground"
	TriggerStale      Trigger = "stale_read"
	TriggerForbidden  Trigger = "forbidden"
	TriggerPull       Trigger = "pull_to_refresh"
	TriggerSweep      Trigger = "sweep"
)

// Config describes one session
type Config struct {
	TenantID string
	UserID   string

	Fetcher Fetcher
	// Store persists the last good snapshot; optional
	Store SnapshotStore

	StalenessWindow time.Duration
	// MaxAttempts bounds fetch attempts per refresh, including the first
	MaxAttempts    int
	InitialBackoff time.Duration
	// RefreshTimeout bounds a whole refresh, retries included
	RefreshTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
}

// Session keeps one user's snapshot in step with the service
type Session struct {
	cfg   Config
	key   string
	cache *Cache
	group singleflight.Group
	// gen advances on logout so refreshes started before it are discarded
	gen atomic.Uint64
	// commit serializes logout against publishing a fetched snapshot
	commit sync.Mutex
	options
}

// NewSession creates a session with an empty cache. Call Restore to load a
// persisted snapshot, then Login or Foreground.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if cfg.TenantID == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("tenant and user are required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	cfg.setDefaults()

	o := buildOptions(opts)
	s := &Session{
		cfg:     cfg,
		key:     SessionKey(cfg.TenantID, cfg.UserID),
		cache:   NewCache(cfg.StalenessWindow, o.clock),
		options: o,
	}
	s.logger = s.logger.WithFields(map[string]interface{}{
		"tenant_id": cfg.TenantID,
		"user_id":   cfg.UserID,
	})
	return s, nil
}

// Key returns the session's storage key
func (s *Session) Key() string { return s.key }

// State reports the cache state
func (s *Session) State() State { return s.cache.State() }

// Snapshot returns a copy of the cached snapshot, or nil
func (s *Session) Snapshot() *entitlements.Snapshot { return s.cache.Snapshot() }

// Restore loads the persisted snapshot, if any, without touching the network
func (s *Session) Restore(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	snap, err := s.cfg.Store.Load(ctx, s.key)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	if err := s.checkIdentity(snap); err != nil {
		return err
	}
	if err := s.cache.Replace(snap); err != nil && !errors.Is(err, ErrStaleSnapshot) {
		return err
	}
	return nil
}

// Login fetches a snapshot synchronously. With nothing cached a failure
// leaves the session Unverified and returns ErrUnverified.
func (s *Session) Login(ctx context.Context) error {
	return s.Refresh(ctx, TriggerLogin)
}

// PullToRefresh fetches a snapshot synchronously at the user's request
func (s *Session) PullToRefresh(ctx context.Context) error {
	return s.Refresh(ctx, TriggerPull)
}

// Foreground starts a background refresh when the cache is stale or has
// nothing verified. It reports whether a refresh was started.
func (s *Session) Foreground(ctx context.Context) bool {
	switch s.cache.State() {
	case StateStale, StateEmpty, StateUnverified:
		s.refreshAsync(ctx, TriggerForeground)
		return true
	}
	return false
}

// Logout clears the cache and the persisted snapshot. Refreshes still in
// flight are discarded when they finish.
func (s *Session) Logout(ctx context.Context) error {
	s.commit.Lock()
	defer s.commit.Unlock()

	s.gen.Add(1)
	s.cache.Clear()
	if s.cfg.Store == nil {
		return nil
	}
	if err := s.cfg.Store.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to delete persisted snapshot: %w", err)
	}
	return nil
}

// HasPermission answers from the cache without blocking. A stale answer is
// still returned, and a background refresh is started.
func (s *Session) HasPermission(ctx context.Context, code policy.PermissionCode) bool {
	st := s.cache.State()
	allowed := s.cache.HasPermission(code)
	s.afterQuery(ctx, st, allowed)
	return allowed
}

// HasModule answers from the cache like HasPermission
func (s *Session) HasModule(ctx context.Context, module policy.ModuleCode) bool {
	st := s.cache.State()
	allowed := s.cache.HasModule(module)
	s.afterQuery(ctx, st, allowed)
	return allowed
}

func (s *Session) afterQuery(ctx context.Context, st State, allowed bool) {
	s.metrics.RecordQuery(ctx, st.String(), allowed, s.cache.Age())
	if st == StateStale {
		s.refreshAsync(ctx, TriggerStale)
	}
}

// Do runs action. If the backend rejects it with a *ForbiddenError the
// snapshot is refreshed synchronously and action is retried exactly once; a
// second rejection returns ErrSyncConflict.
func (s *Session) Do(ctx context.Context, action func(context.Context) error) error {
	err := action(ctx)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		return err
	}

	s.logger.WithField("required_permission", forbidden.RequiredPermission).
		Info("action forbidden, refreshing entitlements")
	if rerr := s.Refresh(ctx, TriggerForbidden); rerr != nil {
		s.logger.WithError(rerr).Warn("refresh after forbidden action failed")
	}

	err = action(ctx)
	if errors.As(err, &forbidden) {
		return fmt.Errorf("%w: %w", ErrSyncConflict, err)
	}
	return err
}

// Refresh fetches a snapshot synchronously. Concurrent calls within one
// login share one fetch, which runs to completion even if this caller's
// context ends first.
func (s *Session) Refresh(ctx context.Context, trigger Trigger) error {
	gen := s.gen.Load()
	ch := s.group.DoChan(fmt.Sprintf("refresh/%d", gen), func() (interface{}, error) {
		return nil, s.refresh(context.WithoutCancel(ctx), trigger, gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) refreshAsync(ctx context.Context, trigger Trigger) {
	if s.cache.refreshing.Load() > 0 {
		return
	}
	async.SafeGo(ctx, s.logger, s.cfg.RefreshTimeout, "entitlement refresh", func(ctx context.Context) error {
		return s.Refresh(ctx, trigger)
	})
}

func (s *Session) refresh(ctx context.Context, trigger Trigger, gen uint64) error {
	s.cache.refreshing.Add(1)
	defer s.cache.refreshing.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	start := s.clock.Now()
	snap, err := s.fetch(ctx)
	s.metrics.RecordRefresh(ctx, string(trigger), s.clock.Since(start), err)

	log := s.logger.WithField("trigger", string(trigger))

	s.commit.Lock()
	defer s.commit.Unlock()
	if s.gen.Load() != gen {
		return ErrLoggedOut
	}

	if err != nil {
		if s.cache.current.Load() == nil {
			s.cache.markUnverified()
			log.WithError(err).Warn("entitlement fetch failed with nothing cached")
			return fmt.Errorf("%w: %w", ErrUnverified, err)
		}
		log.WithError(err).Warn("entitlement fetch failed, keeping cached snapshot")
		return fmt.Errorf("refresh failed: %w", err)
	}

	if err := s.cache.Replace(snap); err != nil {
		log.WithError(err).Warn("discarding fetched snapshot")
		return err
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Save(ctx, s.key, snap); err != nil {
			log.WithError(err).Warn("failed to persist snapshot")
		}
	}

	log.WithFields(map[string]interface{}{
		"catalog_version": snap.CatalogVersion,
		"permissions":     len(snap.Permissions),
	}).Debug("entitlements refreshed")
	return nil
}

// fetch calls the fetcher with exponential backoff. Client errors are not
// retried.
func (s *Session) fetch(ctx context.Context) (*entitlements.Snapshot, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	eb.Clock = s.clock

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.MaxAttempts-1)), ctx)

	var snap *entitlements.Snapshot
	op := func() error {
		got, err := s.cfg.Fetcher.Fetch(ctx, s.cfg.TenantID, s.cfg.UserID)
		if err == nil {
			err = s.checkIdentity(got)
		}
		if err != nil {
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		snap = got
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.WithError(err).WithField("retry_in", wait.String()).Debug("entitlement fetch failed, retrying")
	}

	if err := backoff.RetryNotifyWithTimer(op, bo, notify, &clockTimer{clock: s.clock}); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Session) checkIdentity(snap *entitlements.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("empty snapshot")
	}
	if snap.TenantID != s.cfg.TenantID || snap.UserID != s.cfg.UserID {
		return fmt.Errorf("%w: got %s/%s", ErrIdentityMismatch, snap.TenantID, snap.UserID)
	}
	return nil
}

// clockTimer drives backoff waits from a clockwork clock
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
