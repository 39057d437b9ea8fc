package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/platinummonkey/entitle/pkg/entitlements"
	"github.com/platinummonkey/entitle/pkg/observability"
)

const waitFor = 2 * time.Second

func newTestSession(t *testing.T, f Fetcher, clock clockwork.Clock, tweak func(*Config), opts ...Option) *Session {
	t.Helper()
	cfg := Config{
		TenantID:        "t1",
		UserID:          "u1",
		Fetcher:         f,
		StalenessWindow: 15 * time.Minute,
		MaxAttempts:     1,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	s, err := NewSession(cfg, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(Config{UserID: "u1", Fetcher: newFakeFetcher(nil)})
	assert.Error(t, err)

	_, err = NewSession(Config{TenantID: "t1", UserID: "u1"})
	assert.Error(t, err)
}

func TestSession_Login(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()

	assert.False(t, s.HasPermission(ctx, "POS_CREATE_SALE"))

	require.NoError(t, s.Login(ctx))
	assert.Equal(t, StateFresh, s.State())
	assert.True(t, s.HasPermission(ctx, "POS_CREATE_SALE"))
	assert.True(t, s.HasModule(ctx, "POS"))
	assert.False(t, s.HasModule(ctx, "INVENTORY"))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSession_OfflineLoginIsUnverified(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	f.failWith(&StatusError{StatusCode: 503})
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()

	err := s.Login(ctx)
	require.ErrorIs(t, err, ErrUnverified)
	assert.Equal(t, StateUnverified, s.State())
	assert.False(t, s.HasPermission(ctx, "POS_CREATE_SALE"))
	assert.False(t, s.HasModule(ctx, "CORE"))
}

func TestSession_StaleReadAnswersAndRefreshes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	f.setPerms("POS_CREATE_SALE", "POS_REFUND")
	clock.Advance(20 * time.Minute)
	require.Equal(t, StateStale, s.State())

	// answered from the old snapshot without waiting
	assert.False(t, s.HasPermission(ctx, "POS_REFUND"))

	assert.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap != nil && snap.HasPermission("POS_REFUND")
	}, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.calls.Load(), int32(2))
	assert.Eventually(t, func() bool { return s.State() == StateFresh }, waitFor, 5*time.Millisecond)
}

func TestSession_FailedRefreshKeepsSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	clock.Advance(20 * time.Minute)
	f.failWith(errors.New("connection refused"))

	err := s.PullToRefresh(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnverified)
	assert.Equal(t, StateStale, s.State())
	assert.True(t, s.HasPermission(ctx, "POS_CREATE_SALE"))
}

func TestSession_ConcurrentRefreshesShareOneFetch(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	release := f.block()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Refresh(context.Background(), TriggerPull)
		}()
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, StateEmpty, s.State(), "refreshing with nothing cached is still empty")
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, StateFresh, s.State())
}

func TestSession_AbandonedRefreshStillCompletes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	release := f.block()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx, TriggerLogin) }()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	release()
	assert.Eventually(t, func() bool { return s.State() == StateFresh }, waitFor, 5*time.Millisecond)
}

func TestSession_DoRetriesOnceAfterRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	// the role was widened server-side after login
	f.setPerms("POS_CREATE_SALE", "POS_REFUND")

	var attempts atomic.Int32
	err := s.Do(ctx, func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			return &ForbiddenError{RequiredPermission: "POS_REFUND"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(2), f.calls.Load())
	assert.True(t, s.HasPermission(ctx, "POS_REFUND"))
}

func TestSession_DoSurfacesSyncConflict(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	var attempts atomic.Int32
	err := s.Do(ctx, func(ctx context.Context) error {
		attempts.Add(1)
		return &ForbiddenError{RequiredPermission: "POS_REFUND"}
	})
	require.ErrorIs(t, err, ErrSyncConflict)

	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "POS_REFUND", forbidden.RequiredPermission)
	assert.Equal(t, int32(2), attempts.Load(), "exactly one retry")
	assert.Equal(t, int32(2), f.calls.Load(), "exactly one refresh")
}

func TestSession_DoPassesThroughOtherResults(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock)
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	assert.ErrorIs(t, s.Do(ctx, func(context.Context) error { return boom }), boom)
	assert.NoError(t, s.Do(ctx, func(context.Context) error { return nil }))
	assert.Zero(t, f.calls.Load())
}

func TestSession_Logout(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	store := newMemStore()
	s := newTestSession(t, f, clock, func(c *Config) { c.Store = store })
	ctx := context.Background()

	require.NoError(t, s.Login(ctx))
	require.True(t, store.has(s.Key()))

	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, StateEmpty, s.State())
	assert.False(t, s.HasPermission(ctx, "POS_CREATE_SALE"))
	assert.False(t, store.has(s.Key()))
}

func TestSession_LogoutDiscardsInflightRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	s := newTestSession(t, f, clock, nil)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	release := f.block()
	done := make(chan error, 1)
	go func() { done <- s.PullToRefresh(ctx) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, s.Logout(ctx))
	release()

	assert.ErrorIs(t, <-done, ErrLoggedOut)
	assert.Equal(t, StateEmpty, s.State())
	assert.False(t, s.HasPermission(ctx, "POS_CREATE_SALE"))
}

func TestSession_LoginAfterLogoutDoesNotJoinOldRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	store := newMemStore()
	s := newTestSession(t, f, clock, func(c *Config) { c.Store = store })
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	release := f.block()
	pulled := make(chan error, 1)
	go func() { pulled <- s.PullToRefresh(ctx) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, s.Logout(ctx))

	loggedIn := make(chan error, 1)
	go func() { loggedIn <- s.Login(ctx) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 3 }, waitFor, time.Millisecond,
		"login after logout fetches on its own")
	release()

	assert.ErrorIs(t, <-pulled, ErrLoggedOut)
	require.NoError(t, <-loggedIn)
	assert.Equal(t, StateFresh, s.State())
	assert.True(t, s.HasPermission(ctx, "POS_CREATE_SALE"))
	assert.True(t, store.has(s.Key()))
}

func TestSession_FailedRefreshAfterLogoutStaysEmpty(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE")
	store := newMemStore()
	s := newTestSession(t, f, clock, func(c *Config) { c.Store = store })
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	release := f.block()
	f.failNext(errors.New("connection reset"))
	done := make(chan error, 1)
	go func() { done <- s.PullToRefresh(ctx) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, s.Logout(ctx))
	release()

	assert.ErrorIs(t, <-done, ErrLoggedOut)
	assert.Equal(t, StateEmpty, s.State())
	assert.False(t, store.has(s.Key()))
}

func TestSession_ColdStartFromStore(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	f := newFakeFetcher(clock, "POS_CREATE_SALE", "POS_REFUND")
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, SessionKey("t1", "u1"),
		snapshotAt("t1", "u1", epoch.Add(-time.Hour), "POS_CREATE_SALE")))

	s := newTestSession(t, f, clock, func(c *Config) { c.Store = store })
	require.NoError(t, s.Restore(ctx))
	assert.Equal(t, StateStale, s.State())
	assert.Zero(t, f.calls.Load(), "restore never touches the network")

	assert.True(t, s.Foreground(ctx))
	assert.Eventually(t, func() bool { return s.State() == StateFresh }, waitFor, 5*time.Millisecond)
	assert.True(t, s.HasPermission(ctx, "POS_REFUND"))

	assert.False(t, s.Foreground(ctx), "fresh snapshot needs no refresh")
}

func TestSession_RestoreRejectsForeignSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, SessionKey("t1", "u1"), snapshotAt("t2", "u1", epoch, "X")))

	s := newTestSession(t, newFakeFetcher(clock), clock, func(c *Config) { c.Store = store })
	assert.ErrorIs(t, s.Restore(ctx), ErrIdentityMismatch)
	assert.Equal(t, StateEmpty, s.State())
}

func TestSession_RetriesTransientFailures(t *testing.T) {
	f := newFakeFetcher(clockwork.NewFakeClockAt(epoch), "POS_CREATE_SALE")
	f.failNext(&StatusError{StatusCode: 503}, errors.New("connection reset"))
	s := newTestSession(t, f, clockwork.NewRealClock(), func(c *Config) {
		c.MaxAttempts = 3
		c.InitialBackoff = time.Millisecond
	})

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestSession_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFakeFetcher(clockwork.NewFakeClockAt(epoch))
	f.failWith(&StatusError{StatusCode: 502})
	s := newTestSession(t, f, clockwork.NewRealClock(), func(c *Config) {
		c.MaxAttempts = 3
		c.InitialBackoff = time.Millisecond
	})

	err := s.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnverified)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestSession_ClientErrorsAreNotRetried(t *testing.T) {
	f := newFakeFetcher(clockwork.NewFakeClockAt(epoch))
	f.failWith(&StatusError{StatusCode: 404, Message: "user not found"})
	s := newTestSession(t, f, clockwork.NewRealClock(), func(c *Config) {
		c.MaxAttempts = 3
		c.InitialBackoff = time.Millisecond
	})

	err := s.Login(context.Background())
	require.ErrorIs(t, err, ErrUnverified)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.StatusCode)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSession_RejectsSnapshotForAnotherUser(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, tenantID, userID string) (*entitlements.Snapshot, error) {
		calls.Add(1)
		return snapshotAt(tenantID, "someone-else", clock.Now(), "X"), nil
	})
	s := newTestSession(t, f, clock, func(c *Config) { c.MaxAttempts = 3 })

	assert.ErrorIs(t, s.Login(context.Background()), ErrIdentityMismatch)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.HasPermission(context.Background(), "X"))
}

func TestSession_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	metrics, err := observability.NewOTelMetrics(provider)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(epoch)
	s := newTestSession(t, newFakeFetcher(clock, "POS_CREATE_SALE"), clock, nil, WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, s.Login(ctx))
	s.HasPermission(ctx, "POS_CREATE_SALE")
	s.HasPermission(ctx, "POS_REFUND")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), totals["entitle.cache.refreshes"])
	assert.Equal(t, int64(2), totals["entitle.cache.queries"])
}
