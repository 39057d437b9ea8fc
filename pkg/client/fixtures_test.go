package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/entitle/pkg/entitlements"
	"github.com/platinummonkey/entitle/pkg/policy"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func snapshotAt(tenantID, userID string, at time.Time, perms ...policy.PermissionCode) *entitlements.Snapshot {
	return &entitlements.Snapshot{
		TenantID:    tenantID,
		UserID:      userID,
		UserType:    policy.UserTypeStaff,
		Permissions: perms,
		Modules: []entitlements.ModuleEntry{
			{Code: "CORE", Enabled: true},
			{Code: "POS", Enabled: true},
			{Code: "INVENTORY", Enabled: false},
		},
		ResolvedAt:     at,
		CatalogVersion: 1,
	}
}

// fakeFetcher serves snapshots stamped with the fake clock. Errors queued in
// failures are returned first, one per call.
type fakeFetcher struct {
	clock *clockwork.FakeClock
	calls atomic.Int32

	mu       sync.Mutex
	perms    []policy.PermissionCode
	failures []error
	fail     error
	gate     chan struct{}
}

func newFakeFetcher(clock *clockwork.FakeClock, perms ...policy.PermissionCode) *fakeFetcher {
	return &fakeFetcher{clock: clock, perms: perms}
}

func (f *fakeFetcher) setPerms(perms ...policy.PermissionCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms = perms
}

func (f *fakeFetcher) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeFetcher) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// block makes fetches wait until the returned release func is called
func (f *fakeFetcher) block() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	gate := f.gate
	return func() { close(gate) }
}

func (f *fakeFetcher) Fetch(ctx context.Context, tenantID, userID string) (*entitlements.Snapshot, error) {
	f.calls.Add(1)

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return snapshotAt(tenantID, userID, f.clock.Now(), f.perms...), nil
}

// memStore is an in-memory SnapshotStore
type memStore struct {
	mu    sync.Mutex
	snaps map[string]*entitlements.Snapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*entitlements.Snapshot)}
}

func (s *memStore) Load(_ context.Context, key string) (*entitlements.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[key], nil
}

func (s *memStore) Save(_ context.Context, key string, snap *entitlements.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[key] = snap
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, key)
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snaps[key]
	return ok
}
