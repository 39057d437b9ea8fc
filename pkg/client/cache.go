package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/entitle/pkg/entitlements"
	"github.com/platinummonkey/entitle/pkg/policy"
)

// DefaultStalenessWindow is how long a snapshot is considered fresh
const DefaultStalenessWindow = 15 * time.Minute

// State is the cache's position in its lifecycle
type State int32

const (
	// StateEmpty holds no snapshot; every query is denied
	StateEmpty State = iota
	// StateUnverified is Empty after a failed fetch
	StateUnverified
	// StateFresh holds a snapshot younger than the staleness window
	StateFresh
	// StateStale holds a snapshot older than the window; it still answers
	StateStale
	// StateRefreshing holds a snapshot while a refresh is in flight
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateUnverified:
		return "unverified"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// entry is an immutable snapshot plus its lookup sets
type entry struct {
	snap    *entitlements.Snapshot
	perms   policy.CodeSet
	modules map[policy.ModuleCode]bool
}

func newEntry(snap *entitlements.Snapshot) *entry {
	snap = cloneSnapshot(snap)
	e := &entry{
		snap:    snap,
		perms:   policy.NewCodeSet(snap.Permissions...),
		modules: make(map[policy.ModuleCode]bool, len(snap.Modules)),
	}
	for _, m := range snap.Modules {
		e.modules[m.Code] = m.Enabled
	}
	return e
}

// Cache holds the current snapshot. Reads are lock-free and see either the
// previous snapshot or the next one, never a mix.
type Cache struct {
	current    atomic.Pointer[entry]
	unverified atomic.Bool
	// refreshing counts refreshes in flight
	refreshing atomic.Int32
	window     time.Duration
	clock      clockwork.Clock
}

// NewCache creates an empty cache
func NewCache(window time.Duration, clock clockwork.Clock) *Cache {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{window: window, clock: clock}
}

// Replace swaps in snap wholesale. A snapshot resolved before the cached
// one is rejected with ErrStaleSnapshot.
func (c *Cache) Replace(snap *entitlements.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is required")
	}
	next := newEntry(snap)

	for {
		cur := c.current.Load()
		if cur != nil && next.snap.ResolvedAt.Before(cur.snap.ResolvedAt) {
			return fmt.Errorf("%w: offered %s, holding %s", ErrStaleSnapshot,
				next.snap.ResolvedAt.Format(time.RFC3339Nano), cur.snap.ResolvedAt.Format(time.RFC3339Nano))
		}
		if c.current.CompareAndSwap(cur, next) {
			c.unverified.Store(false)
			return nil
		}
	}
}

// Clear drops the snapshot
func (c *Cache) Clear() {
	c.current.Store(nil)
	c.unverified.Store(false)
}

// markUnverified records a failed fetch; it only affects an empty cache
func (c *Cache) markUnverified() {
	c.unverified.Store(true)
}

// Snapshot returns a copy of the cached snapshot, or nil
func (c *Cache) Snapshot() *entitlements.Snapshot {
	cur := c.current.Load()
	if cur == nil {
		return nil
	}
	return cloneSnapshot(cur.snap)
}

// Age is how long ago the cached snapshot was resolved; zero when empty
func (c *Cache) Age() time.Duration {
	cur := c.current.Load()
	if cur == nil {
		return 0
	}
	return c.clock.Since(cur.snap.ResolvedAt)
}

// State reports the cache state
func (c *Cache) State() State {
	cur := c.current.Load()
	switch {
	case cur == nil && c.unverified.Load():
		return StateUnverified
	case cur == nil:
		return StateEmpty
	case c.refreshing.Load() > 0:
		return StateRefreshing
	case c.clock.Since(cur.snap.ResolvedAt) > c.window:
		return StateStale
	}
	return StateFresh
}

// HasPermission answers from the cached snapshot; false when empty
func (c *Cache) HasPermission(code policy.PermissionCode) bool {
	cur := c.current.Load()
	return cur != nil && cur.perms.Has(code)
}

// HasModule answers from the cached snapshot; false when empty
func (c *Cache) HasModule(module policy.ModuleCode) bool {
	cur := c.current.Load()
	return cur != nil && cur.modules[module]
}

func cloneSnapshot(s *entitlements.Snapshot) *entitlements.Snapshot {
	out := *s
	out.Permissions = append([]policy.PermissionCode(nil), s.Permissions...)
	out.Modules = append([]entitlements.ModuleEntry(nil), s.Modules...)
	out.Roles = append([]string(nil), s.Roles...)
	return &out
}
