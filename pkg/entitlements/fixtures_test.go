package entitlements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/policy"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *policy.MemoryStore
	trail   *audit.MemoryLog
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
	service *Service
	admin   *Admin
}

func (f *fixture) opts() []Option {
	return []Option{WithClock(f.clock), WithMetrics(f.metrics)}
}

// newFixture seeds one tenant with an owner, an admin, and a staff member
// holding the cashier role. POS is subscribed; INVENTORY and REPORTS are not.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:   policy.NewMemoryStore(),
		trail:   audit.NewMemoryLog(),
		clock:   clockwork.NewFakeClockAt(epoch),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}

	_, err := f.store.RegisterModules(ctx,
		SystemModule(),
		policy.Module{Code: "CORE", Name: "Core", IsCore: true, Permissions: []policy.PermissionCode{"DASHBOARD_VIEW"}},
		policy.Module{Code: "POS", Name: "Point of Sale", Permissions: []policy.PermissionCode{"POS_CREATE_SALE", "POS_REFUND"}},
		policy.Module{Code: "INVENTORY", Name: "Inventory", Permissions: []policy.PermissionCode{"INVENTORY_PO_APPROVE"},
			Dependencies: []policy.Dependency{{Module: "POS", Required: true}}},
		policy.Module{Code: "REPORTS", Name: "Reports", Permissions: []policy.PermissionCode{"REPORTS_VIEW"},
			Dependencies: []policy.Dependency{{Module: "INVENTORY", Required: false}}},
	)
	require.NoError(t, err)

	for _, u := range []policy.User{
		{ID: "owner1", TenantID: "t1", Type: policy.UserTypeOwner},
		{ID: "admin1", TenantID: "t1", Type: policy.UserTypeAdmin},
		{ID: "u1", TenantID: "t1", Type: policy.UserTypeStaff},
	} {
		require.NoError(t, f.store.PutUser(ctx, u))
	}

	require.NoError(t, f.store.PutRole(ctx, policy.Role{ID: "r-cashier", TenantID: "t1", Name: "CASHIER",
		Permissions: []policy.PermissionCode{"POS_CREATE_SALE", "DASHBOARD_VIEW"}}))
	require.NoError(t, f.store.PutRole(ctx, policy.Role{ID: "r-access", TenantID: "t1", Name: "ACCESS_ADMIN",
		Permissions: []policy.PermissionCode{PermManageAccess, PermManageModules}}))
	require.NoError(t, f.store.AssignRole(ctx, "t1", "u1", "r-cashier"))
	require.NoError(t, f.store.AssignRole(ctx, "t1", "admin1", "r-access"))

	require.NoError(t, f.store.PutSubscription(ctx, policy.Subscription{
		TenantID: "t1", Module: "POS", Status: policy.SubscriptionActive,
	}))

	f.service = NewService(f.store, f.opts()...)
	f.admin = NewAdmin(f.store, f.trail, f.opts()...)
	return f
}

// failingReader simulates an unreachable backend
type failingReader struct{}

func (failingReader) LoadFacts(ctx context.Context, tenantID, userID string) (*policy.Facts, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) Catalog(ctx context.Context) (*policy.Catalog, error) {
	return nil, errors.New("connection refused")
}

// failingTrail accepts nothing
type failingTrail struct{}

func (failingTrail) Append(ctx context.Context, entry *audit.Entry) error {
	return errors.New("disk full")
}

func (failingTrail) Close() error { return nil }
