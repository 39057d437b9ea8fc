package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/policy"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *policy.Catalog {
	t.Helper()

	c, err := policy.NewCatalog().With(
		policy.Module{Code: "CORE", Name: "Core", IsCore: true, Permissions: []policy.PermissionCode{"DASHBOARD_VIEW"}},
		policy.Module{Code: "POS", Name: "Point of Sale", Permissions: []policy.PermissionCode{"POS_CREATE_SALE", "POS_REFUND"}},
		policy.Module{Code: "INVENTORY", Name: "Inventory", Permissions: []policy.PermissionCode{"INVENTORY_PO_APPROVE"},
			Dependencies: []policy.Dependency{{Module: "POS", Required: true}}},
		policy.Module{Code: "REPORTS", Name: "Reports", Permissions: []policy.PermissionCode{"REPORTS_VIEW"},
			Dependencies: []policy.Dependency{{Module: "INVENTORY", Required: false}}},
	)
	require.NoError(t, err)
	return c
}

func active(modules ...policy.ModuleCode) map[policy.ModuleCode]policy.Subscription {
	subs := make(map[policy.ModuleCode]policy.Subscription, len(modules))
	for _, m := range modules {
		subs[m] = policy.Subscription{TenantID: "t1", Module: m, Status: policy.SubscriptionActive}
	}
	return subs
}

func baseFacts(t *testing.T, userType policy.UserType) *policy.Facts {
	return &policy.Facts{
		TenantID:      "t1",
		User:          policy.User{ID: "u1", TenantID: "t1", Type: userType},
		Overrides:     map[policy.PermissionCode]policy.Effect{},
		Grants:        policy.NewCodeSet(),
		Denials:       policy.NewCodeSet(),
		Catalog:       testCatalog(t),
		Subscriptions: active("POS", "INVENTORY", "REPORTS"),
	}
}

var cashier = policy.Role{ID: "r-cashier", TenantID: "t1", Name: "CASHIER", Permissions: []policy.PermissionCode{"POS_CREATE_SALE"}}

func TestEvaluate_RoleGrant(t *testing.T) {
	facts := baseFacts(t, policy.UserTypeStaff)
	facts.Roles = []policy.Role{cashier}

	d := NewResolver(facts, now).Evaluate("POS_CREATE_SALE")
	assert.True(t, d.Allowed)
	assert.Equal(t, TierRole, d.Tier)
	assert.Equal(t, []string{"CASHIER"}, d.MatchedRoles)
	assert.Equal(t, policy.ModuleCode("POS"), d.Module)
}

func TestEvaluate_UserDenialBeatsRole(t *testing.T) {
	facts := baseFacts(t, policy.UserTypeStaff)
	facts.Roles = []policy.Role{cashier}
	facts.Denials = policy.NewCodeSet("POS_CREATE_SALE")

	d := NewResolver(facts, now).Evaluate("POS_CREATE_SALE")
	assert.False(t, d.Allowed)
	assert.Equal(t, TierUserDenial, d.Tier)
}

func TestEvaluate_ExpiredModuleDeniesSuperAdmin(t *testing.T) {
	facts := baseFacts(t, policy.UserTypeSuperAdmin)
	facts.Subscriptions["INVENTORY"] = policy.Subscription{TenantID: "t1", Module: "INVENTORY", Status: policy.SubscriptionExpired}
	facts.Grants = policy.NewCodeSet("INVENTORY_PO_APPROVE")

	d := NewResolver(facts, now).Evaluate("INVENTORY_PO_APPROVE")
	assert.False(t, d.Allowed)
	assert.Equal(t, TierModuleDisabled, d.Tier)
	assert.Contains(t, d.Reason, "expired")
}

func TestEvaluate_DenialSupremacy(t *testing.T) {
	code := policy.PermissionCode("POS_REFUND")
	userTypes := []policy.UserType{
		policy.UserTypeSuperAdmin, policy.UserTypeOwner, policy.UserTypeAdmin,
		policy.UserTypeStaff, policy.UserTypeCustomer,
	}

	for _, ut := range userTypes {
		for _, grant := range []bool{false, true} {
			for _, override := range []policy.Effect{"", policy.EffectAllow, policy.EffectDeny} {
				for _, withRole := range []bool{false, true} {
					facts := baseFacts(t, ut)
					facts.Denials = policy.NewCodeSet(code)
					if grant {
						facts.Grants = policy.NewCodeSet(code)
					}
					if override != "" {
						facts.Overrides[code] = override
					}
					if withRole {
						facts.Roles = []policy.Role{{ID: "r", Name: "ALL", Permissions: []policy.PermissionCode{code}}}
					}

					d := NewResolver(facts, now).Evaluate(code)
					assert.False(t, d.Allowed, "user=%s grant=%v override=%q role=%v", ut, grant, override, withRole)
					assert.Equal(t, TierUserDenial, d.Tier)
				}
			}
		}
	}
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	t.Run("unknown code", func(t *testing.T) {
		facts := baseFacts(t, policy.UserTypeOwner)
		facts.Grants = policy.NewCodeSet("NOT_A_CODE")

		d := NewResolver(facts, now).Evaluate("NOT_A_CODE")
		assert.False(t, d.Allowed)
		assert.Equal(t, TierUnknownCode, d.Tier)
	})

	t.Run("no matching facts", func(t *testing.T) {
		for _, ut := range []policy.UserType{policy.UserTypeAdmin, policy.UserTypeStaff, policy.UserTypeCustomer} {
			d := NewResolver(baseFacts(t, ut), now).Evaluate("POS_REFUND")
			assert.False(t, d.Allowed, "user type %s", ut)
			assert.Equal(t, TierDefaultDeny, d.Tier)
		}
	})

	t.Run("nil catalog", func(t *testing.T) {
		facts := baseFacts(t, policy.UserTypeSuperAdmin)
		facts.Catalog = nil
		assert.False(t, NewResolver(facts, now).Evaluate("DASHBOARD_VIEW").Allowed)
	})
}

func TestEvaluate_Precedence(t *testing.T) {
	code := policy.PermissionCode("POS_REFUND")

	tests := []struct {
		name     string
		userType policy.UserType
		setup    func(f *policy.Facts)
		allowed  bool
		tier     Tier
	}{
		{
			name:     "grant beats deny override",
			userType: policy.UserTypeStaff,
			setup: func(f *policy.Facts) {
				f.Grants = policy.NewCodeSet(code)
				f.Overrides[code] = policy.EffectDeny
			},
			allowed: true,
			tier:    TierUserGrant,
		},
		{
			name:     "deny override beats role",
			userType: policy.UserTypeStaff,
			setup: func(f *policy.Facts) {
				f.Overrides[code] = policy.EffectDeny
				f.Roles = []policy.Role{{Name: "MANAGER", Permissions: []policy.PermissionCode{code}}}
			},
			allowed: false,
			tier:    TierOverride,
		},
		{
			name:     "deny override beats owner default",
			userType: policy.UserTypeOwner,
			setup: func(f *policy.Facts) {
				f.Overrides[code] = policy.EffectDeny
			},
			allowed: false,
			tier:    TierOverride,
		},
		{
			name:     "allow override grants without role",
			userType: policy.UserTypeCustomer,
			setup: func(f *policy.Facts) {
				f.Overrides[code] = policy.EffectAllow
			},
			allowed: true,
			tier:    TierOverride,
		},
		{
			name:     "owner default",
			userType: policy.UserTypeOwner,
			setup:    func(f *policy.Facts) {},
			allowed:  true,
			tier:     TierAdminDefault,
		},
		{
			name:     "super admin default",
			userType: policy.UserTypeSuperAdmin,
			setup:    func(f *policy.Facts) {},
			allowed:  true,
			tier:     TierAdminDefault,
		},
		{
			name:     "admin has no default",
			userType: policy.UserTypeAdmin,
			setup:    func(f *policy.Facts) {},
			allowed:  false,
			tier:     TierDefaultDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := baseFacts(t, tt.userType)
			tt.setup(facts)

			d := NewResolver(facts, now).Evaluate(code)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.tier, d.Tier)
		})
	}
}

func TestEvaluate_ModuleGatingPrecedesPermissions(t *testing.T) {
	// every tier that could grant is set, yet the disabled module wins
	for _, status := range []policy.SubscriptionStatus{
		policy.SubscriptionPastDue, policy.SubscriptionCancelled, policy.SubscriptionExpired,
	} {
		facts := baseFacts(t, policy.UserTypeOwner)
		facts.Subscriptions["POS"] = policy.Subscription{Module: "POS", Status: status}
		facts.Grants = policy.NewCodeSet("POS_CREATE_SALE")
		facts.Overrides["POS_CREATE_SALE"] = policy.EffectAllow
		facts.Roles = []policy.Role{cashier}

		r := NewResolver(facts, now)
		d := r.Evaluate("POS_CREATE_SALE")
		assert.False(t, d.Allowed, "status %s", status)
		assert.Equal(t, TierModuleDisabled, d.Tier)

		// the dependent module falls with it
		assert.False(t, r.Allowed("INVENTORY_PO_APPROVE"))
		assert.NotContains(t, r.EffectivePermissions(), policy.PermissionCode("INVENTORY_PO_APPROVE"))
	}
}

func TestEffectivePermissions(t *testing.T) {
	facts := baseFacts(t, policy.UserTypeOwner)
	delete(facts.Subscriptions, "REPORTS")
	facts.Denials = policy.NewCodeSet("POS_REFUND")

	got := NewResolver(facts, now).EffectivePermissions()
	assert.Equal(t, []policy.PermissionCode{"DASHBOARD_VIEW", "INVENTORY_PO_APPROVE", "POS_CREATE_SALE"}, got)
}
