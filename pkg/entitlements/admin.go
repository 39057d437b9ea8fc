package entitlements

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/policy"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Codes guarding the admin surface. They belong to the core ADMIN module so
// they can never be gated off by a subscription.
const (
	AdminModule       policy.ModuleCode     = "ADMIN"
	PermManageAccess  policy.PermissionCode = "ADMIN_MANAGE_ACCESS"
	PermManageModules policy.PermissionCode = "ADMIN_MANAGE_MODULES"
)

// SystemModule is the core module owning the admin permission codes
func SystemModule() policy.Module {
	return policy.Module{
		Code:        AdminModule,
		Name:        "Administration",
		IsCore:      true,
		Permissions: []policy.PermissionCode{PermManageAccess, PermManageModules},
	}
}

// ErrAuditAppend is returned when a mutation was applied but its audit entry
// could not be written
var ErrAuditAppend = errors.New("audit append failed")

// Admin applies mutations to the policy store. Every successful mutation
// appends exactly one audit entry carrying the before and after values of
// the fact it changed.
type Admin struct {
	store policy.Store
	trail audit.Logger
	options
}

// NewAdmin creates an Admin writing to store and recording to trail
func NewAdmin(store policy.Store, trail audit.Logger, opts ...Option) *Admin {
	return &Admin{
		store:   store,
		trail:   trail,
		options: buildOptions(opts),
	}
}

// record appends the audit entry for a mutation that has already been
// committed. The mutation is not rolled back on failure.
func (a *Admin) record(ctx context.Context, e *audit.Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock.Now().UTC()
	}
	err := a.trail.Append(ctx, e)
	a.metrics.ObserveAuditAppend(err)
	if err != nil {
		a.logger.WithError(err).WithFields(map[string]interface{}{
			"action":    string(e.Action),
			"tenant_id": e.TenantID,
			"target_id": e.TargetID,
		}).Error("mutation applied but audit append failed")
		return fmt.Errorf("%w: %v", ErrAuditAppend, err)
	}
	return nil
}

func changes(before, after map[string]interface{}) *audit.ChangeDetails {
	return &audit.ChangeDetails{Before: before, After: after}
}

func (a *Admin) requireKnown(ctx context.Context, code policy.PermissionCode) error {
	catalog, err := a.store.Catalog(ctx)
	if err != nil {
		return err
	}
	if !catalog.Known(code) {
		return fmt.Errorf("%w: %s", policy.ErrUnknownPermission, code)
	}
	return nil
}

func requireActor(actor string) error {
	if actor == "" {
		return fmt.Errorf("%w: actor is required", policy.ErrInvalidInput)
	}
	return nil
}

// PutUser creates or updates a user
func (a *Admin) PutUser(ctx context.Context, actor string, user policy.User) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	var before map[string]interface{}
	if existing, err := a.store.GetUser(ctx, user.TenantID, user.ID); err == nil {
		before = map[string]interface{}{"user_type": string(existing.Type)}
	} else if !errors.Is(err, policy.ErrNotFound) {
		return err
	}

	if err := a.store.PutUser(ctx, user); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   user.TenantID,
		Action:     audit.ActionUserPut,
		TargetType: audit.TargetUser,
		TargetID:   user.ID,
		Changes:    changes(before, map[string]interface{}{"user_type": string(user.Type)}),
	})
}

// SetUserType changes an existing user's type
func (a *Admin) SetUserType(ctx context.Context, actor, tenantID, userID string, userType policy.UserType) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !userType.Valid() {
		return fmt.Errorf("%w: user type %q", policy.ErrInvalidInput, userType)
	}

	user, err := a.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	previous := user.Type
	user.Type = userType

	if err := a.store.PutUser(ctx, user); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionUserTypeChange,
		TargetType: audit.TargetUser,
		TargetID:   userID,
		Changes: changes(
			map[string]interface{}{"user_type": string(previous)},
			map[string]interface{}{"user_type": string(userType)},
		),
	})
}

// PutRole creates or updates a role. Roles created through a tenant are
// scoped to it; every code must be in the catalog.
func (a *Admin) PutRole(ctx context.Context, actor string, role policy.Role) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	catalog, err := a.store.Catalog(ctx)
	if err != nil {
		return err
	}
	for _, code := range role.Permissions {
		if !catalog.Known(code) {
			return fmt.Errorf("%w: %s", policy.ErrUnknownPermission, code)
		}
	}

	var before map[string]interface{}
	if existing, err := a.store.GetRole(ctx, role.ID); err == nil {
		if existing.TenantID != role.TenantID {
			return fmt.Errorf("%w: role %s belongs to another tenant", policy.ErrInvalidInput, role.ID)
		}
		before = roleState(existing)
	} else if !errors.Is(err, policy.ErrNotFound) {
		return err
	}

	if err := a.store.PutRole(ctx, role); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   role.TenantID,
		Action:     audit.ActionRolePut,
		TargetType: audit.TargetRole,
		TargetID:   role.ID,
		Changes:    changes(before, roleState(role)),
	})
}

func roleState(r policy.Role) map[string]interface{} {
	perms := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = string(p)
	}
	sort.Strings(perms)
	return map[string]interface{}{"name": r.Name, "permissions": perms}
}

// AssignRole gives a user a role within a tenant
func (a *Admin) AssignRole(ctx context.Context, actor, tenantID, userID, roleID string) error {
	return a.changeRoles(ctx, actor, tenantID, userID, roleID, audit.ActionRoleAssign, a.store.AssignRole)
}

// RevokeRole removes a role from a user
func (a *Admin) RevokeRole(ctx context.Context, actor, tenantID, userID, roleID string) error {
	return a.changeRoles(ctx, actor, tenantID, userID, roleID, audit.ActionRoleRevoke, a.store.RevokeRole)
}

func (a *Admin) changeRoles(ctx context.Context, actor, tenantID, userID, roleID string, action audit.Action,
	apply func(ctx context.Context, tenantID, userID, roleID string) error) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	before, err := a.roleIDs(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := apply(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	after, err := a.roleIDs(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     action,
		TargetType: audit.TargetUser,
		TargetID:   userID,
		Message:    roleID,
		Changes: changes(
			map[string]interface{}{"roles": before},
			map[string]interface{}{"roles": after},
		),
	})
}

func (a *Admin) roleIDs(ctx context.Context, tenantID, userID string) ([]string, error) {
	roles, err := a.store.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetOverride forces a code to allow or deny for a whole tenant
func (a *Admin) SetOverride(ctx context.Context, actor, tenantID string, code policy.PermissionCode, effect policy.Effect) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !effect.Valid() {
		return fmt.Errorf("%w: effect %q", policy.ErrInvalidInput, effect)
	}
	if err := a.requireKnown(ctx, code); err != nil {
		return err
	}

	before, err := a.overrideState(ctx, tenantID, code)
	if err != nil {
		return err
	}
	if err := a.store.SetOverride(ctx, policy.Override{TenantID: tenantID, Code: code, Effect: effect}); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionOverrideSet,
		TargetType: audit.TargetPermission,
		TargetID:   string(code),
		Changes:    changes(before, map[string]interface{}{"effect": string(effect)}),
	})
}

// ClearOverride removes a tenant override
func (a *Admin) ClearOverride(ctx context.Context, actor, tenantID string, code policy.PermissionCode) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	before, err := a.overrideState(ctx, tenantID, code)
	if err != nil {
		return err
	}
	if before == nil {
		return fmt.Errorf("%w: no override for %s", policy.ErrNotFound, code)
	}
	if err := a.store.ClearOverride(ctx, tenantID, code); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionOverrideClear,
		TargetType: audit.TargetPermission,
		TargetID:   string(code),
		Changes:    changes(before, nil),
	})
}

func (a *Admin) overrideState(ctx context.Context, tenantID string, code policy.PermissionCode) (map[string]interface{}, error) {
	o, err := a.store.GetOverride(ctx, tenantID, code)
	if err != nil || o == nil {
		return nil, err
	}
	return map[string]interface{}{"effect": string(o.Effect)}, nil
}

// GrantUser gives one user a code regardless of roles and overrides
func (a *Admin) GrantUser(ctx context.Context, actor, tenantID, userID string, code policy.PermissionCode) error {
	return a.setException(ctx, actor, tenantID, userID, code, policy.ExceptionGrant, audit.ActionUserGrant)
}

// DenyUser takes a code from one user; a denial beats every other tier
func (a *Admin) DenyUser(ctx context.Context, actor, tenantID, userID string, code policy.PermissionCode) error {
	return a.setException(ctx, actor, tenantID, userID, code, policy.ExceptionDeny, audit.ActionUserDeny)
}

func (a *Admin) setException(ctx context.Context, actor, tenantID, userID string, code policy.PermissionCode,
	kind policy.ExceptionKind, action audit.Action) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if err := a.requireKnown(ctx, code); err != nil {
		return err
	}
	if _, err := a.store.GetUser(ctx, tenantID, userID); err != nil {
		return err
	}

	before, err := a.exceptionState(ctx, tenantID, userID, code)
	if err != nil {
		return err
	}
	err = a.store.SetUserException(ctx, policy.UserException{
		TenantID: tenantID,
		UserID:   userID,
		Code:     code,
		Kind:     kind,
	})
	if err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     action,
		TargetType: audit.TargetPermission,
		TargetID:   userID + "/" + string(code),
		Changes:    changes(before, map[string]interface{}{"kind": string(kind)}),
	})
}

// ClearUserException removes a user's grant or denial for a code
func (a *Admin) ClearUserException(ctx context.Context, actor, tenantID, userID string, code policy.PermissionCode) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	before, err := a.exceptionState(ctx, tenantID, userID, code)
	if err != nil {
		return err
	}
	if before == nil {
		return fmt.Errorf("%w: no exception for %s on user %s", policy.ErrNotFound, code, userID)
	}
	if err := a.store.ClearUserException(ctx, tenantID, userID, code); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionExceptionClear,
		TargetType: audit.TargetPermission,
		TargetID:   userID + "/" + string(code),
		Changes:    changes(before, nil),
	})
}

func (a *Admin) exceptionState(ctx context.Context, tenantID, userID string, code policy.PermissionCode) (map[string]interface{}, error) {
	e, err := a.store.GetUserException(ctx, tenantID, userID, code)
	if err != nil || e == nil {
		return nil, err
	}
	return map[string]interface{}{"kind": string(e.Kind)}, nil
}

// EnableModule sets a module's subscription to trial or active. It is
// rejected with policy.ErrUnmetDependency when a hard dependency would leave
// the module disabled anyway.
func (a *Admin) EnableModule(ctx context.Context, actor, tenantID string, module policy.ModuleCode,
	status policy.SubscriptionStatus, trialEndsAt *time.Time) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if status != policy.SubscriptionActive && status != policy.SubscriptionTrial {
		return fmt.Errorf("%w: cannot enable with status %q", policy.ErrInvalidInput, status)
	}

	catalog, err := a.store.Catalog(ctx)
	if err != nil {
		return err
	}
	if _, ok := catalog.Module(module); !ok {
		return fmt.Errorf("%w: %s", policy.ErrUnknownModule, module)
	}

	current, err := a.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return err
	}
	subs := make(map[policy.ModuleCode]policy.Subscription, len(current)+1)
	var before map[string]interface{}
	for _, sub := range current {
		subs[sub.Module] = sub
		if sub.Module == module {
			before = subscriptionState(sub)
		}
	}

	next := policy.Subscription{TenantID: tenantID, Module: module, Status: status, TrialEndsAt: trialEndsAt}
	if prev, ok := subs[module]; ok {
		next.PeriodStart, next.PeriodEnd = prev.PeriodStart, prev.PeriodEnd
	}
	subs[module] = next

	now := a.clock.Now()
	if !next.UsableAt(now) {
		return fmt.Errorf("%w: trial for %s already ended", policy.ErrInvalidInput, module)
	}
	gate := rbac.NewGate(catalog, subs, now)
	if st, _ := gate.State(module); !st.Enabled {
		return fmt.Errorf("%w: %s %s", policy.ErrUnmetDependency, module, st.Reason)
	}

	if err := a.store.PutSubscription(ctx, next); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionModuleEnable,
		TargetType: audit.TargetModule,
		TargetID:   string(module),
		Changes:    changes(before, subscriptionState(next)),
	})
}

// DisableModule moves a module's subscription to a non-usable status,
// cancelled by default. Modules that hard-depend on it become disabled by
// the same resolution. Core modules cannot be disabled.
func (a *Admin) DisableModule(ctx context.Context, actor, tenantID string, module policy.ModuleCode,
	status policy.SubscriptionStatus) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if status == "" {
		status = policy.SubscriptionCancelled
	}
	if !status.Valid() || status == policy.SubscriptionActive || status == policy.SubscriptionTrial {
		return fmt.Errorf("%w: cannot disable with status %q", policy.ErrInvalidInput, status)
	}

	catalog, err := a.store.Catalog(ctx)
	if err != nil {
		return err
	}
	m, ok := catalog.Module(module)
	if !ok {
		return fmt.Errorf("%w: %s", policy.ErrUnknownModule, module)
	}
	if m.IsCore {
		return fmt.Errorf("%w: core module %s cannot be disabled", policy.ErrInvalidInput, module)
	}

	prev, err := a.store.GetSubscription(ctx, tenantID, module)
	if err != nil {
		return err
	}
	next := policy.Subscription{TenantID: tenantID, Module: module, Status: status}
	var before map[string]interface{}
	if prev != nil {
		before = subscriptionState(*prev)
		next.TrialEndsAt, next.PeriodStart, next.PeriodEnd = prev.TrialEndsAt, prev.PeriodStart, prev.PeriodEnd
	}

	if err := a.store.PutSubscription(ctx, next); err != nil {
		return err
	}

	return a.record(ctx, &audit.Entry{
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionModuleDisable,
		TargetType: audit.TargetModule,
		TargetID:   string(module),
		Changes:    changes(before, subscriptionState(next)),
	})
}

func subscriptionState(s policy.Subscription) map[string]interface{} {
	state := map[string]interface{}{"status": string(s.Status)}
	if s.TrialEndsAt != nil {
		state["trial_ends_at"] = s.TrialEndsAt.UTC().Format(time.RFC3339)
	}
	return state
}

// RegisterModules adds or replaces module definitions. A definition set that
// would create a dependency cycle is rejected whole.
func (a *Admin) RegisterModules(ctx context.Context, actor string, mods ...policy.Module) (*policy.Catalog, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	before, err := a.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	next, err := a.store.RegisterModules(ctx, mods...)
	if err != nil {
		return nil, err
	}
	a.metrics.SetCatalogVersion(next.Version())

	codes := make([]string, len(mods))
	for i, m := range mods {
		codes[i] = string(m.Code)
	}
	sort.Strings(codes)

	err = a.record(ctx, &audit.Entry{
		Actor:      actor,
		Action:     audit.ActionModuleRegister,
		TargetType: audit.TargetCatalog,
		TargetID:   fmt.Sprintf("v%d", next.Version()),
		Changes: changes(
			map[string]interface{}{"version": before.Version()},
			map[string]interface{}{"version": next.Version(), "modules": codes},
		),
	})
	return next, err
}

// AuditTrail lists recorded entries when the configured sink can be queried
func (a *Admin) AuditTrail(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	q, ok := a.trail.(audit.Querier)
	if !ok {
		return nil, fmt.Errorf("audit sink does not support queries")
	}
	return q.Query(ctx, filter)
}
