package rbac

import (
	"fmt"
	"time"

	"github.com/platinummonkey/entitle/pkg/policy"
)

// Resolver evaluates permission codes for one user against one consistent
// read of facts. It performs no I/O and is safe for concurrent use once built.
type Resolver struct {
	facts   *policy.Facts
	catalog *policy.Catalog
	gate    *Gate
}

// NewResolver builds a resolver, computing the tenant's enabled modules once
func NewResolver(facts *policy.Facts, now time.Time) *Resolver {
	catalog := facts.Catalog
	if catalog == nil {
		catalog = policy.NewCatalog()
	}
	return &Resolver{
		facts:   facts,
		catalog: catalog,
		gate:    NewGate(catalog, facts.Subscriptions, now),
	}
}

// Gate returns the module gate used by this resolver
func (r *Resolver) Gate() *Gate {
	return r.gate
}

// Evaluate decides a single permission code. Module gating runs first so a
// code owned by a disabled module is denied whatever the other tiers say.
func (r *Resolver) Evaluate(code policy.PermissionCode) Decision {
	d := Decision{Code: code}

	module, ok := r.catalog.OwnerOf(code)
	if !ok {
		d.Tier = TierUnknownCode
		d.Reason = "permission code not in catalog"
		return d
	}
	d.Module = module

	if !r.gate.IsModuleEnabled(module) {
		st, _ := r.gate.State(module)
		d.Tier = TierModuleDisabled
		d.Reason = fmt.Sprintf("module %s disabled: %s", module, st.Reason)
		return d
	}

	if r.facts.Denials.Has(code) {
		d.Tier = TierUserDenial
		d.Reason = "explicit user denial"
		return d
	}

	if r.facts.Grants.Has(code) {
		d.Allowed = true
		d.Tier = TierUserGrant
		d.Reason = "explicit user grant"
		return d
	}

	if effect, ok := r.facts.Overrides[code]; ok {
		d.Allowed = effect == policy.EffectAllow
		d.Tier = TierOverride
		d.Reason = fmt.Sprintf("tenant override: %s", effect)
		return d
	}

	for _, role := range r.facts.Roles {
		if role.Includes(code) {
			d.MatchedRoles = append(d.MatchedRoles, role.Name)
		}
	}
	if len(d.MatchedRoles) > 0 {
		d.Allowed = true
		d.Tier = TierRole
		d.Reason = fmt.Sprintf("granted by roles: %v", d.MatchedRoles)
		return d
	}

	if r.facts.User.Type.DefaultsToGranted() {
		d.Allowed = true
		d.Tier = TierAdminDefault
		d.Reason = fmt.Sprintf("%s default grant", r.facts.User.Type)
		return d
	}

	d.Tier = TierDefaultDeny
	d.Reason = "no tier grants this code"
	return d
}

// Allowed is Evaluate reduced to its boolean outcome
func (r *Resolver) Allowed(code policy.PermissionCode) bool {
	return r.Evaluate(code).Allowed
}

// EffectivePermissions returns every catalog code that resolves to granted,
// ordered lexically
func (r *Resolver) EffectivePermissions() []policy.PermissionCode {
	var out []policy.PermissionCode
	for _, code := range r.catalog.Codes() {
		if r.Evaluate(code).Allowed {
			out = append(out, code)
		}
	}
	return out
}
