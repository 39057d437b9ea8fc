package rbac

import (
	"fmt"
	"time"

	"github.com/platinummonkey/entitle/pkg/policy"
)

// Gate decides which modules are enabled for a tenant at a point in time.
// All states are computed when the gate is built; lookups afterwards are
// plain map reads.
type Gate struct {
	catalog *policy.Catalog
	subs    map[policy.ModuleCode]policy.Subscription
	now     time.Time
	states  map[policy.ModuleCode]ModuleState
}

// NewGate evaluates every module in catalog against the tenant's subscriptions.
// The catalog must be acyclic, which policy.Catalog guarantees.
func NewGate(catalog *policy.Catalog, subs map[policy.ModuleCode]policy.Subscription, now time.Time) *Gate {
	if catalog == nil {
		catalog = policy.NewCatalog()
	}
	g := &Gate{
		catalog: catalog,
		subs:    subs,
		now:     now,
		states:  make(map[policy.ModuleCode]ModuleState, catalog.Len()),
	}
	for _, m := range catalog.Modules() {
		g.resolve(m.Code)
	}
	return g
}

func (g *Gate) resolve(code policy.ModuleCode) ModuleState {
	if st, ok := g.states[code]; ok {
		return st
	}

	m, ok := g.catalog.Module(code)
	if !ok {
		return ModuleState{Code: code, Reason: "module not registered"}
	}

	st := ModuleState{Code: code}
	switch {
	case m.IsCore:
		st.Enabled = true
		st.Reason = "core module"
	default:
		st.Enabled, st.Reason = g.subscriptionAllows(code)
	}

	// hard dependencies gate the module, soft ones only mark it degraded
	for _, d := range m.Dependencies {
		dep := g.resolve(d.Module)
		if dep.Enabled {
			continue
		}
		if d.Required && !m.IsCore && st.Enabled {
			st.Enabled = false
			st.Reason = fmt.Sprintf("requires %s", d.Module)
		}
		if !d.Required {
			st.Degraded = true
		}
	}
	if !st.Enabled {
		st.Degraded = false
	}

	g.states[code] = st
	return st
}

func (g *Gate) subscriptionAllows(code policy.ModuleCode) (bool, string) {
	sub, ok := g.subs[code]
	if !ok {
		return false, "no subscription"
	}
	if sub.UsableAt(g.now) {
		return true, fmt.Sprintf("subscription %s", sub.Status)
	}
	if sub.Status == policy.SubscriptionTrial {
		return false, "trial ended"
	}
	return false, fmt.Sprintf("subscription %s", sub.Status)
}

// IsModuleEnabled reports whether code is enabled. Unregistered modules are
// never enabled.
func (g *Gate) IsModuleEnabled(code policy.ModuleCode) bool {
	return g.states[code].Enabled
}

// State returns the full verdict for one module
func (g *Gate) State(code policy.ModuleCode) (ModuleState, bool) {
	st, ok := g.states[code]
	return st, ok
}

// States returns the verdict for every registered module ordered by code
func (g *Gate) States() []ModuleState {
	mods := g.catalog.Modules()
	out := make([]ModuleState, 0, len(mods))
	for _, m := range mods {
		out = append(out, g.states[m.Code])
	}
	return out
}

// EnabledModules returns the codes of all enabled modules ordered by code
func (g *Gate) EnabledModules() []policy.ModuleCode {
	var out []policy.ModuleCode
	for _, st := range g.States() {
		if st.Enabled {
			out = append(out, st.Code)
		}
	}
	return out
}
