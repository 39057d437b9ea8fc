// Package rbac resolves effective permissions and enabled modules from a
// single read of policy facts.
//
// # Overview
//
// Resolution is a pure function of policy.Facts and a point in time. It does
// no I/O, holds no shared state and can run concurrently for any number of
// users.
//
// # Module Gating
//
// A module is enabled when:
//
//   1. It is a core module (always, regardless of subscription), or
//   2. The tenant's subscription is trial or active, the trial has not ended,
//      and every hard dependency is itself enabled.
//
// A disabled soft dependency leaves the module enabled but marks it degraded.
//
//	gate := rbac.NewGate(catalog, subscriptions, time.Now())
//	if gate.IsModuleEnabled("INVENTORY") {
//		// show inventory screens
//	}
//
// # Precedence
//
// For each permission code the first tier with an answer wins:
//
//	unknown code        - denied
//	module disabled     - denied
//	user denial         - denied
//	user grant          - granted
//	franchise override  - allow or deny
//	role                - granted if any held role includes the code
//	super_admin / owner - granted
//	otherwise           - denied
//
// An explicit user denial therefore beats owner and super admin status.
//
// # Usage
//
//	r := rbac.NewResolver(facts, now)
//	d := r.Evaluate("POS_CREATE_SALE")
//	if !d.Allowed {
//		log.Printf("denied at tier %s: %s", d.Tier, d.Reason)
//	}
//
//	granted := r.EffectivePermissions()
//
// # Related Packages
//
//   - pkg/policy: Fact storage and the module catalog
//   - pkg/entitlements: Server-side orchestration and HTTP API
//   - pkg/client: Client-side snapshot cache
package rbac
