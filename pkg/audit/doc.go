// Package audit records every change to entitlement facts.
//
// # Overview
//
// The policy store keeps current state only, so the audit trail is the one
// place history exists. Entries are immutable: sinks expose Append and Query
// and nothing else.
//
// # Entries
//
// Each entry names the actor, the tenant, the action, its target and the
// before/after values of the mutated fact:
//
//	trail.Append(ctx, &audit.Entry{
//		Actor:      "u-admin",
//		TenantID:   "t1",
//		Action:     audit.ActionUserDeny,
//		TargetType: audit.TargetPermission,
//		TargetID:   "u42/POS_REFUND",
//		Changes: &audit.ChangeDetails{
//			Before: nil,
//			After:  map[string]interface{}{"kind": "deny"},
//		},
//	})
//
// ID, timestamp and request ID are filled in when left empty.
//
// # Sinks
//
//	MemoryLog   - in-process, for tests and single-node deployments
//	DBLogger    - PostgreSQL or SQLite table
//	FileLogger  - JSON lines with size-based rotation
//	MultiLogger - fan-out to several sinks
//
// # Export
//
// Query results can be rendered as JSON, NDJSON or CSV with Export.
//
// # Related Packages
//
//   - pkg/entitlements: Admin mutations that write the trail
//   - pkg/policy: The facts being changed
package audit
