// Package entitlements is the server-side orchestration boundary of the
// entitlement engine.
//
// Service resolves a full Snapshot for one user within a tenant from a
// single consistent read of policy facts. Admin applies access and module
// mutations and appends one audit entry per mutation. Handlers exposes both
// over HTTP, and RequirePermission protects routes with permission codes
// resolved through the same engine. CatalogWatcher keeps the module catalog
// in step with a YAML file.
//
// A store failure is always returned as an error wrapping
// policy.ErrDataFetch. It is never turned into an empty snapshot, which
// would be indistinguishable from a user with no permissions.
package entitlements
