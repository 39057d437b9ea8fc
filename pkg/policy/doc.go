// Package policy holds the facts that entitlement resolution is computed from.
//
// # Fact sources
//
// Five independent sources feed every resolution:
//
//	Roles           - named bundles of permission codes, tenant-scoped or global
//	Overrides       - per-tenant allow/deny for a single code
//	User exceptions - per-user grants and denials
//	Catalog         - registered modules, the codes they own and their dependencies
//	Subscriptions   - per-tenant module subscription status
//
// The store holds current state only. History lives in the audit log.
//
// # Catalog
//
// The Catalog is immutable and versioned. Registering modules produces a new
// Catalog; the dependency graph is checked for cycles at that point so that
// evaluation can recurse over dependencies without guard state:
//
//	next, err := catalog.With(policy.Module{Code: "INVENTORY", ...})
//	if errors.Is(err, policy.ErrCyclicDependency) {
//		// registration rejected, catalog unchanged
//	}
//
// # Stores
//
// MemoryStore serves tests and single-process deployments. SQLStore persists
// to PostgreSQL or SQLite; apply the schema with RunMigrations first:
//
//	db, _ := sql.Open("postgres", dsn)
//	if err := policy.RunMigrations(ctx, db); err != nil {
//		return err
//	}
//	store, err := policy.NewSQLStore(db, policy.DriverPostgres)
//
// Every read failure from LoadFacts is wrapped in ErrDataFetch. Callers must
// surface it and never treat it as an empty permission set.
package policy
