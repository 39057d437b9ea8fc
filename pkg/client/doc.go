// Package client caches entitlement snapshots on the consuming side and keeps
// them in step with the server.
//
// A Cache holds at most one immutable snapshot behind an atomic pointer.
// Queries never block and never touch the network; with no snapshot every
// permission and module query is denied. A Session binds a cache to one user
// within one tenant and implements the refresh policy:
//
//   - Login fetches synchronously.
//   - A query or Foreground call against a stale snapshot answers from the
//     cache and refreshes in the background.
//   - Do retries an action exactly once after a synchronous refresh when the
//     backend rejects it with a ForbiddenError.
//   - PullToRefresh fetches immediately.
//   - Logout clears the cache and the persisted copy.
//
// Concurrent refreshes coalesce into a single fetch that is not cancelled
// when one of the waiting callers gives up. A failed refresh never discards
// the snapshot it was meant to replace, and a snapshot older than the cached
// one is rejected.
//
// Manager keeps a bounded table of sessions for processes that serve many
// users, such as the edge agent.
package client
