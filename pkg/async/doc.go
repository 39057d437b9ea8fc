// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs one task in a goroutine with panic recovery, a timeout and
// error logging. The task is detached from the caller's cancellation, which
// is what a shared refresh needs: the caller that started it may go away
// while other callers are still waiting on the result.
//
//	async.SafeGo(ctx, logger, 30*time.Second, "background refresh", func(ctx context.Context) error {
//		return session.Refresh(ctx)
//	})
//
// Batch fans a slice out over a bounded number of workers and collects the
// errors:
//
//	errs := async.Batch(ctx, sessions, 4, "staleness sweep", 10*time.Second, refresh)
//
// Related packages:
//
//   - pkg/client: SafeGo for stale-snapshot refreshes, Batch for the session sweep
package async
