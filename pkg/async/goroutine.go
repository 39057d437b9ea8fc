package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/entitle/pkg/observability"
)

// SafeGo executes fn in a goroutine with its own timeout and panic recovery.
// Errors are logged, never returned; the returned channel closes when fn is
// done.
//
// The task context keeps the parent's values but not its cancellation, so a
// request that spawned the task can finish without aborting it.
//
//	async.SafeGo(ctx, logger, 30*time.Second, "background refresh", func(ctx context.Context) error {
//	    return session.Refresh(ctx)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string,
	fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer observability.RecoverPanic(logger, taskName)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()

	return done
}

// Batch runs fn over items with at most workers concurrent calls, each under
// its own timeout. It returns every error encountered; a panic in fn is
// converted to an error.
//
//	errs := async.Batch(ctx, sessions, 4, "staleness sweep", 10*time.Second, func(ctx context.Context, s *client.Session) error {
//	    return s.Refresh(ctx)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	work := make(chan T)
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)

	run := func(item T) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: %w", taskName, observability.MustRecover(r))
			}
		}()
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(taskCtx, item)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := run(item); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", taskName, ctx.Err()))
			mu.Unlock()
			break feed
		}
	}
	close(work)
	wg.Wait()

	return errs
}
