package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nudge/internal/task/engine"
)

// WithTimeout bounds every Notify call. A timeout is reported as an ordinary
// delivery failure.
func WithTimeout(n Notifier, d time.Duration) Notifier {
	if d <= 0 {
		return n
	}
	return Func(func(ctx context.Context, msg Notification) error {
		cctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		err := n.Notify(cctx, msg)
		if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return failure(fmt.Errorf("timed out after %s: %w", d, err))
		}
		return failure(err)
	})
}

// WithRetry retries failed deliveries with the engine's jittered backoff.
// Errors wrapped with engine.NoRetry are returned immediately.
func WithRetry(n Notifier, opt engine.TaskOptions) Notifier {
	if opt.RetryMax <= 0 {
		return n
	}
	var (
		mu  sync.Mutex
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	)
	delay := func(attempt int, err error) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return engine.BackoffWithHint(opt, attempt, err, rng)
	}
	return Func(func(ctx context.Context, msg Notification) error {
		var err error
		for attempt := 1; attempt <= opt.RetryMax+1; attempt++ {
			if err = n.Notify(ctx, msg); err == nil {
				return nil
			}
			if engine.IsNoRetry(err) || attempt > opt.RetryMax {
				break
			}
			t := time.NewTimer(delay(attempt, err))
			select {
			case <-ctx.Done():
				t.Stop()
				return failure(err)
			case <-t.C:
			}
		}
		return failure(err)
	})
}

// WithLimiter waits on lim before each delivery.
func WithLimiter(n Notifier, lim *rate.Limiter) Notifier {
	if lim == nil {
		return n
	}
	return Func(func(ctx context.Context, msg Notification) error {
		if err := lim.Wait(ctx); err != nil {
			return failure(fmt.Errorf("rate limit: %w", err))
		}
		return n.Notify(ctx, msg)
	})
}
