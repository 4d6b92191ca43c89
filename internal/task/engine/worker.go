package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"nudge/internal/eventbus"
	"nudge/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	if qt.track {
		defer qt.state.release()
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.appendHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Queue: qt.task.Queue, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("queue", qt.task.Queue))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Queue: qt.task.Queue, Started: start, QueueDelay: queueDelay})

	maxAttempts := 1 + max(qt.opt.RetryMax, 0)

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qt, log)
		if err == nil {
			break
		}
		var nr permanentError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := BackoffWithHint(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Queue: qt.task.Queue, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Queue: qt.task.Queue, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		log.Info("task.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFinished, ev)
	}
	s.appendHistory(item)
}

// runAttempt runs the task once with its timeout. Panics become errors so a
// bad task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// BackoffWithHint returns the delay before retry number retry, preferring an
// explicit RetryAfter hint carried by err.
func BackoffWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return Backoff(opt, retry, rng)
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := min(max(ra.RetryAfter(), 0), maxD)
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

// Backoff is exponential from RetryBase, capped at RetryMaxDelay, with jitter.
func Backoff(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
