package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"nudge/pkg/logx"
)

// Supervisor runs named goroutines tied to a shared context.
//   - panics are recovered and reported as errors
//   - the first error is kept and can optionally cancel the group
//   - Wait honours its own context so shutdown can time out
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	active   atomic.Int64
	restarts atomic.Uint64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, doneCh: make(chan struct{}), log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error reported by a supervised goroutine.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Active reports the number of running goroutines.
func (s *Supervisor) Active() int64 { return s.active.Load() }

// Restarts reports how many times GoRestart loops restarted a function.
func (s *Supervisor) Restarts() uint64 { return s.restarts.Load() }

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded and, with WithCancelOnError, cancels the group.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		err := s.runSafe(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) runSafe(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
	publishErr  bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure in Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishErr = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered exponential
// backoff. A nil return or context cancellation stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			startedAt := time.Now()
			err := s.runSafe(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}

			err = fmt.Errorf("%s: %w", name, err)
			if cfg.publishErr {
				s.setErr(err)
			}
			restarts++
			s.restarts.Add(1)
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return err
			}

			wait := backoff
			if j := wait / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % int64(j+1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
