package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nudge/internal/eventbus"
	rtsup "nudge/internal/runtime/supervisor"
	"nudge/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withConfigDefaults(cfg),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func withConfigDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config and restarts workers when the pool shape changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withConfigDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds a task without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}

	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if track {
				st.release()
			}
			s.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if track {
			st.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			st.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "queue_full"})

	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
		)
	}
}
