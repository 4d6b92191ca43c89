package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine. The scheduler only triggers;
// execution settings live here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState tracks whether a task is in flight. SkipIfRunning treats "queued"
// as running too, so a fast trigger cannot pile up copies of one task.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Queue      string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Queue      string        `json:"queue,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Queue is a label carried into logs, history and events. State gates overlap
// for SkipIfRunning; when nil a per-name state is used.
type Task struct {
	ID      string
	Name    string
	Queue   string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}

// DefaultTaskOptions returns the effective options for a task without overrides.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg)
}
