package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/eventbus"
	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled bool
	// Timezone is the default IANA zone for cadences that do not name one.
	Timezone string
	// StartupSpread enables a random first-run delay for unanchored intervals.
	StartupSpread bool
}

type TaskOptions = engine.TaskOptions

// Job is what a schedule trigger runs through the engine.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	cadence Cadence
	queue   string
	timeout time.Duration
	job     Job
	opt     TaskOptions
	entryID cron.EntryID
	spread  time.Duration
	state   *engine.RunState
}

// Service turns cadences into engine tasks. It never runs jobs itself.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	c    *cron.Cron
	defs map[string]*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Cadence string
	Queue   string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string

	Schedules []ScheduleInfo
	Engine    engine.Snapshot
}
