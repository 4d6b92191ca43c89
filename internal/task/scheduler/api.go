package scheduler

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

// Entry is one schedule registration.
type Entry struct {
	Name    string
	Cadence Cadence
	Queue   string
	Timeout time.Duration
	Opt     TaskOptions
	Job     Job
}

// Upsert registers e under e.Name, replacing any schedule with the same name.
// Scheduled jobs skip a tick while a previous run is queued or running unless
// e.Opt says otherwise.
func (s *Service) Upsert(e Entry) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return errors.New("name required")
	}
	if e.Job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cad := e.Cadence.InZone(s.cfg.Timezone)
	if err := cad.Validate(); err != nil {
		return err
	}
	opt := e.Opt
	if opt == (TaskOptions{}) {
		opt.Overlap = engine.OverlapSkipIfRunning
	}

	s.removeLocked(name)
	d := &scheduleDef{
		name:    name,
		cadence: cad,
		queue:   e.Queue,
		timeout: e.Timeout,
		job:     e.Job,
		opt:     opt,
		state:   &engine.RunState{},
	}
	s.defs[name] = d
	if s.c != nil {
		s.addCronLocked(d)
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("cadence", cad.String()),
		logx.String("queue", e.Queue),
		logx.String("next", previewNextRuns(cad, 3)),
	)
	return nil
}

// Remove unschedules name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names lists registered schedule names in sorted order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Cadence returns the cadence registered for name.
func (s *Service) Cadence(name string) (Cadence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return Cadence{}, false
	}
	return d.cadence, true
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) {
	sched, err := d.cadence.Schedule()
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		return
	}
	if s.cfg.StartupSpread && d.cadence.Cron == "" && d.cadence.At == "" {
		sched, d.spread = withStartupSpread(sched, d.cadence.Every, time.Now(), d.name)
	}

	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    d.name,
			Queue:   d.queue,
			Timeout: d.timeout,
			Run:     d.job,
			Opt:     d.opt,
			State:   d.state,
		})
		s.reportEnqueueError(d.name, err)
	})
	d.entryID = s.c.Schedule(sched, job)
}

// previewNextRuns renders the next n fire times for debug logs.
func previewNextRuns(c Cadence, n int) string {
	sched, err := c.Schedule()
	if err != nil {
		return ""
	}
	t := time.Now()
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05 MST"))
	}
	return strings.Join(parts, ", ")
}
