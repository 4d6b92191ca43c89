package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/eventbus"
	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		engine:      eng,
		defs:        map[string]*scheduleDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config; a timezone change restarts cron with all entries.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering. Definitions added before Start are registered now.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Definitions survive and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
