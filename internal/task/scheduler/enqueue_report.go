package scheduler

import (
	"errors"
	"time"

	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed trigger, throttled per schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A tick landing on a still-running firing is routine.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
