package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: s.cfg.Timezone,
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Cadence: d.cadence.String(),
			Queue:   d.queue,
			Timeout: d.timeout,
			Spread:  d.spread,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	eng := s.engine
	s.mu.Unlock()

	if out.Timezone == "" {
		out.Timezone = "UTC"
	}
	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	if eng != nil {
		out.Engine = eng.Snapshot()
	}
	return out
}
