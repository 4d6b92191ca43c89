package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule overrides the first run time of base, then delegates.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// withStartupSpread delays the first run of an unanchored interval by up to
// min(every, 30s) so many tasks started together do not fire together.
func withStartupSpread(base cron.Schedule, every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
