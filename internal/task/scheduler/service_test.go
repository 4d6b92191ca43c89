package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

func TestUpsertReplacesByName(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	require.NoError(t, s.Upsert(Entry{Name: "reminder", Cadence: Cadence{Every: time.Hour}, Job: job}))
	require.NoError(t, s.Upsert(Entry{Name: "reminder", Cadence: Cadence{Every: 24 * time.Hour, At: "04:30"}, Job: job}))

	assert.Equal(t, []string{"reminder"}, s.Names())
	c, ok := s.Cadence("reminder")
	require.True(t, ok)
	assert.Equal(t, Cadence{Every: 24 * time.Hour, At: "04:30", Timezone: "UTC"}, c)

	assert.True(t, s.Remove("reminder"))
	assert.False(t, s.Remove("reminder"))
	assert.Empty(t, s.Names())
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	assert.Error(t, s.Upsert(Entry{Name: "", Cadence: Cadence{Every: time.Hour}, Job: job}))
	assert.Error(t, s.Upsert(Entry{Name: "x", Cadence: Cadence{Every: time.Hour}}))
	assert.Error(t, s.Upsert(Entry{Name: "x", Cadence: Cadence{Cron: "bad"}, Job: job}))
}

func TestScheduledJobRunsThroughEngine(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})

	var runs atomic.Int32
	require.NoError(t, s.Upsert(Entry{
		Name:    "tick",
		Cadence: Cadence{Cron: "* * * * * *"},
		Queue:   "default",
		Job: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	s.Start(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.True(t, snap.Running)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}
