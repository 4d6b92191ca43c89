package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("boom", func(context.Context) error { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCancelOnError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("nope") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx))
	assert.Equal(t, int64(0), s.Active())
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err, "first failure should be published")
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(2), s.Restarts())
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("permanent")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
}
