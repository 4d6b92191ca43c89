package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"nudge/internal/subject"
	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

var sample = Notification{
	Task:    "confirm-reminder",
	Kind:    "confirmation_reminder",
	Subject: subject.Subject{ID: "7", Kind: "user", Attrs: map[string]string{"telegram_chat_id": "42"}},
	Text:    "please confirm your account",
}

func TestWebhookStatuses(t *testing.T) {
	var got Notification
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "confirmation_reminder:user:7", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer x", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}}, srv.Client())
	require.NoError(t, err)

	require.NoError(t, wh.Notify(context.Background(), sample))
	assert.Equal(t, sample, got)

	status = http.StatusInternalServerError
	err = wh.Notify(context.Background(), sample)
	require.ErrorIs(t, err, ErrNotifyFailure)
	assert.False(t, engine.IsNoRetry(err))

	status = http.StatusBadRequest
	err = wh.Notify(context.Background(), sample)
	require.ErrorIs(t, err, ErrNotifyFailure)
	assert.True(t, engine.IsNoRetry(err))

	status = http.StatusTooManyRequests
	err = wh.Notify(context.Background(), sample)
	var ra engine.RetryAfterError
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, 3*time.Second, ra.RetryAfter())
}

func TestWithTimeoutIsOrdinaryFailure(t *testing.T) {
	slow := Func(func(ctx context.Context, _ Notification) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := WithTimeout(slow, 10*time.Millisecond).Notify(context.Background(), sample)
	require.ErrorIs(t, err, ErrNotifyFailure)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := Func(func(context.Context, Notification) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	})
	opt := engine.TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}
	require.NoError(t, WithRetry(flaky, opt).Notify(context.Background(), sample))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	permanent := Func(func(context.Context, Notification) error {
		calls.Add(1)
		return engine.NoRetry(errors.New("bad address"))
	})
	err := WithRetry(permanent, opt).Notify(context.Background(), sample)
	require.ErrorIs(t, err, ErrNotifyFailure)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithLimiterHonoursContext(t *testing.T) {
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	n := WithLimiter(Func(func(context.Context, Notification) error { return nil }), lim)

	require.NoError(t, n.Notify(context.Background(), sample))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Notify(ctx, sample), ErrNotifyFailure)
}

func TestTelegramChatID(t *testing.T) {
	id, err := chatIDFrom(sample, "telegram_chat_id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = chatIDFrom(sample, "missing")
	assert.Error(t, err)

	bad := sample
	bad.Subject.Attrs = map[string]string{"telegram_chat_id": "abc"}
	_, err = chatIDFrom(bad, "telegram_chat_id")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	n, err := Build(Config{Driver: "log", Timeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sample))

	_, err = Build(Config{Driver: "carrier-pigeon"}, logx.Nop())
	assert.Error(t, err)
	_, err = Build(Config{Driver: "webhook"}, logx.Nop())
	assert.Error(t, err)
	_, err = Build(Config{Driver: "telegram"}, logx.Nop())
	assert.Error(t, err)
}
