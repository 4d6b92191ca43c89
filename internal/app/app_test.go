package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/config"
	"nudge/internal/credential"
	"nudge/internal/ledger"
	"nudge/internal/notifier"
	"nudge/internal/task/scheduler"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const baseConfig = `{
  "logging": {"level": "error", "console": true},
  "scheduler": {"enabled": false, "timezone": "UTC"},
  "storage": {"driver": "memory"},
  "tasks": [
    {
      "name": "welcome",
      "description": "welcome new users",
      "schedule": "24h",
      "at": "04:30",
      "text": "Hi $id",
      "subjects": {"kind": "user", "static": [{"id": "1"}, {"id": "2"}, {"id": "3"}]}
    },
    {
      "name": "digest",
      "schedule": "0 9 * * MON",
      "queue": "digests",
      "subjects": {"kind": "user", "static": [{"id": "1"}]}
    },
    {
      "name": "paused",
      "disabled": true,
      "schedule": "1h",
      "subjects": {"kind": "user"}
    }
  ]
}`

type recorder struct {
	mu   sync.Mutex
	sent []notifier.Notification
	fail map[string]bool
}

func (r *recorder) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[n.Subject.ID] {
		return errors.New("unreachable")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testCreds(env map[string]string) *credential.Resolver {
	return credential.NewResolver(
		credential.WithKeyring(keyring.NewArrayKeyring(nil)),
		credential.WithGetenv(func(k string) string { return env[k] }),
	)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nudge.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestApp(t *testing.T, body string, rec *recorder, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithCredentials(testCreds(nil)),
		WithNotifier(config.DefaultNotifier, rec),
	}, opts...)
	a, err := New(writeConfig(t, body), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestDeployIsIdempotent(t *testing.T) {
	a := newTestApp(t, baseConfig, &recorder{}, WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()

	assert.Equal(t, []string{"digest", "welcome"}, a.TaskNames())

	for range 3 {
		reports, err := a.Deploy(ctx)
		require.NoError(t, err)
		require.Len(t, reports, 2)
	}

	regs, err := a.reg.Registrations(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 2)

	reps, err := a.Reports(ctx, "welcome", 0)
	require.NoError(t, err)
	assert.Len(t, reps, 3)
	assert.Equal(t, "welcome new users", reps[0].Description)
	assert.Equal(t, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), reps[0].FirstRunAt)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, "digest", status[0].Name)
	assert.Equal(t, "digests", status[0].Queue)
	assert.Equal(t, "welcome", status[1].Name)
	assert.True(t, status[1].Registered)
	assert.True(t, status[1].Configured)
	assert.False(t, status[1].Drift)
	assert.Equal(t, "default", status[1].Queue)
	assert.Equal(t, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), status[1].NextRunAt)
}

func TestStatusReportsDrift(t *testing.T) {
	a := newTestApp(t, baseConfig, &recorder{})
	ctx := context.Background()

	status, err := a.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.False(t, status[1].Registered)

	_, err = a.Deploy(ctx)
	require.NoError(t, err)
	_, err = a.reg.Install(ctx, "welcome", scheduler.Cadence{Every: time.Hour}, "")
	require.NoError(t, err)

	status, err = a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status[1].Drift)
	assert.False(t, status[0].Drift)
}

func TestFireNowRecordsOnce(t *testing.T) {
	rec := &recorder{fail: map[string]bool{"2": true}}
	a := newTestApp(t, baseConfig, rec)
	ctx := context.Background()

	res, err := a.FireNow(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Considered)
	assert.Equal(t, 2, res.Notified)
	require.Equal(t, 1, res.Failed())
	assert.Equal(t, "2", res.Failures[0].Subject.ID)
	assert.Equal(t, "Hi 1", rec.sent[0].Text)

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()

	res, err = a.FireNow(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, 2, res.AlreadyNotified)
	assert.Equal(t, 3, rec.count())

	rec2, ok, err := a.Check(ctx, ledger.Key{SubjectID: "2", SubjectKind: "user", NotificationKind: "welcome"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "welcome", rec2.NotificationKind)

	_, err = a.FireNow(ctx, "paused")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestReconcileFollowsRegistrations(t *testing.T) {
	a := newTestApp(t, baseConfig, &recorder{})
	ctx := context.Background()

	require.NoError(t, a.reconcile(ctx))
	assert.Empty(t, a.sched.Names())

	_, err := a.Deploy(ctx)
	require.NoError(t, err)
	require.NoError(t, a.reconcile(ctx))
	assert.Equal(t, []string{"digest", "welcome"}, a.sched.Names())

	hourly := scheduler.Cadence{Every: time.Hour, Timezone: "UTC"}
	_, err = a.reg.Install(ctx, "welcome", hourly, "")
	require.NoError(t, err)
	require.NoError(t, a.reconcile(ctx))
	got, ok := a.sched.Cadence("welcome")
	require.True(t, ok)
	assert.Equal(t, hourly, got)

	_, err = a.store.DeleteByName(ctx, "digest")
	require.NoError(t, err)
	require.NoError(t, a.reconcile(ctx))
	assert.Equal(t, []string{"welcome"}, a.sched.Names())
}

func TestApplyConfigRebindsAndRedeploys(t *testing.T) {
	a := newTestApp(t, baseConfig, &recorder{})
	ctx := context.Background()
	_, err := a.Deploy(ctx)
	require.NoError(t, err)

	oldCfg := a.Config()
	newCfg, err := config.Decode("nudge.json", []byte(baseConfig))
	require.NoError(t, err)
	newCfg.Tasks = append(newCfg.Tasks, config.TaskConfig{
		Name:     "nightly",
		Schedule: "02:00",
		Subjects: config.SubjectsConfig{Kind: "user", Static: []config.StaticSubject{{ID: "9"}}},
	})
	newCfg.Tasks[0].Schedule = "12h"

	a.applyConfig(ctx, oldCfg, newCfg)

	assert.Equal(t, []string{"digest", "nightly", "welcome"}, a.TaskNames())
	reg, ok, err := a.reg.Registration(ctx, "nightly")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, reg.Cadence.Every)

	reg, ok, err = a.reg.Registration(ctx, "welcome")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12*time.Hour, reg.Cadence.Every)
	assert.ElementsMatch(t, []string{"digest", "nightly", "welcome"}, a.sched.Names())
}

func TestDaemonFiresScheduledTask(t *testing.T) {
	body := `{
  "logging": {"level": "error", "console": true},
  "scheduler": {"enabled": true},
  "storage": {"driver": "memory"},
  "tasks": [
    {"name": "tick", "schedule": "1s", "subjects": {"kind": "user", "static": [{"id": "1"}, {"id": "2"}]}}
  ]
}`
	rec := &recorder{}
	a := newTestApp(t, body, rec)

	_, err := a.Deploy(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
	// Later ticks found both subjects in the ledger.
	assert.Equal(t, 2, rec.count())
}

func TestNewRejectsUnknownNotifierSecret(t *testing.T) {
	body := `{
  "storage": {"driver": "memory"},
  "notifiers": {"default": {"driver": "telegram", "telegram": {"token": "env:NUDGE_TG_TOKEN"}}},
  "tasks": [{"name": "a", "schedule": "1h", "subjects": {"kind": "user"}}]
}`
	_, err := New(writeConfig(t, body), WithCredentials(testCreds(nil)))
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestMapTaskEngineConfig(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}
	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, defaultWorkers, ec.Workers)
	assert.Equal(t, defaultQueueSize, ec.QueueSize)
	assert.Equal(t, defaultHistorySize, ec.HistorySize)
	assert.Equal(t, defaultRetryMax, ec.RetryMax)

	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 8, DefaultTimeout: "30s"}
	ec, err = mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, ec.Workers)
	assert.Equal(t, 30*time.Second, ec.DefaultTimeout)

	off := false
	cfg.TaskEngine.Enabled = &off
	_, err = mapTaskEngineConfig(cfg)
	assert.Error(t, err)
}

func TestMapStorageAndNotifierSecrets(t *testing.T) {
	creds := testCreds(map[string]string{"REDIS_PW": "pw", "HOOK": "Bearer x"})

	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{
		Driver: "redis",
		Redis:  &config.RedisStorageConfig{Addr: "localhost:6379", Password: "env:REDIS_PW"},
	}}, creds)
	require.NoError(t, err)
	assert.Equal(t, "pw", sc.Redis.Password)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultBusyTimeout, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "file"}}, nil)
	assert.Error(t, err)

	nc, err := mapNotifierConfig("default", config.NotifierConfig{
		Driver:  "Webhook",
		Timeout: "2s",
		Webhook: &config.WebhookConfig{URL: "https://example.com", Headers: map[string]string{"Authorization": "env:HOOK"}},
	}, creds)
	require.NoError(t, err)
	assert.Equal(t, "webhook", nc.Driver)
	assert.Equal(t, 2*time.Second, nc.Timeout)
	assert.Equal(t, "Bearer x", nc.Webhook.Headers["Authorization"])

	// Without a resolver references are kept for validation.
	nc, err = mapNotifierConfig("default", config.NotifierConfig{
		Driver:   "telegram",
		Telegram: &config.TelegramConfig{Token: "keyring:tg"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "keyring:tg", nc.Telegram.Token)
	assert.Equal(t, "telegram", nc.Driver)
}
