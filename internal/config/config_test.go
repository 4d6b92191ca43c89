package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/task/scheduler"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Europe/Berlin
  reconcile_every: 30s
storage:
  driver: sqlite
  path: ./data/nudge.sqlite
notifiers:
  default:
    driver: webhook
    timeout: 5s
    webhook:
      url: https://hooks.example.com/remind
      headers:
        Authorization: env:NUDGE_HOOK_TOKEN
tasks:
  - name: confirm-reminder
    schedule: 24h
    at: "04:30"
    notification_kind: confirmation_reminder
    text: "Hi ${name}"
    subjects:
      kind: user
      sql:
        dsn: ./app.db
        query: SELECT id, name FROM users WHERE confirmed = 0 AND created_at < :cutoff
        min_age: 48h
  - name: weekly-digest
    schedule: "0 9 * * MON"
    timezone: UTC
    subjects:
      kind: user
      static:
        - id: "1"
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("nudge.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "env:NUDGE_HOOK_TOKEN", cfg.Notifiers["default"].Webhook.Headers["Authorization"])

	c, err := TaskCadence(cfg.Tasks[0], cfg.Scheduler.Timezone)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Cadence{Every: 24 * time.Hour, At: "04:30", Timezone: "Europe/Berlin"}, c)

	c, err = TaskCadence(cfg.Tasks[1], cfg.Scheduler.Timezone)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Cadence{Cron: "0 9 * * MON", Timezone: "UTC"}, c)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("nudge.json", []byte(`{"storage":{"driver":"file","path":"x"},"bogus":1}`))
	assert.Error(t, err)

	_, err = Decode("nudge.yaml", []byte("tasks:\n  - name: a\n    cadence: 24h\n"))
	assert.Error(t, err)

	_, err = Decode("nudge.json", []byte(`{} {}`))
	assert.Error(t, err)
}

func TestDecodeYAMLShape(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "   \n", "empty document"},
		{"list root", "- name: a\n", "root must be a mapping"},
		{"two documents", "tasks: []\n---\ntasks: []\n", "single document"},
		{"syntax", "tasks: [\n", "yaml:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("nudge.yaml", []byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "nudge.yaml")
		})
	}

	cfg, err := Decode("nudge.yml", []byte("\xef\xbb\xbfstorage:\n  driver: memory\ntasks: []\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "memory"},
			Tasks: []TaskConfig{{
				Name:     "a",
				Schedule: "1h",
				Subjects: SubjectsConfig{Kind: "user", Static: []StaticSubject{{ID: "1"}}},
			}},
		}
	}
	require.NoError(t, Validate(base()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"duplicate task", func(c *Config) { c.Tasks = append(c.Tasks, c.Tasks[0]) }, "duplicate task name"},
		{"missing schedule", func(c *Config) { c.Tasks[0].Schedule = "" }, "schedule is required"},
		{"bad cron", func(c *Config) { c.Tasks[0].Schedule = "cron:61 * * * *" }, "invalid cron"},
		{"at with cron", func(c *Config) { c.Tasks[0].Schedule = "0 9 * * *"; c.Tasks[0].At = "04:00" }, "'at'"},
		{"bad timezone", func(c *Config) { c.Tasks[0].Timezone = "Mars/Olympus" }, "invalid timezone"},
		{"unknown notifier", func(c *Config) { c.Tasks[0].Notifier = "pager" }, "unknown \"pager\""},
		{"subject kind", func(c *Config) { c.Tasks[0].Subjects.Kind = "" }, "subjects.kind is required"},
		{"static and sql", func(c *Config) {
			c.Tasks[0].Subjects.SQL = &SQLSubjectConfig{DSN: "x", Query: "select 1"}
		}, "mutually exclusive"},
		{"webhook url", func(c *Config) {
			c.Notifiers = map[string]NotifierConfig{"default": {Driver: "webhook"}}
		}, "webhook.url is required"},
		{"storage path", func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite"} }, "storage.path is required"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "etcd" }, "unknown \"etcd\""},
		{"engine disabled", func(c *Config) {
			off := false
			c.Scheduler.Enabled = true
			c.TaskEngine = &TaskEngineConfig{Enabled: &off}
		}, "task_engine.enabled"},
		{"negative duration", func(c *Config) { c.Tasks[0].Timeout = "-1s" }, "must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDurationHelpers(t *testing.T) {
	tests := []struct {
		raw     string
		def     time.Duration
		field   time.Duration
		orDef   time.Duration
		zero    time.Duration
		wantErr bool
	}{
		{raw: "", def: time.Minute, field: 0, orDef: time.Minute, zero: time.Minute},
		{raw: "0s", def: time.Minute, field: 0, orDef: time.Minute, zero: 0},
		{raw: "90s", def: time.Minute, field: 90 * time.Second, orDef: 90 * time.Second, zero: 90 * time.Second},
		{raw: "soon", wantErr: true},
		{raw: "-5s", wantErr: true},
	}
	for _, tt := range tests {
		d, err := ParseDurationField("x", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || d != tt.field {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tt.raw, d, err, tt.field)
		}
		if d, _ := ParseDurationOrDefault("x", tt.raw, tt.def); d != tt.orDef {
			t.Fatalf("ParseDurationOrDefault(%q) = %v; want %v", tt.raw, d, tt.orDef)
		}
		if d, _ := ParseDurationAllowZero("x", tt.raw, tt.def); d != tt.zero {
			t.Fatalf("ParseDurationAllowZero(%q) = %v; want %v", tt.raw, d, tt.zero)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	sections, _, tasks := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, sections)
	assert.Empty(t, tasks)

	newCfg.Logging.Level = "info"
	newCfg.Tasks[1].Schedule = "0 10 * * MON"
	newCfg.Tasks = append(newCfg.Tasks, TaskConfig{Name: "new-one"})
	tel := newCfg.Notifiers["default"]
	tel.Timeout = "9s"
	newCfg.Notifiers["default"] = tel

	sections, attrs, tasks := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "notifiers", "tasks"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"new-one", "weekly-digest"}, tasks)
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nudge.json")
	write := func(level string) {
		body := `{"logging":{"level":"` + level + `"},"storage":{"driver":"memory"},"tasks":[]}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("info")

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid config is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"etcd"}}`), 0o600))
	time.Sleep(500 * time.Millisecond)
	write("debug")

	select {
	case got := <-sub:
		assert.Equal(t, "debug", got.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}
	assert.Equal(t, "memory", m.Get().Storage.Driver)
}
