package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls triggers; TaskEngine controls execution.
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage StorageConfig `json:"storage"`

	// Notifiers are named so several tasks can share one transport.
	// A task without a notifier uses "default"; when that is not configured
	// notifications are only logged.
	Notifiers map[string]NotifierConfig `json:"notifiers,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 2
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nudge.sqlite" }
type StorageConfig struct {
	Driver      string              `json:"driver"`
	Path        string              `json:"path,omitempty"`
	BusyTimeout string              `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Redis       *RedisStorageConfig `json:"redis,omitempty"`
}

type RedisStorageConfig struct {
	Addr string `json:"addr"`
	// Password may be "env:NAME" or "keyring:KEY".
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	PoolSize  int    `json:"pool_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is used by tasks that do not name one. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// StartupSpread adds a random delay to the first run of unanchored intervals.
	StartupSpread bool `json:"startup_spread,omitempty"`

	// ReconcileEvery re-reads registrations from storage so that a redeploy
	// from another process is picked up. Default "1m"; "0s" disables.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
}

// NotifierConfig configures one delivery transport.
type NotifierConfig struct {
	Driver        string `json:"driver"` // log | webhook | telegram
	Timeout       string `json:"timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	URL string `json:"url"`
	// Header values may be "env:NAME" or "keyring:KEY".
	Headers map[string]string `json:"headers,omitempty"`
}

type TelegramConfig struct {
	// Token may be "env:NAME" or "keyring:KEY".
	Token     string `json:"token"`
	ChatAttr  string `json:"chat_attr,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
}

// TaskConfig declares one recurring notification task.
//
// Example:
//
//	{
//	  "name": "confirm-reminder",
//	  "schedule": "24h", "at": "04:30", "timezone": "Europe/Berlin",
//	  "notification_kind": "confirmation_reminder",
//	  "subjects": { "kind": "user", "sql": { "dsn": "app.db", "query": "..." } },
//	  "text": "Hi ${name}, please confirm your account."
//	}
type TaskConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Queue       string `json:"queue,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`

	// Schedule is a cron expression, a Go duration or HH:MM interval.
	Schedule string `json:"schedule"`
	At       string `json:"at,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Timeout bounds one whole firing.
	Timeout string `json:"timeout,omitempty"`

	// Kind defaults to the task name.
	Kind string `json:"notification_kind,omitempty"`
	Text string `json:"text,omitempty"`

	Notifier    string         `json:"notifier,omitempty"`
	Subjects    SubjectsConfig `json:"subjects"`
	Concurrency int            `json:"concurrency,omitempty"`
	RatePerSec  float64        `json:"rate_per_sec,omitempty"`
	Burst       int            `json:"burst,omitempty"`
}

// SubjectsConfig lists eligible subjects: either a static list or a SQL query.
type SubjectsConfig struct {
	Kind   string            `json:"kind"`
	Static []StaticSubject   `json:"static,omitempty"`
	SQL    *SQLSubjectConfig `json:"sql,omitempty"`
}

type StaticSubject struct {
	ID    string            `json:"id"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// SQLSubjectConfig runs Query against an application database. The query may
// reference :cutoff (now - min_age, UTC "2006-01-02 15:04:05") and :cutoff_unix.
type SQLSubjectConfig struct {
	Driver   string `json:"driver,omitempty"` // default sqlite
	DSN      string `json:"dsn"`
	Query    string `json:"query"`
	IDColumn string `json:"id_column,omitempty"`
	MinAge   string `json:"min_age,omitempty"`
}
