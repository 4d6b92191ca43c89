package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nudge/internal/task/scheduler"
)

// DefaultNotifier is the notifier name used by tasks that do not pick one.
const DefaultNotifier = "default"

// Validate reports every problem found in cfg, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	dur("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(errors.New("task_engine.history_size must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			add(errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "memory", "redis":
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	for name, n := range cfg.Notifiers {
		path := "notifiers." + name
		switch strings.ToLower(strings.TrimSpace(n.Driver)) {
		case "", "log":
		case "webhook":
			if n.Webhook == nil || strings.TrimSpace(n.Webhook.URL) == "" {
				add(fmt.Errorf("%s.webhook.url is required", path))
			}
		case "telegram":
			if n.Telegram == nil || strings.TrimSpace(n.Telegram.Token) == "" {
				add(fmt.Errorf("%s.telegram.token is required", path))
			}
		default:
			add(fmt.Errorf("%s.driver: unknown %q", path, n.Driver))
		}
		if n.RetryMax < 0 {
			add(fmt.Errorf("%s.retry_max must be >= 0", path))
		}
		dur(path+".timeout", n.Timeout)
		dur(path+".retry_base", n.RetryBase)
		dur(path+".retry_max_delay", n.RetryMaxDelay)
	}

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else {
			path = fmt.Sprintf("tasks[%s]", name)
			if seen[name] {
				add(fmt.Errorf("%s: duplicate task name", path))
			}
			seen[name] = true
		}
		if _, err := TaskCadence(t, cfg.Scheduler.Timezone); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
		dur(path+".timeout", t.Timeout)
		if t.Concurrency < 0 {
			add(fmt.Errorf("%s.concurrency must be >= 0", path))
		}
		if t.RatePerSec < 0 || t.Burst < 0 {
			add(fmt.Errorf("%s: rate_per_sec and burst must be >= 0", path))
		}
		if ref := strings.TrimSpace(t.Notifier); ref != "" && ref != DefaultNotifier {
			if _, ok := cfg.Notifiers[ref]; !ok {
				add(fmt.Errorf("%s.notifier: unknown %q", path, ref))
			}
		}
		add(validateSubjects(path+".subjects", t.Subjects))
	}

	return errors.Join(errs...)
}

func validateSubjects(path string, s SubjectsConfig) error {
	var errs []error
	if strings.TrimSpace(s.Kind) == "" {
		errs = append(errs, fmt.Errorf("%s.kind is required", path))
	}
	switch {
	case s.SQL != nil && len(s.Static) > 0:
		errs = append(errs, fmt.Errorf("%s: static and sql are mutually exclusive", path))
	case s.SQL != nil:
		if strings.TrimSpace(s.SQL.DSN) == "" || strings.TrimSpace(s.SQL.Query) == "" {
			errs = append(errs, fmt.Errorf("%s.sql: dsn and query are required", path))
		}
		if _, err := ParseDurationField(path+".sql.min_age", s.SQL.MinAge); err != nil {
			errs = append(errs, err)
		}
	default:
		for i, sub := range s.Static {
			if strings.TrimSpace(sub.ID) == "" {
				errs = append(errs, fmt.Errorf("%s.static[%d].id is required", path, i))
			}
		}
	}
	return errors.Join(errs...)
}

// TaskCadence builds the cadence of t, falling back to defaultTZ.
func TaskCadence(t TaskConfig, defaultTZ string) (scheduler.Cadence, error) {
	if strings.TrimSpace(t.Schedule) == "" {
		return scheduler.Cadence{}, errors.New("schedule is required")
	}
	tz := strings.TrimSpace(t.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(defaultTZ)
	}
	return scheduler.FromSchedule(t.Schedule, t.At, tz)
}
