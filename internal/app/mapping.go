package app

import (
	"fmt"
	"strings"
	"time"

	"nudge/internal/config"
	"nudge/internal/credential"
	"nudge/internal/notifier"
	"nudge/internal/storage"
	"nudge/internal/task/engine"
	"nudge/internal/task/scheduler"
	logx "nudge/pkg/logx"
)

const (
	defaultWorkers        = 2
	defaultQueueSize      = 64
	defaultHistorySize    = 200
	defaultRetryMax       = 2
	defaultBusyTimeout    = 5 * time.Second
	defaultReconcileEvery = time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		StartupSpread: cfg.Scheduler.StartupSpread,
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := defaultWorkers
	queueSize := defaultQueueSize
	historySize := defaultHistorySize
	retryMax := defaultRetryMax
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers > 0 {
			workers = te.Workers
		}
		if te.QueueSize > 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax > 0 {
			retryMax = te.RetryMax
		}
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// A scheduler that triggers into a disabled engine would drop every run.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

// mapStorageConfig converts the storage section. creds may be nil, in which
// case secret references are kept as written (used for validation only).
func mapStorageConfig(cfg *config.Config, creds *credential.Resolver) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		out := storage.Config{Driver: "redis"}
		if r := sc.Redis; r != nil {
			out.Redis = storage.RedisConfig{
				Addr:      strings.TrimSpace(r.Addr),
				Password:  r.Password,
				DB:        r.DB,
				Namespace: strings.TrimSpace(r.Namespace),
				PoolSize:  r.PoolSize,
			}
		}
		if creds != nil && out.Redis.Password != "" {
			pw, err := creds.Resolve(out.Redis.Password)
			if err != nil {
				return storage.Config{}, fmt.Errorf("storage.redis.password: %w", err)
			}
			out.Redis.Password = pw
		}
		return out, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig converts one named notifier. creds may be nil, see
// mapStorageConfig.
func mapNotifierConfig(name string, nc config.NotifierConfig, creds *credential.Resolver) (notifier.Config, error) {
	path := "notifiers." + name
	resolve := func(field, v string) (string, error) {
		if creds == nil || v == "" {
			return v, nil
		}
		out, err := creds.Resolve(v)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", path, field, err)
		}
		return out, nil
	}

	timeout, err := config.ParseDurationField(path+".timeout", nc.Timeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retryBase, err := config.ParseDurationField(path+".retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField(path+".retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("%s.retry_max must be >= 0", path)
	}

	out := notifier.Config{
		Driver:        strings.ToLower(strings.TrimSpace(nc.Driver)),
		Timeout:       timeout,
		RetryMax:      nc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}
	if w := nc.Webhook; w != nil {
		out.Webhook.URL = strings.TrimSpace(w.URL)
		if len(w.Headers) > 0 {
			out.Webhook.Headers = make(map[string]string, len(w.Headers))
			for k, v := range w.Headers {
				rv, err := resolve("webhook.headers."+k, v)
				if err != nil {
					return notifier.Config{}, err
				}
				out.Webhook.Headers[k] = rv
			}
		}
	}
	if t := nc.Telegram; t != nil {
		tok, err := resolve("telegram.token", t.Token)
		if err != nil {
			return notifier.Config{}, err
		}
		out.Telegram = notifier.TelegramConfig{
			Token:     tok,
			ChatAttr:  strings.TrimSpace(t.ChatAttr),
			ParseMode: strings.TrimSpace(t.ParseMode),
			APIURL:    strings.TrimSpace(t.APIURL),
		}
	}
	return out, nil
}
