package notifier

import (
	"fmt"
	"strings"

	"nudge/internal/task/engine"
	"nudge/pkg/logx"
)

// Build creates the configured notifier. Each attempt is bounded by
// cfg.Timeout and failed attempts are retried up to cfg.RetryMax times.
func Build(cfg Config, log logx.Logger) (Notifier, error) {
	var (
		n   Notifier
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		n = NewLog(log)
	case "webhook":
		n, err = NewWebhook(cfg.Webhook, nil)
	case "telegram":
		n, err = NewTelegram(cfg.Telegram)
	default:
		return nil, fmt.Errorf("notifier: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	n = WithTimeout(n, cfg.Timeout)
	return WithRetry(n, engine.TaskOptions{
		RetryMax:      cfg.RetryMax,
		RetryBase:     cfg.RetryBase,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}), nil
}
