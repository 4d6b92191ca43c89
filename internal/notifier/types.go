package notifier

import (
	"context"
	"errors"
	"time"

	"nudge/internal/subject"
)

// ErrNotifyFailure wraps every failed delivery attempt.
var ErrNotifyFailure = errors.New("notify failed")

// Notification is a single message for one subject.
type Notification struct {
	Task    string          `json:"task"`
	Kind    string          `json:"kind"`
	Subject subject.Subject `json:"subject"`
	Text    string          `json:"text"`
}

// Notifier delivers a notification. A nil error means the subject was reached
// and the delivery may be recorded.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Config selects and tunes a notifier.
type Config struct {
	Driver  string // "log" | "webhook" | "telegram"
	Timeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Webhook  WebhookConfig
	Telegram TelegramConfig
}

type WebhookConfig struct {
	URL     string
	Headers map[string]string
}

type TelegramConfig struct {
	Token string
	// ChatAttr names the subject attribute holding the chat id.
	ChatAttr  string
	ParseMode string
	APIURL    string
}

func failure(err error) error {
	if err == nil || errors.Is(err, ErrNotifyFailure) {
		return err
	}
	return errors.Join(ErrNotifyFailure, err)
}
