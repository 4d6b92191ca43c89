package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"nudge/internal/task/engine"
)

// Telegram sends the notification text to the chat id stored in a subject
// attribute.
type Telegram struct {
	bot       *tele.Bot
	chatAttr  string
	parseMode tele.ParseMode
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	settings := tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
	if u := strings.TrimSpace(cfg.APIURL); u != "" {
		settings.URL = u
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	attr := strings.TrimSpace(cfg.ChatAttr)
	if attr == "" {
		attr = "telegram_chat_id"
	}
	return &Telegram{bot: b, chatAttr: attr, parseMode: tele.ParseMode(cfg.ParseMode)}, nil
}

func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return failure(err)
	}
	chatID, err := chatIDFrom(n, t.chatAttr)
	if err != nil {
		return engine.NoRetry(failure(err))
	}

	// telebot has no context support; run the send so ctx can still bound it.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: chatID}, n.Text, &tele.SendOptions{
			ParseMode:             t.parseMode,
			DisableWebPagePreview: true,
		})
		done <- err
	}()

	select {
	case <-ctx.Done():
		return failure(ctx.Err())
	case err := <-done:
		return failure(err)
	}
}

func chatIDFrom(n Notification, attr string) (int64, error) {
	raw := strings.TrimSpace(n.Subject.Attr(attr))
	if raw == "" {
		return 0, fmt.Errorf("telegram: subject %s/%s has no %q attribute", n.Subject.Kind, n.Subject.ID, attr)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", raw, err)
	}
	return id, nil
}
