package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nudge/internal/task/engine"
)

// Webhook POSTs each notification as JSON.
//
// 2xx is success. 429 and 5xx are retryable (429 honours Retry-After);
// other statuses are permanent and marked engine.NoRetry.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(cfg WebhookConfig, client *http.Client) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: cfg.URL, headers: cfg.Headers, client: client}, nil
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return engine.NoRetry(failure(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return engine.NoRetry(failure(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.Kind+":"+n.Subject.Kind+":"+n.Subject.ID)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return failure(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.RetryAfter(failure(fmt.Errorf("webhook: status %d", resp.StatusCode)), retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return failure(fmt.Errorf("webhook: status %d", resp.StatusCode))
	default:
		return engine.NoRetry(failure(fmt.Errorf("webhook: status %d", resp.StatusCode)))
	}
}

func retryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return 0
}
