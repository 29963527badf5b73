package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ppiankov/adminguard/internal/metrics"
)

// Default webhook delivery settings.
const (
	DefaultWebhookTimeout  = 5 * time.Second
	DefaultWebhookAttempts = 3
)

// errPermanent marks a delivery that must not be retried.
var errPermanent = errors.New("permanent")

// Webhook delivers alert events over HTTP. Unlike domain operations, alert
// deliveries are retried on transport errors and 5xx responses.
type Webhook struct {
	Client   *http.Client
	Attempts int
	// Backoff returns the pause before retry n (n >= 1).
	Backoff func(n int) time.Duration
}

// NewWebhook returns a Webhook with linear one-second backoff.
func NewWebhook() *Webhook {
	return &Webhook{
		Client:   &http.Client{Timeout: DefaultWebhookTimeout},
		Attempts: DefaultWebhookAttempts,
		Backoff:  func(n int) time.Duration { return time.Duration(n) * time.Second },
	}
}

// Send posts event to cfg.URL in cfg.Format.
func (w *Webhook) Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	err := w.send(ctx, cfg, event)
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	metrics.AlertDeliveries.WithLabelValues("webhook", result).Inc()
	return err
}

func (w *Webhook) send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}

	attempts := max(w.Attempts, 1)
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 && w.Backoff != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.Backoff(n)):
			}
		}
		lastErr = w.post(ctx, cfg, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			return lastErr
		}
	}
	return fmt.Errorf("alert: webhook failed after %d attempts: %w", attempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, cfg AlertConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: create request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "adminguard-alert")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("alert: webhook rejected: HTTP %d: %w", resp.StatusCode, errPermanent)
	default:
		return fmt.Errorf("alert: webhook server error: HTTP %d", resp.StatusCode)
	}
}
