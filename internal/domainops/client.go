// Package domainops calls the product's admin backend to perform the
// mutations that governance protects. Calls are never retried: a destructive
// operation must not run twice because a response was lost.
package domainops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// ErrNotFound means the target no longer exists.
var ErrNotFound = errors.New("target not found")

// ErrNotConfigured is returned when no backend URL is set.
var ErrNotConfigured = errors.New("domainops: backend url not configured")

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("admin backend returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("admin backend returned HTTP %d: %s", e.Code, e.Body)
}

// Config locates the admin backend.
type Config struct {
	BaseURL string            `yaml:"base_url"`
	Token   string            `yaml:"token"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// Client performs domain operations over HTTP.
type Client struct {
	base    string
	token   string
	headers map[string]string
	http    *http.Client
	log     *zap.Logger
}

// New creates a Client. A nil log disables logging.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("domainops: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		headers: cfg.Headers,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

// DeleteUser permanently deletes a user.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	return c.post(ctx, "/admin/users/"+url.PathEscape(userID)+"/delete", nil)
}

// AnonymizeUser strips a user's personal data.
func (c *Client) AnonymizeUser(ctx context.Context, userID string) error {
	return c.post(ctx, "/admin/users/"+url.PathEscape(userID)+"/anonymize", nil)
}

// BulkReject rejects a batch of applications.
func (c *Client) BulkReject(ctx context.Context, ids []string) error {
	return c.post(ctx, "/admin/applications/bulk-reject", map[string]any{"ids": ids})
}

// BulkSuspend suspends a batch of applications.
func (c *Client) BulkSuspend(ctx context.Context, ids []string) error {
	return c.post(ctx, "/admin/applications/bulk-suspend", map[string]any{"ids": ids})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("domainops: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("domainops: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("admin backend call failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("domainops: %s: %w", path, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	c.log.Info("admin backend call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("domainops: %s: %w", path, ErrNotFound)
	default:
		return fmt.Errorf("domainops: %s: %w", path,
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}
}

// Unconfigured refuses every operation with ErrNotConfigured. It stands in
// when no backend is set so requests can still be recorded and approved.
type Unconfigured struct{}

func (Unconfigured) DeleteUser(context.Context, string) error    { return ErrNotConfigured }
func (Unconfigured) AnonymizeUser(context.Context, string) error { return ErrNotConfigured }
func (Unconfigured) BulkReject(context.Context, []string) error  { return ErrNotConfigured }
func (Unconfigured) BulkSuspend(context.Context, []string) error { return ErrNotConfigured }
