// Package webhook delivers job completion notifications. Delivery is
// fire-and-forget: one POST with a 10 second timeout and exactly one retry
// after 1 second; a second failure is logged and dropped.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/distil/internal/models"
)

// Config holds notifier configuration.
type Config struct {
	Timeout    time.Duration
	RetryDelay time.Duration
	UserAgent  string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		RetryDelay: 1 * time.Second,
		UserAgent:  "Distil/1.0",
	}
}

// Notifier posts webhook payloads.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "webhook"),
	}
}

// Notify delivers the payload asynchronously. The job lifecycle never
// waits on webhook delivery.
func (n *Notifier) Notify(url string, payload models.WebhookPayload) {
	if url == "" {
		return
	}
	go n.deliver(url, payload)
}

func (n *Notifier) deliver(url string, payload models.WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload marshal failed", "job_id", payload.JobID, "error", err)
		return
	}

	if err := n.post(url, body); err == nil {
		return
	} else {
		n.logger.Warn("webhook delivery failed, retrying once",
			"job_id", payload.JobID, "url", url, "error", err)
	}

	time.Sleep(n.cfg.RetryDelay)
	if err := n.post(url, body); err != nil {
		n.logger.Error("webhook delivery failed after retry, giving up",
			"job_id", payload.JobID, "url", url, "error", err)
	}
}

func (n *Notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.cfg.UserAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return http.StatusText(e.status) + " from webhook endpoint"
}
