// Package fetch provides the outbound HTTP client used by the fetch
// pipeline and the crawler. Every request passes SSRF validation before a
// socket is opened; 5xx and transport errors are retried with exponential
// backoff and jitter, while SSRF refusals, timeouts and 4xx are surfaced
// immediately.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/jmylchreest/distil/internal/kinds"
	"github.com/jmylchreest/distil/internal/ssrf"
)

// Config holds client configuration.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	RetryAttempts  int           // total attempts, including the first
	RetryBaseDelay time.Duration // first backoff step
	MaxBodySize    int64         // response body cap in bytes
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "Distil/1.0",
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 500 * time.Millisecond,
		MaxBodySize:    10 << 20,
	}
}

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration // overrides Config.Timeout when positive

	// Conditional validators for cache revalidation.
	ETag         string
	LastModified string
}

// Response is the client's surface to callers.
type Response struct {
	Status         int
	StatusText     string
	Headers        http.Header
	Body           []byte
	FinalURL       string
	Protocol       string
	DurationMs     int64
	ETag           string
	LastModified   string
	WasNotModified bool
}

// Client performs validated, retrying HTTP requests.
type Client struct {
	cfg       Config
	validator *ssrf.Validator
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a client. The validator pre-hook is mandatory.
func NewClient(cfg Config, validator *ssrf.Validator, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:       cfg,
		validator: validator,
		logger:    logger.With("component", "fetch"),
	}
	c.http = &http.Client{
		// Redirect targets are outbound fetches too: every hop passes
		// validation before the transport follows it.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return c.validator.Validate(req.Context(), req.URL.String())
		},
	}
	return c
}

// Validate runs the SSRF pre-check without fetching. The pipeline uses it
// to refuse a URL before consuming a rate-limit token or touching the
// cache.
func (c *Client) Validate(ctx context.Context, rawURL string) error {
	return c.validator.Validate(ctx, rawURL)
}

// Get fetches a URL with the retry wrapper.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: url})
}

// Do performs the request with retries. Attempts stop on the first
// non-retryable classification. On HTTP_4XX / HTTP_5XX the Response is
// returned alongside the error so callers can still inspect status and body
// (challenge pages are frequently served with a 403).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.validator.Validate(ctx, req.URL); err != nil {
		return nil, err
	}

	var lastResp *Response
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(c.cfg.RetryBaseDelay, attempt)
			c.logger.Debug("retrying fetch", "url", req.URL, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, kinds.Wrap(kinds.KindCancelled, 499, "fetch cancelled", ctx.Err())
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastResp, lastErr = resp, err
		if !kinds.Retryable(err) {
			return resp, err
		}
	}
	return lastResp, lastErr
}

func (c *Client) doOnce(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, kinds.Wrap(kinds.KindInvalidURL, 400, "cannot build request", err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, kinds.Wrap(kinds.KindTimeout, 504, "fetch timed out after "+timeout.String(), err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, kinds.Wrap(kinds.KindCancelled, 499, "fetch cancelled", err)
		}
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, c.cfg.MaxBodySize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, kinds.Wrap(kinds.KindTimeout, 504, "body read timed out", err)
		}
		return nil, err
	}

	resp := &Response{
		Status:         httpResp.StatusCode,
		StatusText:     http.StatusText(httpResp.StatusCode),
		Headers:        httpResp.Header,
		Body:           respBody,
		FinalURL:       httpResp.Request.URL.String(),
		Protocol:       httpResp.Proto,
		DurationMs:     duration.Milliseconds(),
		ETag:           httpResp.Header.Get("ETag"),
		LastModified:   httpResp.Header.Get("Last-Modified"),
		WasNotModified: httpResp.StatusCode == http.StatusNotModified,
	}

	switch {
	case httpResp.StatusCode >= 500:
		return resp, kinds.New(kinds.KindHTTP5xx, httpResp.StatusCode, "upstream returned "+strconv.Itoa(httpResp.StatusCode))
	case httpResp.StatusCode >= 400:
		return resp, kinds.New(kinds.KindHTTP4xx, httpResp.StatusCode, "upstream returned "+strconv.Itoa(httpResp.StatusCode))
	}
	return resp, nil
}

// backoff returns the delay before the given attempt (1-based) with jitter
// in [0.5, 1.5) of the exponential step.
func backoff(base time.Duration, attempt int) time.Duration {
	step := base << (attempt - 1)
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(step) * jitter)
}
