// Package robots fetches and caches robots.txt per host and answers
// allow/deny queries for a URL and user-agent. Missing or unreachable
// robots.txt means allow-all, matching crawler convention.
package robots

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/jmylchreest/distil/internal/kinds"
	"github.com/jmylchreest/distil/internal/ssrf"
)

// Config holds robots manager configuration.
type Config struct {
	TTL       time.Duration   // cache lifetime per host
	UserAgent string          // agent string used for group matching
	Timeout   time.Duration   // robots.txt fetch timeout
	Validator *ssrf.Validator // outbound URL guard; nil skips validation
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:       1 * time.Hour,
		UserAgent: "distil",
		Timeout:   10 * time.Second,
	}
}

type entry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Manager caches parsed robots.txt per scheme://host.
type Manager struct {
	cfg    Config
	client *http.Client
	mu     sync.Mutex
	cache  map[string]*entry
	logger *slog.Logger
}

// NewManager creates a robots manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  make(map[string]*entry),
		logger: logger.With("component", "robots"),
	}
}

// Allowed reports whether the configured user-agent may fetch the URL.
// Unreachable robots.txt allows everything.
func (m *Manager) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, kinds.Wrap(kinds.KindInvalidURL, 400, "cannot parse URL", err)
	}
	data, err := m.get(ctx, parsed.Scheme, parsed.Host)
	if err != nil || data == nil {
		return true, nil
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, m.cfg.UserAgent), nil
}

// CrawlDelay returns the crawl-delay (seconds) declared for the configured
// user-agent on the URL's host, or 0 when none is declared.
func (m *Manager) CrawlDelay(ctx context.Context, rawURL string) float64 {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	data, err := m.get(ctx, parsed.Scheme, parsed.Host)
	if err != nil || data == nil {
		return 0
	}
	group := data.FindGroup(m.cfg.UserAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay.Seconds()
}

// get returns cached robots data for the host, fetching on miss or expiry.
// A nil return with nil error means "no usable robots.txt" (allow-all).
func (m *Manager) get(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	key := scheme + "://" + strings.ToLower(host)

	m.mu.Lock()
	if e, ok := m.cache[key]; ok && time.Since(e.fetchedAt) < m.cfg.TTL {
		m.mu.Unlock()
		return e.data, nil
	}
	m.mu.Unlock()

	data := m.fetch(ctx, key+"/robots.txt")

	m.mu.Lock()
	m.cache[key] = &entry{data: data, fetchedAt: time.Now()}
	m.mu.Unlock()
	return data, nil
}

// fetch retrieves and parses robots.txt. Any failure yields nil (allow-all).
// The robots URL is an outbound fetch like any other and passes SSRF
// validation first; a refused host gets no request.
func (m *Manager) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	if m.cfg.Validator != nil {
		if err := m.cfg.Validator.Validate(ctx, robotsURL); err != nil {
			m.logger.Debug("robots fetch refused", "url", robotsURL, "error", err)
			return nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("robots fetch failed", "url", robotsURL, "error", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		m.logger.Debug("robots read failed", "url", robotsURL, "error", err)
		return nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		m.logger.Debug("robots parse failed", "url", robotsURL, "error", err)
		return nil
	}
	return data
}
