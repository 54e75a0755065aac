// Package crawler walks a site from a start URL within strict bounds:
// depth and page caps, same-host confinement, robots.txt, per-domain rate
// limits and content-fingerprint deduplication. Pages are processed by a
// fixed-size worker pool; the frontier is BFS or DFS by option.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/distil/internal/contenthash"
	"github.com/jmylchreest/distil/internal/distiller"
	"github.com/jmylchreest/distil/internal/fetch"
	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/ratelimit"
	"github.com/jmylchreest/distil/internal/robots"
	"github.com/jmylchreest/distil/internal/urlutil"
)

// Config bounds every crawl regardless of per-crawl options.
type Config struct {
	MaxDepthCeiling    int
	DefaultConcurrency int
	DefaultMaxPages    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepthCeiling:    10,
		DefaultConcurrency: 3,
		DefaultMaxPages:    50,
	}
}

// RenderedFetcher fetches a URL through a browser for renderJs crawls.
type RenderedFetcher interface {
	Render(ctx context.Context, url string) (*fetch.Response, string, error)
}

// Listener receives crawl progress events.
type Listener func(models.CrawlEvent)

// Crawler runs bounded site crawls.
type Crawler struct {
	cfg      Config
	client   *fetch.Client
	robots   *robots.Manager
	limiter  *ratelimit.Limiter
	distill  *distiller.Distiller
	rendered RenderedFetcher
	logger   *slog.Logger
}

// New creates a crawler. robots, limiter, distill and rendered may be nil;
// the corresponding behavior is skipped.
func New(cfg Config, client *fetch.Client, robotsMgr *robots.Manager, limiter *ratelimit.Limiter, d *distiller.Distiller, rendered RenderedFetcher, logger *slog.Logger) *Crawler {
	def := DefaultConfig()
	if cfg.MaxDepthCeiling <= 0 {
		cfg.MaxDepthCeiling = def.MaxDepthCeiling
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = def.DefaultConcurrency
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = def.DefaultMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		cfg:      cfg,
		client:   client,
		robots:   robotsMgr,
		limiter:  limiter,
		distill:  d,
		rendered: rendered,
		logger:   logger.With("component", "crawler"),
	}
}

type frontierItem struct {
	url   string
	depth int
}

// crawlRun is the mutable state of one crawl.
type crawlRun struct {
	c        *Crawler
	ctx      context.Context
	opts     models.CrawlOptions
	host     string
	filters  *linkFilters
	listener Listener

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []frontierItem
	visited  map[string]struct{}
	seen     map[string]struct{} // content fingerprints
	pages    []models.CrawlPage
	inflight int

	emitMu sync.Mutex
}

// Crawl walks the site from startURL. The returned result carries every
// processed page plus aggregate stats; the error is non-nil only for
// invalid input.
func (c *Crawler) Crawl(ctx context.Context, startURL string, opts models.CrawlOptions, listener Listener) (*models.CrawlResult, error) {
	normalized, err := urlutil.Normalize(startURL)
	if err != nil {
		return nil, err
	}
	host, err := urlutil.Host(normalized)
	if err != nil {
		return nil, err
	}

	if opts.MaxDepth <= 0 || opts.MaxDepth > c.cfg.MaxDepthCeiling {
		opts.MaxDepth = c.cfg.MaxDepthCeiling
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = c.cfg.DefaultMaxPages
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = c.cfg.DefaultConcurrency
	}
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyBFS
	}

	run := &crawlRun{
		c:        c,
		ctx:      ctx,
		opts:     opts,
		host:     host,
		filters:  newLinkFilters(opts),
		listener: listener,
		visited:  make(map[string]struct{}),
		seen:     make(map[string]struct{}),
	}
	run.cond = sync.NewCond(&run.mu)

	// The start URL always leads the frontier at depth 0.
	run.visited[normalized] = struct{}{}
	run.queue = append(run.queue, frontierItem{url: normalized, depth: 0})

	for _, seed := range discoverSitemap(ctx, c.client, normalized, opts.SitemapURL, c.logger) {
		run.enqueueLocked(seed, 1)
	}

	start := time.Now()
	run.loop()

	status := models.CrawlCompleted
	if ctx.Err() != nil {
		status = models.CrawlCancelled
	}

	result := &models.CrawlResult{
		StartURL: normalized,
		Options:  opts,
		Status:   status,
		Pages:    run.pages,
		Stats:    buildStats(run.pages, time.Since(start)),
	}
	run.emit(models.CrawlEvent{Kind: models.CrawlComplete})
	return result, nil
}

// loop pops frontier items by strategy and dispatches workers until the
// frontier drains, the page cap is hit, or the context fires.
func (r *crawlRun) loop() {
	// Wake the scheduler when the caller cancels mid-wait.
	stopWake := context.AfterFunc(r.ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stopWake()

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.ctx.Err() != nil || len(r.pages) >= r.opts.MaxPages {
			// Let in-flight workers finish so their pages are recorded.
			for r.inflight > 0 {
				r.cond.Wait()
			}
			return
		}
		if len(r.queue) == 0 {
			if r.inflight == 0 {
				return
			}
			r.cond.Wait()
			continue
		}
		if r.inflight >= r.opts.Concurrency {
			r.cond.Wait()
			continue
		}
		// In-flight fetches count against the page cap so concurrency
		// cannot overshoot it on the network.
		if len(r.pages)+r.inflight >= r.opts.MaxPages {
			r.cond.Wait()
			continue
		}

		var item frontierItem
		if r.opts.Strategy == models.StrategyDFS {
			item = r.queue[len(r.queue)-1]
			r.queue = r.queue[:len(r.queue)-1]
		} else {
			item = r.queue[0]
			r.queue = r.queue[1:]
		}

		r.inflight++
		go func(item frontierItem) {
			page, links := r.process(item)

			r.mu.Lock()
			defer r.mu.Unlock()
			r.inflight--
			if page != nil && len(r.pages) < r.opts.MaxPages {
				r.pages = append(r.pages, *page)
			}
			if item.depth < r.opts.MaxDepth {
				for _, link := range links {
					r.enqueueLocked(link, item.depth+1)
				}
			}
			r.cond.Broadcast()
		}(item)
	}
}

// enqueueLocked adds a URL to the frontier if it is new and passes the
// filters. Caller holds mu, or the run has not started workers yet.
func (r *crawlRun) enqueueLocked(rawURL string, depth int) {
	normalized, err := urlutil.Normalize(rawURL)
	if err != nil {
		return
	}
	if !r.filters.allow(normalized, r.host) {
		return
	}
	if _, dup := r.visited[normalized]; dup {
		return
	}
	r.visited[normalized] = struct{}{}
	r.queue = append(r.queue, frontierItem{url: normalized, depth: depth})
}

// process handles one frontier item and returns the page record plus the
// links to enqueue. A nil page means the item was dropped before fetching.
func (r *crawlRun) process(item frontierItem) (*models.CrawlPage, []string) {
	c := r.c

	if r.ctx.Err() != nil {
		return nil, nil
	}

	if r.opts.RespectRobots && c.robots != nil {
		allowed, err := c.robots.Allowed(r.ctx, item.url)
		if err == nil && !allowed {
			page := &models.CrawlPage{
				URL:    item.url,
				Depth:  item.depth,
				Status: models.PageRobotsBlocked,
				Error:  "blocked by robots.txt",
			}
			r.emit(models.CrawlEvent{Kind: models.CrawlPageError, Page: page})
			return page, nil
		}
		if delay := c.robots.CrawlDelay(r.ctx, item.url); delay > 0 && c.limiter != nil {
			if h, err := urlutil.Host(item.url); err == nil {
				c.limiter.SetDomainLimit(h, delay)
			}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.CheckLimit(r.ctx, item.url); err != nil {
			c.logger.Debug("rate limit wait aborted", "url", item.url, "error", err)
		}
	}

	resp, fetchErr := r.fetchPage(item.url)
	if resp == nil {
		page := &models.CrawlPage{
			URL:    item.url,
			Depth:  item.depth,
			Status: models.PageError,
			Error:  errString(fetchErr),
		}
		r.emit(models.CrawlEvent{Kind: models.CrawlPageError, Page: page})
		return page, nil
	}

	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = item.url
	}

	// Identical bodies reached through different URLs are recorded once.
	fingerprint := contenthash.Fingerprint(string(resp.Body), contenthash.Meta{})
	r.mu.Lock()
	_, dup := r.seen[fingerprint]
	if !dup {
		r.seen[fingerprint] = struct{}{}
	}
	r.mu.Unlock()
	if dup {
		page := &models.CrawlPage{
			URL:           item.url,
			Depth:         item.depth,
			Status:        models.PageSkipped,
			HTTPStatus:    resp.Status,
			FetchDuration: time.Duration(resp.DurationMs) * time.Millisecond,
		}
		r.emit(models.CrawlEvent{Kind: models.CrawlPageFetched, Page: page})
		return page, nil
	}

	page := &models.CrawlPage{
		URL:           item.url,
		Depth:         item.depth,
		HTTPStatus:    resp.Status,
		RawTokenCount: approxTokens(len(resp.Body)),
		FetchDuration: time.Duration(resp.DurationMs) * time.Millisecond,
	}
	if resp.Status >= 200 && resp.Status < 400 {
		page.Status = models.PageSuccess
	} else {
		page.Status = models.PageError
		page.Error = fmt.Sprintf("HTTP %d", resp.Status)
	}
	r.emit(models.CrawlEvent{Kind: models.CrawlPageFetched, Page: page})

	links := extractLinks(string(resp.Body), finalURL)
	page.Links = links

	if r.opts.ExtractContent && c.distill != nil && page.Status == models.PageSuccess {
		doc := c.distill.Distill(r.ctx, string(resp.Body), finalURL, "").Document
		page.Title = doc.Title
		page.Content = doc.ContentText
		page.TokenCount = approxTokens(len(doc.ContentText))
		r.emit(models.CrawlEvent{Kind: models.CrawlPageExtracted, Page: page})
	} else {
		page.Title = rawTitle(string(resp.Body))
	}

	return page, links
}

// fetchPage obtains the page body in http or rendered mode. Rendered mode
// degrades to http when no rendered fetcher is installed.
func (r *crawlRun) fetchPage(rawURL string) (*fetch.Response, error) {
	if r.opts.RenderJS && r.c.rendered != nil {
		resp, _, err := r.c.rendered.Render(r.ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		r.c.logger.Warn("rendered fetch failed, degrading to http", "url", rawURL, "error", err)
	}
	return r.c.client.Get(r.ctx, rawURL)
}

// emit delivers one event to the listener. Workers emit concurrently, so
// delivery is serialized; listeners may keep plain counters.
func (r *crawlRun) emit(ev models.CrawlEvent) {
	if r.listener == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.listener(ev)
}

// linkFilters is the compiled per-crawl URL filter set.
type linkFilters struct {
	pathPrefix string
	includes   []*regexp.Regexp
	excludes   []*regexp.Regexp
	// brokenPatterns records that a pattern failed to compile; filtered
	// URLs are silently rejected rather than erroring the crawl.
	brokenInclude bool
	brokenExclude bool
}

func newLinkFilters(opts models.CrawlOptions) *linkFilters {
	f := &linkFilters{pathPrefix: opts.PathPrefix}
	for _, p := range opts.IncludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			f.brokenInclude = true
			continue
		}
		f.includes = append(f.includes, re)
	}
	for _, p := range opts.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			f.brokenExclude = true
			continue
		}
		f.excludes = append(f.excludes, re)
	}
	return f
}

// allow applies same-host confinement plus the optional prefix and pattern
// filters.
func (f *linkFilters) allow(normalizedURL, host string) bool {
	h, err := urlutil.Host(normalizedURL)
	if err != nil || h != host {
		return false
	}
	if f.pathPrefix != "" {
		path := urlutil.Path(normalizedURL)
		if !strings.HasPrefix(path, f.pathPrefix) {
			return false
		}
	}
	if len(f.includes) > 0 || f.brokenInclude {
		matched := false
		for _, re := range f.includes {
			if re.MatchString(normalizedURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.brokenExclude {
		return false
	}
	for _, re := range f.excludes {
		if re.MatchString(normalizedURL) {
			return false
		}
	}
	return true
}

// hrefRe tolerates double-quoted, single-quoted and unquoted attribute
// values.
var hrefRe = regexp.MustCompile(`(?i)<a\s[^>]*?href\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))`)

// titleRe pulls the raw document title for pages that skip extraction.
var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// extractLinks pulls anchor targets out of the body and resolves them
// against the final URL. Non-navigational schemes and fragments are
// skipped; the result is normalized and deduplicated in document order.
func extractLinks(body, baseURL string) []string {
	var links []string
	seen := make(map[string]struct{})
	for _, m := range hrefRe.FindAllStringSubmatch(body, -1) {
		href := m[1]
		if href == "" {
			href = m[2]
		}
		if href == "" {
			href = m[3]
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") ||
			strings.HasPrefix(lower, "data:") {
			continue
		}
		resolved, err := urlutil.Resolve(baseURL, href)
		if err != nil {
			continue
		}
		normalized, err := urlutil.Normalize(resolved)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	}
	return links
}

func rawTitle(body string) string {
	if m := titleRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// approxTokens estimates token count as ceil(chars/4).
func approxTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func buildStats(pages []models.CrawlPage, elapsed time.Duration) models.CrawlStats {
	stats := models.CrawlStats{
		TotalPages:    len(pages),
		TotalDuration: elapsed,
	}
	domains := make(map[string]struct{})
	for _, p := range pages {
		switch p.Status {
		case models.PageSuccess:
			stats.SuccessPages++
		case models.PageSkipped:
			stats.SkippedPages++
		default:
			stats.ErrorPages++
		}
		stats.TotalTokens += p.TokenCount
		stats.TotalRawTokens += p.RawTokenCount
		if h, err := urlutil.Host(p.URL); err == nil {
			domains[h] = struct{}{}
		}
	}
	stats.UniqueDomains = len(domains)
	if stats.TotalRawTokens > 0 {
		savings := float64(stats.TotalRawTokens-stats.TotalTokens) / float64(stats.TotalRawTokens) * 100
		stats.TokenSavingsPercent = int(savings + 0.5)
	}
	return stats
}

func errString(err error) string {
	if err == nil {
		return "fetch failed"
	}
	return err.Error()
}
