// Package pipeline produces the single-URL distillation event stream:
// metadata, optional alert, then confidence, extraction, nodes, provenance
// and done. The stream channel is always closed, and events arrive in
// grammar order regardless of how the run ends.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/distil/internal/cache"
	"github.com/jmylchreest/distil/internal/contenthash"
	"github.com/jmylchreest/distil/internal/distiller"
	"github.com/jmylchreest/distil/internal/fetch"
	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/protection"
	"github.com/jmylchreest/distil/internal/ratelimit"
)

// RenderedFetcher fetches a URL through a browser. Implementations live
// outside the core; a nil fetcher degrades rendered requests to plain HTTP
// with diagnostics noting the degradation.
type RenderedFetcher interface {
	Render(ctx context.Context, url string) (*fetch.Response, string, error)
}

// Options configures one pipeline run.
type Options struct {
	Mode       models.FetchMode // http (default) or rendered
	PolicyHint string
	SkipCache  bool
}

// Config holds pipeline configuration.
type Config struct {
	MaxNodes int // node event cap per stream
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxNodes: 200}
}

// Pipeline wires fetch, cache, challenge detection and distillation into
// one event stream per URL.
type Pipeline struct {
	cfg      Config
	client   *fetch.Client
	limiter  *ratelimit.Limiter
	cache    *cache.ContentCache
	detector *protection.Detector
	distill  *distiller.Distiller
	rendered RenderedFetcher
	logger   *slog.Logger
}

// New creates a pipeline. limiter, cache and rendered may be nil.
func New(cfg Config, client *fetch.Client, limiter *ratelimit.Limiter, contentCache *cache.ContentCache, detector *protection.Detector, d *distiller.Distiller, rendered RenderedFetcher, logger *slog.Logger) *Pipeline {
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = DefaultConfig().MaxNodes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		client:   client,
		limiter:  limiter,
		cache:    contentCache,
		detector: detector,
		distill:  d,
		rendered: rendered,
		logger:   logger.With("component", "pipeline"),
	}
}

// Run streams distillation events for a URL. Failures before a response
// exists (invalid URL, SSRF refusal, transport failure with no body) are
// returned as an error with no stream. Once a response exists the stream
// always runs to done and the channel always closes.
func (p *Pipeline) Run(ctx context.Context, rawURL string, opts Options) (<-chan models.Event, error) {
	if opts.Mode == "" {
		opts.Mode = models.FetchModeHTTP
	}

	// Validation gates everything: a refused URL must not consume a
	// rate-limit token or be served from the cache.
	if err := p.client.Validate(ctx, rawURL); err != nil {
		return nil, err
	}

	if p.limiter != nil {
		if err := p.limiter.CheckLimit(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	fr, err := p.obtain(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Event, 16)
	go func() {
		defer close(out)
		p.stream(ctx, out, rawURL, opts, fr)
	}()
	return out, nil
}

// fetchResult is the pipeline's internal view of one obtained body.
type fetchResult struct {
	body              []byte
	status            int
	contentType       string
	finalURL          string
	durationMs        int64
	fromCache         bool
	rendered          bool
	renderDiagnostics string
}

// obtain resolves the body via cache, revalidation, rendered fetch or
// plain HTTP, in that order of preference.
func (p *Pipeline) obtain(ctx context.Context, rawURL string, opts Options) (*fetchResult, error) {
	if p.cache != nil && !opts.SkipCache {
		if entry, fresh, ok := p.cache.Get(ctx, opts.Mode, rawURL); ok {
			if fresh {
				return cachedResult(entry, opts.Mode), nil
			}
			if fr, ok := p.revalidate(ctx, rawURL, opts, entry); ok {
				return fr, nil
			}
		}
	}

	if opts.Mode == models.FetchModeRendered {
		return p.obtainRendered(ctx, rawURL, opts)
	}
	return p.obtainHTTP(ctx, rawURL, opts, "")
}

// revalidate issues a conditional request for a stale entry. A 304 renews
// the entry; any revalidation failure falls back to the stale body rather
// than failing the run.
func (p *Pipeline) revalidate(ctx context.Context, rawURL string, opts Options, entry *models.CacheEntry) (*fetchResult, bool) {
	if entry.ETag == "" && entry.LastModified == "" {
		return nil, false
	}
	resp, err := p.client.Do(ctx, fetch.Request{
		URL:          rawURL,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
	})
	if err != nil {
		p.logger.Debug("revalidation failed, serving stale entry", "url", rawURL, "error", err)
		return cachedResult(entry, opts.Mode), true
	}
	if resp.WasNotModified {
		p.cache.Refresh(ctx, opts.Mode, rawURL)
		return cachedResult(entry, opts.Mode), true
	}
	p.store(ctx, rawURL, opts.Mode, resp)
	return liveResult(resp, false, ""), true
}

func (p *Pipeline) obtainHTTP(ctx context.Context, rawURL string, opts Options, diagnostics string) (*fetchResult, error) {
	resp, err := p.client.Get(ctx, rawURL)
	if err != nil {
		if resp == nil {
			return nil, err
		}
		// 4xx/5xx bodies continue into the stream so challenge pages can
		// be inspected and reported.
		p.logger.Debug("fetch returned error status, continuing", "url", rawURL, "status", resp.Status)
	} else {
		p.store(ctx, rawURL, opts.Mode, resp)
	}
	return liveResult(resp, false, diagnostics), nil
}

func (p *Pipeline) obtainRendered(ctx context.Context, rawURL string, opts Options) (*fetchResult, error) {
	if p.rendered == nil {
		fr, err := p.obtainHTTP(ctx, rawURL, opts, "render unavailable, degraded to http")
		if err != nil {
			return nil, err
		}
		return fr, nil
	}
	resp, diagnostics, err := p.rendered.Render(ctx, rawURL)
	if err != nil {
		p.logger.Warn("rendered fetch failed, degrading to http", "url", rawURL, "error", err)
		return p.obtainHTTP(ctx, rawURL, opts, "render failed: "+err.Error())
	}
	p.store(ctx, rawURL, opts.Mode, resp)
	fr := liveResult(resp, true, diagnostics)
	return fr, nil
}

func (p *Pipeline) store(ctx context.Context, rawURL string, mode models.FetchMode, resp *fetch.Response) {
	if p.cache == nil || resp.Status < 200 || resp.Status >= 400 {
		return
	}
	headers := make(map[string]string, len(resp.Headers))
	for k := range resp.Headers {
		headers[k] = resp.Headers.Get(k)
	}
	p.cache.Set(ctx, mode, rawURL, models.CacheEntry{
		Body:         resp.Body,
		Status:       resp.Status,
		Headers:      headers,
		FinalURL:     resp.FinalURL,
		Protocol:     resp.Protocol,
		FetchedAt:    time.Now(),
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
	})
}

// stream emits the event sequence for an obtained body.
func (p *Pipeline) stream(ctx context.Context, out chan<- models.Event, rawURL string, opts Options, fr *fetchResult) {
	finalURL := fr.finalURL
	if finalURL == "" {
		finalURL = rawURL
	}

	out <- models.Event{Kind: models.EventMetadata, Metadata: &models.MetadataEvent{
		URL:               rawURL,
		FinalURL:          finalURL,
		Status:            fr.status,
		ContentType:       fr.contentType,
		FetchTimestamp:    time.Now(),
		DurationMs:        fr.durationMs,
		FromCache:         fr.fromCache,
		Rendered:          fr.rendered,
		RenderDiagnostics: fr.renderDiagnostics,
	}}

	if len(fr.body) == 0 {
		out <- models.Event{Kind: models.EventAlert, Alert: &models.AlertEvent{Kind: models.AlertEmptyBody}}
		out <- models.Event{Kind: models.EventDone, Done: &models.DoneEvent{Reason: "empty_body", Nodes: 0}}
		return
	}

	if p.detector != nil {
		if c := p.detector.DetectBody(fr.body); c != nil {
			out <- models.Event{Kind: models.EventAlert, Alert: &models.AlertEvent{
				Kind:    models.AlertChallenge,
				Reason:  c.Reason,
				Pattern: c.Pattern,
			}}
		}
	}

	result := p.distill.Distill(ctx, string(fr.body), finalURL, opts.PolicyHint)
	doc := result.Document

	overall, heuristics := boostedConfidence(doc)
	out <- models.Event{Kind: models.EventConfidence, Confidence: &models.ConfidenceEvent{
		OverallConfidence: overall,
		Heuristics:        heuristics,
	}}

	out <- models.Event{Kind: models.EventExtraction, Extraction: &models.ExtractionEvent{
		Method:       doc.ExtractionMethod,
		Confidence:   doc.ExtractionConfidence,
		FallbackUsed: doc.FallbackUsed,
		Title:        doc.Title,
		Byline:       doc.Byline,
		SiteName:     doc.SiteName,
		Lang:         doc.Lang,
	}}

	emitted := 0
	truncated := false
	for _, node := range doc.Nodes {
		if emitted >= p.cfg.MaxNodes {
			truncated = true
			break
		}
		out <- models.Event{Kind: models.EventNode, Node: &models.NodeEvent{
			ID:         node.ID,
			Hash:       nodeHash(finalURL, node.Order, node.Text),
			Order:      node.Order,
			Kind:       node.Type,
			Text:       node.Text,
			Confidence: nodeConfidence(overall, node),
		}}
		emitted++
	}

	out <- models.Event{Kind: models.EventProvenance, Provenance: &models.ProvenanceEvent{
		Extractor: doc.ExtractionMethod,
		Checksum:  contenthash.Sum256(fr.body),
		NodeCount: emitted,
	}}

	out <- models.Event{Kind: models.EventDone, Done: &models.DoneEvent{
		Nodes:     emitted,
		Truncated: truncated,
		Title:     doc.Title,
		Byline:    doc.Byline,
		SiteName:  doc.SiteName,
		Excerpt:   doc.Excerpt,
	}}
}

// boostedConfidence applies the pipeline-local adjustments on top of the
// scorer's overall value: +0.1 long content, -0.08 short content, +0.05
// byline present, +0.05 more than five nodes, clamped to [0.2, 0.95].
func boostedConfidence(doc models.DistilledDocument) (float64, models.ConfidenceHeuristics) {
	h := models.ConfidenceHeuristics{
		FallbackUsed:  doc.FallbackUsed,
		NodeCount:     len(doc.Nodes),
		ContentLength: len(doc.ContentText),
		HasByline:     doc.Byline != "",
	}

	overall := doc.ConfidenceBreakdown.Overall
	if h.ContentLength > 2000 {
		overall += 0.1
	} else if h.ContentLength < 300 {
		overall -= 0.08
	}
	if h.HasByline {
		overall += 0.05
	}
	if h.NodeCount > 5 {
		overall += 0.05
	}

	if overall < 0.2 {
		overall = 0.2
	}
	if overall > 0.95 {
		overall = 0.95
	}
	return overall, h
}

// nodeConfidence derives a per-node confidence from the overall score:
// +0.02 headings, +0.04 long paragraphs, -0.08 very short text, clamped to
// [0.1, 0.98].
func nodeConfidence(overall float64, node models.Node) float64 {
	c := overall
	switch {
	case node.Type == models.NodeHeading:
		c += 0.02
	case len(node.Text) > 200:
		c += 0.04
	}
	if len(node.Text) < 40 {
		c -= 0.08
	}
	if c < 0.1 {
		c = 0.1
	}
	if c > 0.98 {
		c = 0.98
	}
	return c
}

// nodeHash is stable for a given final URL, order and text prefix.
func nodeHash(finalURL string, order int, text string) string {
	prefix := text
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	return contenthash.Sum256([]byte(fmt.Sprintf("%s:%d:%s", finalURL, order, prefix)))
}

func cachedResult(entry *models.CacheEntry, _ models.FetchMode) *fetchResult {
	return &fetchResult{
		body:        entry.Body,
		status:      entry.Status,
		contentType: entry.Headers["Content-Type"],
		finalURL:    entry.FinalURL,
		fromCache:   true,
	}
}

func liveResult(resp *fetch.Response, rendered bool, diagnostics string) *fetchResult {
	return &fetchResult{
		body:              resp.Body,
		status:            resp.Status,
		contentType:       resp.Headers.Get("Content-Type"),
		finalURL:          resp.FinalURL,
		durationMs:        resp.DurationMs,
		rendered:          rendered,
		renderDiagnostics: diagnostics,
	}
}
