// Package extractor holds the distillation ensemble's content extractors.
// Each extractor turns raw HTML into an independent candidate; the registry
// runs them concurrently, fences each behind a timeout, and collects
// whatever succeeded. A failing extractor never fails the run.
package extractor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/distil/internal/models"
)

// Extractor produces one candidate from HTML, or nil when it has nothing
// usable. Implementations must be side-effect-free and safe to run
// concurrently.
type Extractor interface {
	Method() models.ExtractionMethod
	Extract(ctx context.Context, markup, pageURL string) (*models.Candidate, error)
}

// Registry fans extraction out over the registered extractors.
type Registry struct {
	extractors []Extractor
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRegistry creates a registry. timeout fences each individual extractor.
func NewRegistry(timeout time.Duration, logger *slog.Logger, extractors ...Extractor) *Registry {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		extractors: extractors,
		timeout:    timeout,
		logger:     logger.With("component", "extractor"),
	}
}

// Register appends an extractor.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// Methods lists the registered extraction methods in registration order.
func (r *Registry) Methods() []models.ExtractionMethod {
	out := make([]models.ExtractionMethod, 0, len(r.extractors))
	for _, e := range r.extractors {
		out = append(out, e.Method())
	}
	return out
}

// RunAll runs every extractor concurrently and returns the successful
// candidates in registration order. Errors and timeouts are logged and
// dropped.
func (r *Registry) RunAll(ctx context.Context, markup, pageURL string) []models.Candidate {
	results := make([]*models.Candidate, len(r.extractors))
	var wg sync.WaitGroup
	for i, e := range r.extractors {
		wg.Add(1)
		go func(i int, e Extractor) {
			defer wg.Done()
			results[i] = r.runOne(ctx, e, markup, pageURL)
		}(i, e)
	}
	wg.Wait()

	out := make([]models.Candidate, 0, len(results))
	for _, c := range results {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// runOne executes a single extractor behind the registry timeout. Panics
// inside third-party parsers are contained here.
func (r *Registry) runOne(ctx context.Context, e Extractor, markup, pageURL string) *models.Candidate {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan struct{})
	var c *models.Candidate
	var err error
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Warn("extractor panicked", "method", e.Method(), "panic", rec)
				c = nil
			}
		}()
		c, err = e.Extract(ctx, markup, pageURL)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("extractor timed out", "method", e.Method(), "timeout", r.timeout)
		return nil
	}

	if err != nil {
		r.logger.Debug("extractor failed", "method", e.Method(), "url", pageURL, "error", err)
		return nil
	}
	if c == nil || strings.TrimSpace(c.Content) == "" {
		return nil
	}
	if c.ParagraphCount == 0 {
		c.ParagraphCount = countParagraphs(c.Content)
	}
	return c
}

// countParagraphs counts non-empty blocks separated by blank lines, falling
// back to non-empty lines for single-block text.
func countParagraphs(text string) int {
	blocks := strings.Split(text, "\n\n")
	n := 0
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			n++
		}
	}
	if n <= 1 {
		n = 0
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) != "" {
				n++
			}
		}
		if n == 0 && strings.TrimSpace(text) != "" {
			n = 1
		}
	}
	return n
}
