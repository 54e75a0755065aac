// Package distiller orchestrates the distillation pipeline: policy
// preprocessing, domain adapters, the extractor ensemble, the completeness
// guard, typed node conversion and confidence scoring. Every failure mode
// inside the pipeline is recovered locally; only programming errors
// propagate.
package distiller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RadhiFadlillah/whatlanggo"

	"github.com/jmylchreest/distil/internal/confidence"
	"github.com/jmylchreest/distil/internal/contenthash"
	"github.com/jmylchreest/distil/internal/ensemble"
	"github.com/jmylchreest/distil/internal/extractor"
	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/policy"
)

// GuardConfig holds the completeness-guard thresholds.
type GuardConfig struct {
	MinParagraphs    int
	MinContentLength int
	MinWords         int
}

// DefaultGuardConfig returns the documented thresholds.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MinParagraphs:    3,
		MinContentLength: 300,
		MinWords:         80,
	}
}

// adapterConfidenceFloor is the self-confidence an adapter result needs to
// bypass the generic ensemble.
const adapterConfidenceFloor = 0.75

// maxAugmentParagraphs caps how many fallback paragraphs the guard may
// splice into a thin extraction.
const maxAugmentParagraphs = 5

// Result pairs the distilled document with the policy outcome for the page.
type Result struct {
	Document models.DistilledDocument
	Policy   policy.Result
}

// Distiller runs the extraction pipeline.
type Distiller struct {
	policies *policy.Engine
	adapters *extractor.AdapterRegistry
	registry *extractor.Registry
	guard    GuardConfig
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a distiller. adapters may be nil when no domain adapters are
// installed.
func New(policies *policy.Engine, adapters *extractor.AdapterRegistry, registry *extractor.Registry, guard GuardConfig, logger *slog.Logger) *Distiller {
	if guard.MinParagraphs <= 0 {
		guard = DefaultGuardConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{
		policies: policies,
		adapters: adapters,
		registry: registry,
		guard:    guard,
		logger:   logger.With("component", "distiller"),
		clock:    time.Now,
	}
}

// Distill turns raw HTML into a distilled document.
func (d *Distiller) Distill(ctx context.Context, markup, pageURL, policyHint string) Result {
	fingerprint := contenthash.Fingerprint(markup, contenthash.Meta{URL: pageURL})
	timestamp := d.clock()

	polResult := policy.Result{TransformedHTML: markup}
	if d.policies != nil {
		polResult = d.policies.Apply(markup, pageURL, policyHint)
		if polResult.TransformedHTML == "" {
			polResult.TransformedHTML = markup
		}
	}
	working := polResult.TransformedHTML

	// Domain adapters short-circuit the ensemble when they are confident.
	if d.adapters != nil {
		if a := d.adapters.Match(pageURL); a != nil {
			c, err := a.Extract(ctx, working, pageURL)
			if err != nil {
				d.logger.Warn("domain adapter failed, falling through to ensemble",
					"adapter", a.Name(), "url", pageURL, "error", err)
			} else if c != nil && c.Confidence >= adapterConfidenceFloor {
				c.Method = models.MethodDomainAdapter
				doc := d.buildDocument(*c, []models.Candidate{*c}, markup, pageURL, fingerprint, timestamp)
				return Result{Document: doc, Policy: polResult}
			}
		}
	}

	candidates := d.registry.RunAll(ctx, working, pageURL)

	if len(candidates) == 0 {
		d.logger.Warn("no extractor produced content, using fallback walk", "url", pageURL)
		fb := fallbackCandidate(markup)
		doc := d.buildDocument(fb, []models.Candidate{fb}, markup, pageURL, fingerprint, timestamp)
		doc.FallbackUsed = true
		return Result{Document: doc, Policy: polResult}
	}

	selection := ensemble.SelectBest(candidates)
	best := d.applyCompletenessGuard(selection.Selected, candidates, markup, pageURL)

	doc := d.buildDocument(best, candidates, markup, pageURL, fingerprint, timestamp)
	return Result{Document: doc, Policy: polResult}
}

// applyCompletenessGuard rejects thin extractions: below threshold it first
// looks for a fuller candidate, then augments with fallback paragraphs.
func (d *Distiller) applyCompletenessGuard(best models.Candidate, all []models.Candidate, markup, pageURL string) models.Candidate {
	if !d.isThin(best) {
		return best
	}

	for _, c := range all {
		if c.Method == best.Method {
			continue
		}
		if c.ParagraphCount >= d.guard.MinParagraphs || len(c.Content) >= d.guard.MinContentLength {
			d.logger.Debug("completeness guard swapped candidate",
				"url", pageURL, "from", best.Method, "to", c.Method)
			return c
		}
	}

	// Seed the unit list from the content blocks so augmentation does not
	// orphan the candidate's own text during node conversion.
	existing := make(map[string]struct{})
	for _, line := range strings.Split(best.Content, "\n\n") {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		existing[text] = struct{}{}
		if len(best.Paragraphs) < best.ParagraphCount {
			best.Paragraphs = append(best.Paragraphs, models.CandidateParagraph{Text: text, Tag: "p"})
		}
	}
	added := 0
	for _, p := range extractor.FallbackParagraphs(markup) {
		if added >= maxAugmentParagraphs {
			break
		}
		if _, dup := existing[p]; dup {
			continue
		}
		best.Content = strings.TrimSpace(best.Content + "\n\n" + p)
		best.Paragraphs = append(best.Paragraphs, models.CandidateParagraph{Text: p, Tag: "p"})
		best.ParagraphCount++
		added++
	}
	if added > 0 {
		d.logger.Debug("completeness guard augmented content",
			"url", pageURL, "method", best.Method, "added_paragraphs", added)
	}
	return best
}

func (d *Distiller) isThin(c models.Candidate) bool {
	return c.ParagraphCount < d.guard.MinParagraphs ||
		len(c.Content) < d.guard.MinContentLength ||
		len(strings.Fields(c.Content)) < d.guard.MinWords
}

// buildDocument converts the winning candidate into typed nodes and scores
// it against the full candidate set.
func (d *Distiller) buildDocument(best models.Candidate, all []models.Candidate, markup, pageURL, fingerprint string, timestamp time.Time) models.DistilledDocument {
	nodes := buildNodes(best, markup, pageURL, fingerprint, timestamp)
	breakdown := confidence.Score(best, all, pageURL)

	lang := best.Metadata.Lang
	if lang == "" {
		lang = detectLang(best.Content)
	}

	// Document-level confidence shares the breakdown's clamp so the two
	// never disagree about the allowed range.
	conf := best.Confidence
	if conf < 0.2 {
		conf = 0.2
	}
	if conf > 0.95 {
		conf = 0.95
	}

	return models.DistilledDocument{
		Title:                best.Title,
		Byline:               best.Metadata.Author,
		Excerpt:              best.Metadata.Excerpt,
		Lang:                 lang,
		SiteName:             best.Metadata.SiteName,
		ContentText:          best.Content,
		ContentHash:          fingerprint,
		Nodes:                nodes,
		ExtractionMethod:     best.Method,
		ExtractionConfidence: conf,
		ConfidenceBreakdown:  breakdown,
		FallbackUsed:         best.Method == models.MethodDOMHeuristic && len(nodes) < 3,
	}
}

// buildNodes emits one node per paragraph unit with ids "{method}-{index}".
// Source spans are located by substring search in the original HTML; text
// the search cannot find gets a span without byte offsets.
func buildNodes(c models.Candidate, markup, pageURL, fingerprint string, timestamp time.Time) []models.Node {
	units := c.Paragraphs
	if len(units) == 0 {
		for _, block := range strings.Split(c.Content, "\n\n") {
			text := strings.TrimSpace(block)
			if text == "" {
				continue
			}
			units = append(units, models.CandidateParagraph{Text: text, Tag: "p"})
		}
	}

	nodes := make([]models.Node, 0, len(units))
	for i, u := range units {
		nodeType := models.NodeParagraph
		if isHeadingTag(u.Tag) {
			nodeType = models.NodeHeading
		}
		span := models.SourceSpan{
			URL:         pageURL,
			Timestamp:   timestamp,
			ContentHash: fingerprint,
			Selector:    u.Selector,
		}
		if idx := strings.Index(markup, u.Text); idx >= 0 {
			span.ByteStart = idx
			span.ByteEnd = idx + len(u.Text)
		}
		nodes = append(nodes, models.Node{
			ID:          fmt.Sprintf("%s-%d", c.Method, i),
			Order:       i,
			Type:        nodeType,
			Text:        u.Text,
			SourceSpans: []models.SourceSpan{span},
		})
	}
	return nodes
}

// fallbackCandidate builds a last-resort candidate from a plain DOM walk.
func fallbackCandidate(markup string) models.Candidate {
	paras := extractor.FallbackParagraphs(markup)
	units := make([]models.CandidateParagraph, 0, len(paras))
	for _, p := range paras {
		units = append(units, models.CandidateParagraph{Text: p, Tag: "p"})
	}
	return models.Candidate{
		Method:         models.MethodFallback,
		Content:        strings.Join(paras, "\n\n"),
		ParagraphCount: len(paras),
		Confidence:     0.2,
		Paragraphs:     units,
	}
}

func isHeadingTag(tag string) bool {
	switch strings.ToLower(tag) {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

// detectLang returns the ISO 639-1 code when detection is reliable.
func detectLang(text string) string {
	if len(text) < 40 {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
