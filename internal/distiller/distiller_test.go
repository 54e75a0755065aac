package distiller

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/distil/internal/contenthash"
	"github.com/jmylchreest/distil/internal/extractor"
	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/policy"
)

// fixedExtractor always returns the same candidate.
type fixedExtractor struct {
	method    models.ExtractionMethod
	candidate *models.Candidate
}

func (f *fixedExtractor) Method() models.ExtractionMethod { return f.method }

func (f *fixedExtractor) Extract(context.Context, string, string) (*models.Candidate, error) {
	if f.candidate == nil {
		return nil, nil
	}
	c := *f.candidate
	return &c, nil
}

func fullCandidate(method models.ExtractionMethod) *models.Candidate {
	var parts []string
	for i := 0; i < 6; i++ {
		parts = append(parts, fmt.Sprintf("Paragraph number %d with plenty of running text to clear every completeness threshold easily.", i))
	}
	return &models.Candidate{
		Method:         method,
		Title:          "A Full Article",
		Content:        strings.Join(parts, "\n\n"),
		ParagraphCount: 6,
		Confidence:     0.8,
		Metadata:       models.CandidateMetadata{Author: "Writer"},
	}
}

func thinCandidate(method models.ExtractionMethod) *models.Candidate {
	return &models.Candidate{
		Method:         method,
		Title:          "Thin",
		Content:        "Just one short block.",
		ParagraphCount: 1,
		Confidence:     0.9,
	}
}

func newDistiller(guard GuardConfig, extractors ...extractor.Extractor) *Distiller {
	reg := extractor.NewRegistry(time.Second, nil, extractors...)
	return New(nil, nil, reg, guard, nil)
}

func TestExtractionConfidenceClamped(t *testing.T) {
	over := fullCandidate(models.MethodReadability)
	over.Confidence = 0.99
	d := newDistiller(DefaultGuardConfig(), &fixedExtractor{method: models.MethodReadability, candidate: over})

	doc := d.Distill(context.Background(), testPage, "https://example.com/a", "").Document
	if doc.ExtractionConfidence != 0.95 {
		t.Errorf("ExtractionConfidence = %v, want clamped to 0.95", doc.ExtractionConfidence)
	}

	under := fullCandidate(models.MethodReadability)
	under.Confidence = 0.05
	d = newDistiller(DefaultGuardConfig(), &fixedExtractor{method: models.MethodReadability, candidate: under})

	doc = d.Distill(context.Background(), testPage, "https://example.com/a", "").Document
	if doc.ExtractionConfidence != 0.2 {
		t.Errorf("ExtractionConfidence = %v, want clamped to 0.2", doc.ExtractionConfidence)
	}
}

const testPage = `<html><body>
<article>
<p>A real on-page paragraph that is long enough for the fallback walker to keep.</p>
<p>Another real on-page paragraph that is long enough for the fallback walker to keep too.</p>
</article>
</body></html>`

func TestDistillHappyPath(t *testing.T) {
	d := newDistiller(DefaultGuardConfig(),
		&fixedExtractor{method: models.MethodReadability, candidate: fullCandidate(models.MethodReadability)})

	res := d.Distill(context.Background(), testPage, "https://example.com/a", "")
	doc := res.Document

	if doc.Title != "A Full Article" {
		t.Errorf("Title = %q", doc.Title)
	}
	if doc.ExtractionMethod != models.MethodReadability {
		t.Errorf("ExtractionMethod = %s", doc.ExtractionMethod)
	}
	if !contenthash.Valid(doc.ContentHash) {
		t.Errorf("ContentHash = %q, want sha256:<64 hex>", doc.ContentHash)
	}
	if len(doc.Nodes) != 6 {
		t.Fatalf("got %d nodes, want 6", len(doc.Nodes))
	}
	for i, n := range doc.Nodes {
		wantID := fmt.Sprintf("readability-%d", i)
		if n.ID != wantID {
			t.Errorf("node %d ID = %q, want %q", i, n.ID, wantID)
		}
		if n.Order != i {
			t.Errorf("node %d Order = %d", i, n.Order)
		}
		if n.Type != models.NodeParagraph {
			t.Errorf("node %d Type = %s", i, n.Type)
		}
		if len(n.SourceSpans) != 1 || n.SourceSpans[0].ContentHash != doc.ContentHash {
			t.Errorf("node %d missing provenance span", i)
		}
	}
	if doc.FallbackUsed {
		t.Error("FallbackUsed = true for a rich extraction")
	}
	if doc.ConfidenceBreakdown.Overall <= 0 || doc.ConfidenceBreakdown.Overall >= 1 {
		t.Errorf("Overall = %v", doc.ConfidenceBreakdown.Overall)
	}
}

func TestGuardSwapsToFullerCandidate(t *testing.T) {
	d := newDistiller(DefaultGuardConfig(),
		// The thin candidate wins on self-confidence, then the guard swaps.
		&fixedExtractor{method: models.MethodLLM, candidate: thinCandidate(models.MethodLLM)},
		&fixedExtractor{method: models.MethodReadability, candidate: fullCandidate(models.MethodReadability)},
	)

	res := d.Distill(context.Background(), testPage, "https://example.com/a", "")
	if res.Document.ExtractionMethod == models.MethodLLM && len(res.Document.Nodes) < 3 {
		t.Errorf("thin candidate kept: method=%s nodes=%d",
			res.Document.ExtractionMethod, len(res.Document.Nodes))
	}
}

func TestGuardAugmentsWhenNoFullerCandidate(t *testing.T) {
	d := newDistiller(DefaultGuardConfig(),
		&fixedExtractor{method: models.MethodLLM, candidate: thinCandidate(models.MethodLLM)})

	res := d.Distill(context.Background(), testPage, "https://example.com/a", "")
	doc := res.Document

	if doc.ExtractionMethod != models.MethodLLM {
		t.Fatalf("method = %s", doc.ExtractionMethod)
	}
	// Original block plus the two fallback paragraphs from the page.
	if len(doc.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3 after augmentation", len(doc.Nodes))
	}
	if !strings.Contains(doc.ContentText, "fallback walker") {
		t.Error("augmented paragraphs missing from content")
	}
}

func TestGuardAugmentationCap(t *testing.T) {
	var blocks []string
	for i := 0; i < 12; i++ {
		blocks = append(blocks, fmt.Sprintf("<p>Fallback paragraph %02d padded out well past the forty character minimum.</p>", i))
	}
	page := "<html><body>" + strings.Join(blocks, "\n") + "</body></html>"

	d := newDistiller(DefaultGuardConfig(),
		&fixedExtractor{method: models.MethodLLM, candidate: thinCandidate(models.MethodLLM)})

	res := d.Distill(context.Background(), page, "https://example.com/a", "")
	// One original block plus at most five augmented paragraphs.
	if got := len(res.Document.Nodes); got != 6 {
		t.Errorf("got %d nodes, want 6 (augmentation capped at 5)", got)
	}
}

func TestDistillNoCandidatesUsesFallback(t *testing.T) {
	d := newDistiller(DefaultGuardConfig(),
		&fixedExtractor{method: models.MethodReadability, candidate: nil})

	res := d.Distill(context.Background(), testPage, "https://example.com/a", "")
	doc := res.Document

	if doc.ExtractionMethod != models.MethodFallback {
		t.Errorf("method = %s, want fallback", doc.ExtractionMethod)
	}
	if !doc.FallbackUsed {
		t.Error("FallbackUsed = false for the fallback path")
	}
	if doc.ExtractionConfidence != 0.2 {
		t.Errorf("ExtractionConfidence = %v, want 0.2", doc.ExtractionConfidence)
	}
	if len(doc.Nodes) != 2 {
		t.Errorf("got %d nodes, want the page's 2 paragraphs", len(doc.Nodes))
	}
}

// confidentAdapter claims everything with a high-confidence candidate.
type confidentAdapter struct {
	confidence float64
}

func (a *confidentAdapter) Name() string            { return "test-adapter" }
func (a *confidentAdapter) CanHandle(string) bool   { return true }
func (a *confidentAdapter) Extract(context.Context, string, string) (*models.Candidate, error) {
	c := fullCandidate(models.MethodDomainAdapter)
	c.Title = "Adapter Title"
	c.Confidence = a.confidence
	return c, nil
}

func TestDomainAdapterShortCircuit(t *testing.T) {
	reg := extractor.NewRegistry(time.Second, nil,
		&fixedExtractor{method: models.MethodReadability, candidate: fullCandidate(models.MethodReadability)})
	adapters := extractor.NewAdapterRegistry(&confidentAdapter{confidence: 0.9})
	d := New(nil, adapters, reg, DefaultGuardConfig(), nil)

	res := d.Distill(context.Background(), testPage, "https://shop.example.com/item", "")
	if res.Document.ExtractionMethod != models.MethodDomainAdapter {
		t.Errorf("method = %s, want domain-adapter", res.Document.ExtractionMethod)
	}
	if res.Document.Title != "Adapter Title" {
		t.Errorf("Title = %q", res.Document.Title)
	}
}

func TestDomainAdapterBelowFloorFallsThrough(t *testing.T) {
	reg := extractor.NewRegistry(time.Second, nil,
		&fixedExtractor{method: models.MethodReadability, candidate: fullCandidate(models.MethodReadability)})
	adapters := extractor.NewAdapterRegistry(&confidentAdapter{confidence: 0.5})
	d := New(nil, adapters, reg, DefaultGuardConfig(), nil)

	res := d.Distill(context.Background(), testPage, "https://shop.example.com/item", "")
	if res.Document.ExtractionMethod != models.MethodReadability {
		t.Errorf("method = %s, low-confidence adapter must not short-circuit", res.Document.ExtractionMethod)
	}
}

func TestDistillAppliesPolicy(t *testing.T) {
	engine := policy.NewEngine([]policy.Policy{{
		Name:   "default",
		Domain: "*",
		Drop:   []policy.Rule{{Selector: "nav"}},
	}}, nil)

	reg := extractor.NewRegistry(time.Second, nil,
		&fixedExtractor{method: models.MethodReadability, candidate: fullCandidate(models.MethodReadability)})
	d := New(engine, nil, reg, DefaultGuardConfig(), nil)

	res := d.Distill(context.Background(), "<html><body><nav>x</nav><p>content</p></body></html>", "https://example.com/", "")
	if res.Policy.PolicyApplied != "default" {
		t.Errorf("PolicyApplied = %q", res.Policy.PolicyApplied)
	}
}

func TestDetectLang(t *testing.T) {
	english := strings.Repeat("This is clearly an English sentence with common words. ", 5)
	if got := detectLang(english); got != "en" {
		t.Errorf("detectLang(english) = %q, want en", got)
	}
	if got := detectLang("short"); got != "" {
		t.Errorf("detectLang(short) = %q, want empty", got)
	}
}

func TestSourceSpanOffsets(t *testing.T) {
	c := models.Candidate{
		Method:         models.MethodReadability,
		Content:        "findable text",
		ParagraphCount: 1,
	}
	markup := "<html><p>findable text</p></html>"
	nodes := buildNodes(c, markup, "https://example.com/", "sha256:x", time.Now())
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes", len(nodes))
	}
	span := nodes[0].SourceSpans[0]
	if span.ByteStart != 9 || span.ByteEnd != 22 {
		t.Errorf("span = [%d,%d), want [9,22)", span.ByteStart, span.ByteEnd)
	}
}
