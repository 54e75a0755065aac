package extractor

import (
	"context"
	"strings"
	"testing"

	"github.com/jmylchreest/distil/internal/models"
)

const heuristicPage = `<html><head>
<title>Page Title</title>
<meta name="author" content="Jamie Writer">
<meta name="description" content="A short description.">
<meta property="article:published_time" content="2026-02-03T10:00:00Z">
<meta property="og:site_name" content="Example Site">
</head><body>
<nav><p>short nav text</p></nav>
<article>
  <h1>Article Heading</h1>
  <p>The first paragraph carries enough text to matter for density scoring in the container pick.</p>
  <p>The second paragraph also carries a reasonable amount of body text for the extractor.</p>
  <h2>Subsection</h2>
  <p>A third paragraph closing out the article with yet more running prose for scoring.</p>
</article>
</body></html>`

func TestDOMHeuristicExtract(t *testing.T) {
	e := NewDOMHeuristic()
	c, err := e.Extract(context.Background(), heuristicPage, "https://example.com/a")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if c == nil {
		t.Fatal("no candidate")
	}
	if c.Method != models.MethodDOMHeuristic {
		t.Errorf("Method = %s", c.Method)
	}
	if c.Title != "Article Heading" {
		t.Errorf("Title = %q, want the h1 over <title>", c.Title)
	}
	if c.Metadata.Author != "Jamie Writer" {
		t.Errorf("Author = %q", c.Metadata.Author)
	}
	if c.Metadata.SiteName != "Example Site" {
		t.Errorf("SiteName = %q", c.Metadata.SiteName)
	}
	if c.Metadata.PublishDate != "2026-02-03T10:00:00Z" {
		t.Errorf("PublishDate = %q", c.Metadata.PublishDate)
	}
	// Headings and paragraphs inside the densest container, in order.
	if len(c.Paragraphs) != 5 {
		t.Fatalf("got %d paragraphs, want 5 (h1, p, p, h2, p)", len(c.Paragraphs))
	}
	if c.Paragraphs[0].Tag != "h1" || c.Paragraphs[3].Tag != "h2" {
		t.Errorf("tags = %s, %s; heading tags lost", c.Paragraphs[0].Tag, c.Paragraphs[3].Tag)
	}
	if strings.Contains(c.Content, "short nav text") {
		t.Error("nav text leaked into the candidate")
	}
	for i, p := range c.Paragraphs {
		if p.Selector == "" {
			t.Errorf("paragraph %d missing selector", i)
		}
	}
	if c.Confidence <= 0 || c.Confidence > 0.75 {
		t.Errorf("Confidence = %v, want (0, 0.75]", c.Confidence)
	}
}

func TestDOMHeuristicEmptyDocument(t *testing.T) {
	e := NewDOMHeuristic()
	c, err := e.Extract(context.Background(), "<html><body></body></html>", "https://example.com/")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if c != nil {
		t.Errorf("got candidate %+v from empty document", c)
	}
}

func TestFallbackParagraphs(t *testing.T) {
	page := `<html><body>
<div><p>This paragraph is comfortably longer than forty characters of text.</p></div>
<ul><li>A list item that also exceeds the forty character minimum for inclusion.</li></ul>
<p>tiny</p>
<blockquote>A quoted passage long enough to pass the minimum length filter too.</blockquote>
<p>This paragraph is comfortably longer than forty characters of text.</p>
</body></html>`

	got := FallbackParagraphs(page)
	if len(got) != 3 {
		t.Fatalf("got %d paragraphs, want 3 (short and duplicate filtered): %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "This paragraph") {
		t.Errorf("document order lost: first = %q", got[0])
	}
	for _, p := range got {
		if len(p) < 40 {
			t.Errorf("short block %q included", p)
		}
	}
}
