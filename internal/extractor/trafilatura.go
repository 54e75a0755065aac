package extractor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/markusmobius/go-trafilatura"

	"github.com/jmylchreest/distil/internal/models"
)

// TrafilaturaExtractor bridges the trafilatura port. It fills the
// "external library" slot in the ensemble and is fenced by the registry
// timeout like every other extractor.
type TrafilaturaExtractor struct{}

// NewTrafilatura creates the trafilatura extractor.
func NewTrafilatura() *TrafilaturaExtractor {
	return &TrafilaturaExtractor{}
}

func (e *TrafilaturaExtractor) Method() models.ExtractionMethod {
	return models.MethodExternalLibrary
}

func (e *TrafilaturaExtractor) Extract(_ context.Context, markup, pageURL string) (*models.Candidate, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	result, err := trafilatura.Extract(strings.NewReader(markup), trafilatura.Options{
		OriginalURL:     parsed,
		ExcludeComments: true,
	})
	if err != nil {
		return nil, fmt.Errorf("trafilatura extract: %w", err)
	}

	text := strings.TrimSpace(result.ContentText)
	if text == "" {
		return nil, nil
	}

	meta := result.Metadata
	var publishDate string
	if !meta.Date.IsZero() {
		publishDate = meta.Date.Format(time.RFC3339)
	}

	return &models.Candidate{
		Method:     models.MethodExternalLibrary,
		Title:      strings.TrimSpace(meta.Title),
		Content:    text,
		Confidence: trafilaturaConfidence(text, meta.Title),
		Metadata: models.CandidateMetadata{
			Author:      strings.TrimSpace(meta.Author),
			PublishDate: publishDate,
			Excerpt:     strings.TrimSpace(meta.Description),
			SiteName:    strings.TrimSpace(meta.Sitename),
			Lang:        meta.Language,
		},
	}, nil
}

func trafilaturaConfidence(text, title string) float64 {
	score := 0.65
	if len(text) > 800 {
		score += 0.1
	}
	if title != "" {
		score += 0.1
	}
	if score > 0.85 {
		score = 0.85
	}
	return score
}
