package extractor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/jmylchreest/distil/internal/models"
)

// ReadabilityExtractor wraps the arc90-style tree scorer. High precision on
// article pages, weak on index and listing pages.
type ReadabilityExtractor struct{}

// NewReadability creates the readability extractor.
func NewReadability() *ReadabilityExtractor {
	return &ReadabilityExtractor{}
}

func (e *ReadabilityExtractor) Method() models.ExtractionMethod {
	return models.MethodReadability
}

func (e *ReadabilityExtractor) Extract(_ context.Context, markup, pageURL string) (*models.Candidate, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(markup), parsed)
	if err != nil {
		return nil, fmt.Errorf("readability parse: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return nil, nil
	}

	var publishDate string
	if article.PublishedTime != nil {
		publishDate = article.PublishedTime.Format(time.RFC3339)
	}

	return &models.Candidate{
		Method:     models.MethodReadability,
		Title:      strings.TrimSpace(article.Title),
		Content:    text,
		Confidence: readabilityConfidence(text, article.Title),
		Metadata: models.CandidateMetadata{
			Author:      strings.TrimSpace(article.Byline),
			PublishDate: publishDate,
			Excerpt:     strings.TrimSpace(article.Excerpt),
			SiteName:    strings.TrimSpace(article.SiteName),
			Lang:        article.Language,
		},
	}, nil
}

// readabilityConfidence is the extractor's self-assessment: long article
// bodies with a title are what the tree scorer is good at.
func readabilityConfidence(text, title string) float64 {
	score := 0.6
	if len(text) > 500 {
		score += 0.15
	}
	if len(text) > 2000 {
		score += 0.05
	}
	if title != "" {
		score += 0.1
	}
	if score > 0.9 {
		score = 0.9
	}
	return score
}
