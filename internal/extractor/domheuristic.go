package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/jmylchreest/distil/internal/models"
)

// candidate container elements scored by text density.
var containerSelector = "article, main, [role=main], #content, .content, .article, .post, body"

// DOMHeuristicExtractor scores container elements by paragraph and heading
// density and emits the densest one as selector-addressed paragraphs. It is
// the only extractor that reports where in the DOM each unit came from.
type DOMHeuristicExtractor struct{}

// NewDOMHeuristic creates the dom-heuristic extractor.
func NewDOMHeuristic() *DOMHeuristicExtractor {
	return &DOMHeuristicExtractor{}
}

func (e *DOMHeuristicExtractor) Method() models.ExtractionMethod {
	return models.MethodDOMHeuristic
}

func (e *DOMHeuristicExtractor) Extract(_ context.Context, markup, _ string) (*models.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("dom parse: %w", err)
	}

	best := pickContainer(doc)
	if best == nil {
		return nil, nil
	}

	var paragraphs []models.CandidateParagraph
	var parts []string
	best.Find("p, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		tag := goquery.NodeName(s)
		paragraphs = append(paragraphs, models.CandidateParagraph{
			Text:     text,
			Tag:      tag,
			Selector: cssPath(s),
		})
		parts = append(parts, text)
	})
	if len(paragraphs) == 0 {
		return nil, nil
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		title = h1
	}

	content := strings.Join(parts, "\n\n")
	return &models.Candidate{
		Method:         models.MethodDOMHeuristic,
		Title:          title,
		Content:        content,
		ParagraphCount: len(paragraphs),
		Confidence:     densityConfidence(len(paragraphs), len(content)),
		Metadata: models.CandidateMetadata{
			Author:      strings.TrimSpace(doc.Find(`meta[name=author]`).AttrOr("content", "")),
			PublishDate: doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""),
			Excerpt:     strings.TrimSpace(doc.Find(`meta[name=description]`).AttrOr("content", "")),
			SiteName:    strings.TrimSpace(doc.Find(`meta[property="og:site_name"]`).AttrOr("content", "")),
		},
		Paragraphs: paragraphs,
	}, nil
}

// pickContainer returns the candidate container with the highest
// paragraph-weighted text length.
func pickContainer(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestScore := 0.0
	doc.Find(containerSelector).Each(func(_ int, s *goquery.Selection) {
		pCount := s.Find("p").Length()
		textLen := len(strings.TrimSpace(s.Text()))
		score := float64(textLen) * (1 + 0.1*float64(pCount))
		// body is a superset of every other container; halve its score so
		// it only wins when no semantic container exists.
		if goquery.NodeName(s) == "body" {
			score *= 0.5
		}
		if score > bestScore {
			bestScore = score
			best = s
		}
	})
	return best
}

func densityConfidence(paragraphs, contentLen int) float64 {
	score := 0.5
	if paragraphs >= 3 {
		score += 0.1
	}
	if paragraphs >= 8 {
		score += 0.05
	}
	if contentLen > 1000 {
		score += 0.1
	}
	if score > 0.75 {
		score = 0.75
	}
	return score
}

// cssPath builds a selector from body down to the node using tag names and
// :nth-of-type indices.
func cssPath(s *goquery.Selection) string {
	if len(s.Nodes) == 0 {
		return ""
	}
	var parts []string
	for n := s.Nodes[0]; n != nil && n.Type == html.ElementNode; n = n.Parent {
		tag := n.Data
		if tag == "body" || tag == "html" {
			break
		}
		idx := 1
		for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && sib.Data == tag {
				idx++
			}
		}
		parts = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, idx)}, parts...)
	}
	return strings.Join(parts, " > ")
}
