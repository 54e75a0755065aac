// Package confidence scores an extraction candidate with a five-component
// Bayesian combiner. Each component is a probability in [0,1]; the overall
// score is a weighted sum in log-odds space converted back to probability,
// so a strong component pulls the result harder than linear averaging
// would.
package confidence

import (
	"math"
	"strings"

	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/urlutil"
)

// Component weights: extraction, contentQuality, metadata,
// sourceCredibility, consensus.
var weights = [5]float64{0.30, 0.25, 0.15, 0.10, 0.20}

const (
	extractionPrior = 0.7
	consensusPrior  = 0.5
)

// credibleHosts holds known-good publishers scored above the heuristics.
var credibleHosts = map[string]float64{
	"en.wikipedia.org": 0.9,
	"www.bbc.com":      0.88,
	"www.bbc.co.uk":    0.88,
	"www.reuters.com":  0.88,
	"apnews.com":       0.88,
	"www.nature.com":   0.9,
	"arxiv.org":        0.87,
}

// Score computes the breakdown for the selected candidate given all
// ensemble candidates (for consensus) and the page URL (for source
// credibility).
func Score(selected models.Candidate, all []models.Candidate, pageURL string) models.ConfidenceBreakdown {
	b := models.ConfidenceBreakdown{
		Extraction:        extractionComponent(selected),
		ContentQuality:    contentQuality(selected),
		Metadata:          metadataComponent(selected),
		SourceCredibility: sourceCredibility(pageURL),
		Consensus:         consensus(all),
	}
	b.Overall = combine([5]float64{
		b.Extraction,
		b.ContentQuality,
		b.Metadata,
		b.SourceCredibility,
		b.Consensus,
	})
	return b
}

func extractionComponent(c models.Candidate) float64 {
	if c.Confidence <= 0 {
		return extractionPrior
	}
	return clamp01(c.Confidence)
}

// contentQuality sums a length score (optimal 300–3000 chars) and a
// paragraph score (optimal 3–20), each worth half.
func contentQuality(c models.Candidate) float64 {
	length := len(c.Content)
	var lengthScore float64
	switch {
	case length >= 300 && length <= 3000:
		lengthScore = 0.5
	case length > 3000:
		// Long pages still score well, tapering slowly.
		lengthScore = 0.5 * math.Max(0.6, 1-float64(length-3000)/20000)
	case length > 0:
		lengthScore = 0.5 * float64(length) / 300
	}

	paras := c.ParagraphCount
	var paraScore float64
	switch {
	case paras >= 3 && paras <= 20:
		paraScore = 0.5
	case paras > 20:
		paraScore = 0.5 * math.Max(0.6, 1-float64(paras-20)/100)
	case paras > 0:
		paraScore = 0.5 * float64(paras) / 3
	}

	return clamp01(lengthScore + paraScore)
}

// metadataComponent is a weighted presence check over the candidate's
// article metadata.
func metadataComponent(c models.Candidate) float64 {
	score := 0.0
	if strings.TrimSpace(c.Title) != "" {
		score += 0.4
	}
	if c.Metadata.Author != "" {
		score += 0.25
	}
	if c.Metadata.PublishDate != "" {
		score += 0.2
	}
	if c.Metadata.Excerpt != "" {
		score += 0.15
	}
	return clamp01(score)
}

// sourceCredibility is a host heuristic: known publishers score high,
// .edu/.gov score 0.85, everything else sits at the 0.5 prior.
func sourceCredibility(pageURL string) float64 {
	host, err := urlutil.Host(pageURL)
	if err != nil {
		return 0.5
	}
	if s, ok := credibleHosts[host]; ok {
		return s
	}
	if strings.HasSuffix(host, ".edu") || strings.HasSuffix(host, ".gov") {
		return 0.85
	}
	return 0.5
}

// consensus measures cross-extractor agreement. With one candidate or
// fewer there is nothing to agree on and the prior applies.
func consensus(all []models.Candidate) float64 {
	if len(all) <= 1 {
		return consensusPrior
	}

	titleSim := meanPairwiseJaccard(all)

	lengths := make([]float64, len(all))
	scores := make([]float64, len(all))
	for i, c := range all {
		lengths[i] = float64(len(c.Content))
		scores[i] = c.Confidence
	}
	// Scales chosen so typical disagreement lands mid-range: length
	// variance is measured in squared characters, score variance in
	// squared probability.
	lengthAgreement := 1 / (1 + variance(lengths)/1e6)
	scoreAgreement := 1 / (1 + variance(scores)/0.05)

	return clamp01(0.4*titleSim + 0.3*lengthAgreement + 0.3*scoreAgreement)
}

// meanPairwiseJaccard averages Jaccard similarity over all candidate title
// pairs, tokenized on whitespace keeping words longer than 2 chars.
func meanPairwiseJaccard(all []models.Candidate) float64 {
	tokens := make([]map[string]struct{}, len(all))
	for i, c := range all {
		tokens[i] = tokenize(c.Title)
	}
	sum, pairs := 0.0, 0
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			sum += jaccard(tokens[i], tokens[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func tokenize(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(title)) {
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

// combine converts each component to log-odds (clamped to [0.01, 0.99]),
// takes the weighted sum and converts back to probability.
func combine(components [5]float64) float64 {
	sum := 0.0
	for i, p := range components {
		p = math.Min(0.99, math.Max(0.01, p))
		sum += weights[i] * math.Log(p/(1-p))
	}
	return 1 / (1 + math.Exp(-sum))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
