// Package ensemble selects the best extraction candidate by composite
// score, with a deterministic method-priority tie-break so equal scores
// never flap between runs.
package ensemble

import (
	"fmt"
	"math"
	"strings"

	"github.com/jmylchreest/distil/internal/models"
)

// methodPriority orders methods for tie-breaking; lower is better.
var methodPriority = map[models.ExtractionMethod]int{
	models.MethodDomainAdapter:   0,
	models.MethodReadability:     1,
	models.MethodExternalLibrary: 2,
	models.MethodLLM:             3,
	models.MethodDOMHeuristic:    4,
	models.MethodFallback:        5,
}

// CandidateScore reports the composite score of one candidate.
type CandidateScore struct {
	Method models.ExtractionMethod `json:"method"`
	Score  float64                 `json:"score"`
}

// Selection is the ensemble outcome.
type Selection struct {
	Selected    models.Candidate
	Score       float64
	Explanation string
	AllScores   []CandidateScore
}

// SelectBest picks the highest-scoring candidate. Calling it with no
// candidates is a programming error.
func SelectBest(candidates []models.Candidate) Selection {
	if len(candidates) == 0 {
		panic("ensemble: SelectBest called with no candidates")
	}

	scores := make([]CandidateScore, len(candidates))
	bestIdx := 0
	for i, c := range candidates {
		scores[i] = CandidateScore{Method: c.Method, Score: composite(c)}
		if i == 0 {
			continue
		}
		if better(scores[i], scores[bestIdx]) {
			bestIdx = i
		}
	}

	best := candidates[bestIdx]
	return Selection{
		Selected: best,
		Score:    scores[bestIdx].Score,
		Explanation: fmt.Sprintf("%s selected with score %.3f over %d candidate(s)",
			best.Method, scores[bestIdx].Score, len(candidates)-1),
		AllScores: scores,
	}
}

// better prefers the higher score, then the higher-priority method.
func better(a, b CandidateScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return methodPriority[a.Method] < methodPriority[b.Method]
}

// composite combines content length, structure quality, metadata
// completeness, text density and the extractor's own confidence.
func composite(c models.Candidate) float64 {
	length := float64(len(c.Content))
	lengthScore := math.Min(1, length/2000)

	structureScore := 0.0
	if c.ParagraphCount >= 3 {
		structureScore += 0.6
	} else if c.ParagraphCount > 0 {
		structureScore += 0.2 * float64(c.ParagraphCount)
	}
	titleLen := len(strings.TrimSpace(c.Title))
	if titleLen >= 10 && titleLen <= 120 {
		structureScore += 0.4
	} else if titleLen > 0 {
		structureScore += 0.2
	}

	metaScore := 0.0
	if c.Metadata.Author != "" {
		metaScore += 0.4
	}
	if c.Metadata.PublishDate != "" {
		metaScore += 0.3
	}
	if c.Metadata.Excerpt != "" {
		metaScore += 0.3
	}

	// Text density: words per paragraph, saturating around essay-like prose.
	density := 0.0
	if c.ParagraphCount > 0 {
		wordsPerPara := float64(len(strings.Fields(c.Content))) / float64(c.ParagraphCount)
		density = math.Min(1, wordsPerPara/60)
	}

	return 0.30*lengthScore +
		0.20*structureScore +
		0.15*metaScore +
		0.15*density +
		0.20*c.Confidence
}
