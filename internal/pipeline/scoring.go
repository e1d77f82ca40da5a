package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Blend weights for the hybrid score.
const (
	algorithmicWeight = 0.60
	llmWeight         = 0.40
)

// Algorithmic sub-score weights.
const (
	dimWeight    = 0.40
	volumeWeight = 0.20
	dfmWeight    = 0.40
)

// BlendScores combines the deterministic and judge scores, clamped to
// [0, 100].
func BlendScores(algorithmic, llm float64) float64 {
	return clamp01e2(algorithmicWeight*algorithmic + llmWeight*llm)
}

// AlgorithmicBreakdown carries the deterministic sub-scores and the notes
// explaining any defaults taken.
type AlgorithmicBreakdown struct {
	Dimension float64
	Volume    float64
	DFM       float64
	Overall   float64
	Notes     []string
}

// ScoreAlgorithmic computes the dependency-free score for one evaluated
// proposal. Missing geometry degrades gracefully rather than failing.
func ScoreAlgorithmic(eval *SandboxEval, critical map[string]float64) AlgorithmicBreakdown {
	var b AlgorithmicBreakdown
	if eval == nil || eval.Geometry == nil {
		b.Dimension = 50
		b.Volume = 0
		b.DFM = 0
		b.Notes = append(b.Notes, "no geometry metrics available")
		b.Overall = clamp01e2(dimWeight*b.Dimension + volumeWeight*b.Volume + dfmWeight*b.DFM)
		return b
	}
	g := eval.Geometry

	b.Dimension, b.Notes = scoreDimensions(g.BoundingBox, critical)
	b.Volume = scoreVolume(g.IsWatertight, g.Volume, g.BoundingBox)
	b.DFM = scoreDFM(eval)
	b.Overall = clamp01e2(dimWeight*b.Dimension + volumeWeight*b.Volume + dfmWeight*b.DFM)
	return b
}

// scoreDimensions maps each expected critical dimension onto a
// bounding-box axis by name suffix and scores proportional closeness.
func scoreDimensions(bbox [3]float64, critical map[string]float64) (float64, []string) {
	if len(critical) == 0 {
		return 50, []string{"no critical dimensions declared"}
	}
	names := make([]string, 0, len(critical))
	for name := range critical {
		names = append(names, name)
	}
	sort.Strings(names)

	var total float64
	var mapped int
	var notes []string
	for _, name := range names {
		expected := critical[name]
		actual, ok := axisFor(name, bbox)
		if !ok {
			notes = append(notes, fmt.Sprintf("dimension %q has no axis mapping", name))
			continue
		}
		if expected <= 0 {
			notes = append(notes, fmt.Sprintf("dimension %q has non-positive expectation", name))
			continue
		}
		score := math.Max(0, 1-math.Abs(actual-expected)/expected) * 100
		total += score
		mapped++
	}
	if mapped == 0 {
		return 50, append(notes, "no dimensions mapped; defaulting")
	}
	return total / float64(mapped), notes
}

// axisFor resolves a dimension name to a bounding-box measurement by its
// suffix.
func axisFor(name string, bbox [3]float64) (float64, bool) {
	n := strings.ToLower(name)
	switch {
	case strings.HasSuffix(n, "_length"), strings.HasSuffix(n, "_x"):
		return bbox[0], true
	case strings.HasSuffix(n, "_width"), strings.HasSuffix(n, "_y"):
		return bbox[1], true
	case strings.HasSuffix(n, "_height"), strings.HasSuffix(n, "_z"):
		return bbox[2], true
	case strings.HasSuffix(n, "_diameter"):
		return math.Max(bbox[0], bbox[1]), true
	}
	return 0, false
}

// scoreVolume sanity-checks the enclosed volume against the bounding box.
func scoreVolume(watertight bool, volume float64, bbox [3]float64) float64 {
	if watertight && volume <= 0 {
		return 0
	}
	box := bbox[0] * bbox[1] * bbox[2]
	if box <= 0 {
		return 0
	}
	ratio := volume / box
	switch {
	case ratio >= 0.10 && ratio <= 1.0:
		return 100
	case ratio < 0.10:
		return math.Max(0, ratio/0.10*100)
	default:
		return math.Max(0, 100-(ratio-1)*100)
	}
}

// scoreDFM starts at 100 and subtracts per manufacturing defect.
func scoreDFM(eval *SandboxEval) float64 {
	score := 100.0
	issues := len(eval.DFMIssues)
	if eval.Geometry != nil && !eval.Geometry.IsWatertight {
		score -= 40
	}
	if violated, ok := eval.DFMReport["build_volume_exceeded"].(bool); ok && violated {
		score -= 30
	}
	score -= 10 * float64(issues)
	if eval.RiskLevel == "high" {
		score -= 15
	}
	return clamp01e2(score)
}

func clamp01e2(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}
