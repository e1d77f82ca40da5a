package ports

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// SimulatedSandbox executes nothing; it maps code to a canned result via a
// script function. Deterministic stand-in for tests and offline runs.
type SimulatedSandbox struct {
	// Script decides the outcome for a piece of code. Nil means every
	// execution succeeds and produces an artifact at the requested output
	// path (or "artifact.stl" when none was given).
	Script func(code, outputPath string) ExecResult

	mu   sync.Mutex
	seen []string
}

func (s *SimulatedSandbox) Execute(ctx context.Context, code, outputPath string) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	s.mu.Lock()
	s.seen = append(s.seen, code)
	s.mu.Unlock()
	if s.Script != nil {
		return s.Script(code, outputPath), nil
	}
	path := outputPath
	if path == "" {
		path = "artifact.stl"
	}
	return ExecResult{
		Success:          true,
		ArtifactProduced: true,
		ArtifactPath:     path,
		Stdout:           "ok",
	}, nil
}

// Executions returns every code string submitted so far.
func (s *SimulatedSandbox) Executions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.seen))
	copy(out, s.seen)
	return out
}

// SimulatedAnalyzer returns fixed metrics, overridable per artifact path.
type SimulatedAnalyzer struct {
	Default GeometryMetrics
	ByPath  map[string]GeometryMetrics
}

func (a *SimulatedAnalyzer) Analyze(ctx context.Context, artifactPath string) (GeometryMetrics, error) {
	if err := ctx.Err(); err != nil {
		return GeometryMetrics{}, err
	}
	if m, ok := a.ByPath[artifactPath]; ok {
		return m, nil
	}
	return a.Default, nil
}

func (a *SimulatedAnalyzer) Diff(ctx context.Context, artifactPath, baselinePath string) (GeometricDiff, error) {
	cur, err := a.Analyze(ctx, artifactPath)
	if err != nil {
		return GeometricDiff{}, err
	}
	base, err := a.Analyze(ctx, baselinePath)
	if err != nil {
		return GeometricDiff{}, err
	}
	var bb [3]float64
	for i := range bb {
		bb[i] = cur.BoundingBox[i] - base.BoundingBox[i]
	}
	return GeometricDiff{
		VolumeDelta:      cur.Volume - base.Volume,
		SurfaceAreaDelta: cur.SurfaceArea - base.SurfaceArea,
		BoundingBoxDelta: bb,
	}, nil
}

// SimulatedDFM reports a fixed set of issues.
type SimulatedDFM struct {
	Report DFMReport
}

func (d *SimulatedDFM) Check(ctx context.Context, artifactPath string) (DFMReport, error) {
	if err := ctx.Err(); err != nil {
		return DFMReport{}, err
	}
	return d.Report, nil
}

// SimulatedFEA reports a fixed risk level (default low).
type SimulatedFEA struct {
	Risk RiskAssessment
}

func (f *SimulatedFEA) Assess(ctx context.Context, artifactPath string) (RiskAssessment, error) {
	if err := ctx.Err(); err != nil {
		return RiskAssessment{}, err
	}
	if f.Risk.Level == "" {
		return RiskAssessment{Level: "low", Score: 0.1}, nil
	}
	return f.Risk, nil
}

// GlobRenderer "renders" by globbing for images that already sit next to
// the artifact, e.g. previews written by the sandbox run itself. Pattern
// is a doublestar glob relative to the artifact directory.
type GlobRenderer struct {
	Pattern string // default "**/*.png"
}

func (r *GlobRenderer) Render(ctx context.Context, artifactPath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern := r.Pattern
	if pattern == "" {
		pattern = "**/*.png"
	}
	dir := filepath.Dir(artifactPath)
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("render glob: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// MemoryVault stores chunks in memory and searches by naive substring
// overlap. Enough to exercise the indexing path deterministically.
type MemoryVault struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (v *MemoryVault) Index(ctx context.Context, chunks []Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunks = append(v.chunks, chunks...)
	return nil
}

func (v *MemoryVault) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []SearchResult
	for _, c := range v.chunks {
		text := strings.ToLower(c.Text)
		hits := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, SearchResult{Text: c.Text, Score: float64(hits)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Chunks returns everything indexed so far.
func (v *MemoryVault) Chunks() []Chunk {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Chunk, len(v.chunks))
	copy(out, v.chunks)
	return out
}
