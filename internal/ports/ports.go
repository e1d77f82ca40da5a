// Package ports declares the narrow interfaces for the external
// collaborators the pipeline consumes: the code sandbox, geometry
// analyzer, DFM checker, FEA stub, renderer and knowledge vault. The
// pipeline depends only on these contracts, never on a concrete backend.
package ports

import "context"

// ExecResult is the outcome of one sandbox execution.
type ExecResult struct {
	Success          bool   `json:"success"`
	ArtifactProduced bool   `json:"artifact_produced"`
	ArtifactPath     string `json:"artifact_path,omitempty"`
	Stdout           string `json:"stdout,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Sandbox executes untrusted generated code in isolation. Implementations
// must be side-effect-contained: nothing outside the output path changes.
type Sandbox interface {
	Execute(ctx context.Context, code, outputPath string) (ExecResult, error)
}

// GeometryMetrics is the analyzer's report on one artifact.
type GeometryMetrics struct {
	IsWatertight bool       `json:"is_watertight"`
	Volume       float64    `json:"volume"`
	SurfaceArea  float64    `json:"surface_area"`
	BoundingBox  [3]float64 `json:"bounding_box"` // size_x, size_y, size_z
	CenterOfMass [3]float64 `json:"center_of_mass"`
}

// GeometricDiff reports deltas between two artifacts.
type GeometricDiff struct {
	VolumeDelta      float64 `json:"volume_delta"`
	SurfaceAreaDelta float64 `json:"surface_area_delta"`
	BoundingBoxDelta [3]float64 `json:"bounding_box_delta"`
}

// Analyzer measures mesh geometry.
type Analyzer interface {
	Analyze(ctx context.Context, artifactPath string) (GeometryMetrics, error)
	Diff(ctx context.Context, artifactPath, baselinePath string) (GeometricDiff, error)
}

// DFMReport is the design-for-manufacturing check result.
type DFMReport struct {
	Issues              []string       `json:"issues,omitempty"`
	BuildVolumeExceeded bool           `json:"build_volume_exceeded"`
	Details             map[string]any `json:"details,omitempty"`
}

// DFM checks an artifact for manufacturability.
type DFM interface {
	Check(ctx context.Context, artifactPath string) (DFMReport, error)
}

// RiskAssessment is the FEA stub's coarse structural verdict.
type RiskAssessment struct {
	Level string  `json:"level"` // low, medium, high
	Score float64 `json:"score"`
}

// FEA estimates structural risk.
type FEA interface {
	Assess(ctx context.Context, artifactPath string) (RiskAssessment, error)
}

// Renderer produces preview images for an artifact.
type Renderer interface {
	Render(ctx context.Context, artifactPath string) ([]string, error)
}

// Chunk is one indexable unit of learned knowledge.
type Chunk struct {
	Kind    string         `json:"kind"` // winning_code, failed_attempt, critique, summary
	Text    string         `json:"text"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SearchResult is one vault hit.
type SearchResult struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Vault indexes learning chunks and serves similarity search.
type Vault interface {
	Index(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}
