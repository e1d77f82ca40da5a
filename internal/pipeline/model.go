// Package pipeline implements the competitive design pipeline: a bounded
// refinement loop that fans a design request out to competing model
// workers, evaluates their artifacts in a sandbox, cross-critiques,
// scores fidelity, and selects or merges a winner.
package pipeline

import (
	"time"

	"github.com/danshapiro/crucible/internal/ports"
)

// Status is the design lifecycle. It moves monotonically along a finite
// lattice and terminates in completed or failed.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusSupervising       Status = "supervising"
	StatusProposing         Status = "proposing"
	StatusDebating          Status = "debating"
	StatusEvaluating        Status = "evaluating"
	StatusJudging           Status = "judging"
	StatusMerging           Status = "merging"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusLearning          Status = "learning"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// Terminal reports whether the status ends the design lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Proposal statuses.
const (
	ProposalPending    = "pending"
	ProposalGenerating = "generating"
	ProposalCompleted  = "completed"
	ProposalFailed     = "failed"
	ProposalSelected   = "selected"
	ProposalRejected   = "rejected"
)

// Constraints is the supervisor's structured read of the request.
type Constraints struct {
	KeyConstraints     []string           `json:"key_constraints,omitempty"`
	CriticalDimensions map[string]float64 `json:"critical_dimensions,omitempty"`
	ManufacturingNotes []string           `json:"manufacturing_notes,omitempty"`
}

// Critique is one model's evaluation of one proposal.
type Critique struct {
	CriticModel      string   `json:"critic_model"`
	TargetProposalID string   `json:"target_proposal_id"`
	Strengths        []string `json:"strengths,omitempty"`
	Weaknesses       []string `json:"weaknesses,omitempty"`
	SuggestedFixes   []string `json:"suggested_fixes,omitempty"`
	FidelityConcerns []string `json:"fidelity_concerns,omitempty"`
}

// SandboxEval is the evaluation artifact attached to a proposal after the
// sandbox stage: execution outcome plus collaborator reports.
type SandboxEval struct {
	ExecutionSuccess bool                  `json:"execution_success"`
	ExecutionError   string                `json:"execution_error,omitempty"`
	ArtifactPath     string                `json:"artifact_path,omitempty"`
	ImagePaths       []string              `json:"image_paths,omitempty"`
	Geometry         *ports.GeometryMetrics `json:"geometry_metrics,omitempty"`
	DFMIssues        []string              `json:"dfm_issues,omitempty"`
	DFMReport        map[string]any        `json:"dfm_report,omitempty"`
	RiskLevel        string                `json:"risk_level,omitempty"`
	RiskScore        float64               `json:"risk_score,omitempty"`
	GeometricDiff    *ports.GeometricDiff  `json:"geometric_diff,omitempty"`
}

// FidelityScore is the blended 0-100 score for one proposal.
type FidelityScore struct {
	ProposalID             string  `json:"proposal_id"`
	AlgorithmicScore       float64 `json:"algorithmic_score"`
	LLMScore               float64 `json:"llm_score"`
	BlendedScore           float64 `json:"blended_score"`
	TextSimilarity         float64 `json:"text_similarity"`
	GeometricAccuracy      float64 `json:"geometric_accuracy"`
	ManufacturingViability float64 `json:"manufacturing_viability"`
	Reasoning              string  `json:"reasoning,omitempty"`
	Passed                 bool    `json:"passed"`
}

// Proposal is one worker's attempt within a round. Owned by exactly one
// round; not mutated after its round seals.
type Proposal struct {
	ID          string          `json:"id"`
	Model       string          `json:"model"`
	Code        string          `json:"code,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Status      string          `json:"status"`
	Critiques   []Critique      `json:"critiques_received,omitempty"`
	SandboxEval *SandboxEval    `json:"sandbox_eval,omitempty"`
	Fidelity    *FidelityScore  `json:"fidelity,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Valid reports whether the proposal can enter evaluation.
func (p Proposal) Valid() bool {
	return p.Status == ProposalCompleted && p.Code != ""
}

// ProposalScore is one (id, model, blended) entry in a round summary.
type ProposalScore struct {
	ProposalID string  `json:"proposal_id"`
	Model      string  `json:"model"`
	Blended    float64 `json:"blended"`
}

// VersionEntry summarizes one round that reached the merger.
type VersionEntry struct {
	Round         int             `json:"round"`
	ProposalCount int             `json:"proposal_count"`
	PassingCount  int             `json:"passing_count"`
	WinnerID      string          `json:"winner_id,omitempty"`
	Scores        []ProposalScore `json:"scores,omitempty"`
}

// ScoreSnapshot is the per-round fidelity history entry.
type ScoreSnapshot struct {
	Round  int             `json:"round"`
	Scores []FidelityScore `json:"scores"`
}

// Round is one iteration of the refinement loop.
type Round struct {
	RoundNumber   int        `json:"round_number"`
	Proposals     []Proposal `json:"proposals,omitempty"`
	WinnerID      string     `json:"winner_id,omitempty"`
	MergedCode    string     `json:"merged_code,omitempty"`
	HumanApproved *bool      `json:"human_approved,omitempty"`
}

// ValidProposals returns the proposals eligible for evaluation.
func (r Round) ValidProposals() []Proposal {
	var out []Proposal
	for _, p := range r.Proposals {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out
}

// DesignRecord is the top-level persisted entity for one pipeline
// execution.
type DesignRecord struct {
	ID                string          `json:"id"`
	Prompt            string          `json:"prompt"`
	Specification     string          `json:"specification,omitempty"`
	Constraints       Constraints     `json:"constraints"`
	Status            Status          `json:"status"`
	Rounds            []Round         `json:"rounds,omitempty"`
	FinalCode         string          `json:"final_code,omitempty"`
	FinalArtifactPath string          `json:"final_artifact_path,omitempty"`
	VersionHistory    []VersionEntry  `json:"version_history,omitempty"`
	ScoreHistory      []ScoreSnapshot `json:"score_history,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CurrentRound returns a pointer to the latest round, or nil before the
// first prepare-round.
func (d *DesignRecord) CurrentRound() *Round {
	if len(d.Rounds) == 0 {
		return nil
	}
	return &d.Rounds[len(d.Rounds)-1]
}
