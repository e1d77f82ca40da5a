package pipeline

import (
	"fmt"

	"github.com/danshapiro/crucible/internal/graph"
)

// Delta field names. Each key has exactly one reducer: overwrite (latest
// write wins), append (accumulate in arrival order), or transient (worker
// overlay only, never checkpointed as meaningful state).
const (
	// Overwrite fields.
	KeyStatus           = "status"
	KeySpecification    = "specification"
	KeyConstraints      = "constraints"
	KeyCurrentRound     = "current_round"
	KeyRounds           = "rounds"
	KeyWinnerCode       = "winner_code"
	KeyWinnerID         = "winner_id"
	KeyWinnerModel      = "winner_model"
	KeyPreviousArtifact = "previous_artifact_path"
	KeyKBContext        = "kb_context"
	KeyFailureReason    = "failure_reason"
	KeyLearnerData      = "learner_data"
	KeyHumanApproved    = "human_approved"
	KeyFinalCode        = "final_code"
	KeyFinalArtifact    = "final_artifact_path"

	// Append fields.
	KeyEvents          = "events"
	KeyProposalResults = "proposal_results"
	KeyCritiques       = "critiques"
	KeyFidelityResults = "fidelity_results"
	KeyVersionHistory  = "version_history"
	KeyScoreHistory    = "score_history"
	KeyFeedback        = "accumulated_feedback"

	// Control fields.
	KeyResetRound = "reset_round_scope"

	// Transient fields, set only in Send overlays.
	KeyWorkerModel  = "worker_model"
	KeyWorkerTarget = "worker_target"
)

// State is the graph-execution value: the durable design record plus the
// ephemeral accumulators and worker overlay.
type State struct {
	Record DesignRecord `json:"record"`

	CurrentRound         int            `json:"current_round"`
	WinnerCode           string         `json:"winner_code,omitempty"`
	WinnerID             string         `json:"winner_id,omitempty"`
	WinnerModel          string         `json:"winner_model,omitempty"`
	PreviousArtifactPath string         `json:"previous_artifact_path,omitempty"`
	KBContext            string         `json:"kb_context,omitempty"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	LearnerData          map[string]any `json:"learner_data,omitempty"`
	HumanApproved        *bool          `json:"human_approved,omitempty"`

	AccumulatedFeedback []string      `json:"accumulated_feedback,omitempty"`
	Events              []graph.Event `json:"events,omitempty"`

	// Round-scoped fan-in accumulators, cleared by prepare-round.
	ProposalResults []Proposal      `json:"proposal_results,omitempty"`
	Critiques       []Critique      `json:"critiques,omitempty"`
	FidelityResults []FidelityScore `json:"fidelity_results,omitempty"`

	// Worker overlay; meaningful only inside one fan-out invocation.
	WorkerModel  string `json:"worker_model,omitempty"`
	WorkerTarget string `json:"worker_target,omitempty"`
}

// Apply folds a delta into the state under the per-field reducers. A
// value of the wrong type, or an unknown field, is a reducer mismatch and
// panics; the executor converts that into a fatal invariant error.
func Apply(s State, d graph.Delta) State {
	for key, raw := range d {
		switch key {
		case KeyStatus:
			s.Record.Status = want[Status](key, raw)
		case KeySpecification:
			s.Record.Specification = want[string](key, raw)
		case KeyConstraints:
			s.Record.Constraints = want[Constraints](key, raw)
		case KeyCurrentRound:
			s.CurrentRound = want[int](key, raw)
		case KeyRounds:
			s.Record.Rounds = want[[]Round](key, raw)
		case KeyWinnerCode:
			s.WinnerCode = want[string](key, raw)
		case KeyWinnerID:
			s.WinnerID = want[string](key, raw)
		case KeyWinnerModel:
			s.WinnerModel = want[string](key, raw)
		case KeyPreviousArtifact:
			s.PreviousArtifactPath = want[string](key, raw)
		case KeyKBContext:
			s.KBContext = want[string](key, raw)
		case KeyFailureReason:
			s.FailureReason = want[string](key, raw)
		case KeyLearnerData:
			s.LearnerData = want[map[string]any](key, raw)
		case KeyHumanApproved:
			v := want[bool](key, raw)
			s.HumanApproved = &v
		case KeyFinalCode:
			s.Record.FinalCode = want[string](key, raw)
		case KeyFinalArtifact:
			s.Record.FinalArtifactPath = want[string](key, raw)

		case KeyEvents:
			s.Events = append(s.Events, want[[]graph.Event](key, raw)...)
		case KeyProposalResults:
			s.ProposalResults = append(s.ProposalResults, want[[]Proposal](key, raw)...)
		case KeyCritiques:
			s.Critiques = append(s.Critiques, want[[]Critique](key, raw)...)
		case KeyFidelityResults:
			s.FidelityResults = append(s.FidelityResults, want[[]FidelityScore](key, raw)...)
		case KeyVersionHistory:
			s.Record.VersionHistory = append(s.Record.VersionHistory, want[[]VersionEntry](key, raw)...)
		case KeyScoreHistory:
			s.Record.ScoreHistory = append(s.Record.ScoreHistory, want[[]ScoreSnapshot](key, raw)...)
		case KeyFeedback:
			s.AccumulatedFeedback = append(s.AccumulatedFeedback, want[[]string](key, raw)...)

		case KeyResetRound:
			if want[bool](key, raw) {
				s.ProposalResults = nil
				s.Critiques = nil
				s.FidelityResults = nil
			}

		case KeyWorkerModel:
			s.WorkerModel = want[string](key, raw)
		case KeyWorkerTarget:
			s.WorkerTarget = want[string](key, raw)

		default:
			panic(fmt.Sprintf("state: no reducer for field %q", key))
		}
	}
	return s
}

func want[T any](key string, raw any) T {
	v, ok := raw.(T)
	if !ok {
		panic(fmt.Sprintf("state: field %q holds %T, reducer wants %T", key, raw, v))
	}
	return v
}

// Clone produces a deep copy; workers must not observe later mutations of
// the snapshot they were dispatched with.
func Clone(s State) State {
	out := s
	out.Record = cloneRecord(s.Record)
	out.LearnerData = cloneMap(s.LearnerData)
	if s.HumanApproved != nil {
		v := *s.HumanApproved
		out.HumanApproved = &v
	}
	out.AccumulatedFeedback = cloneSlice(s.AccumulatedFeedback)
	out.Events = cloneSlice(s.Events)
	out.ProposalResults = cloneProposals(s.ProposalResults)
	out.Critiques = cloneSlice(s.Critiques)
	out.FidelityResults = cloneSlice(s.FidelityResults)
	return out
}

// EventsOf extracts the events carried by a delta.
func EventsOf(d graph.Delta) []graph.Event {
	raw, ok := d[KeyEvents]
	if !ok {
		return nil
	}
	evs, ok := raw.([]graph.Event)
	if !ok {
		return nil
	}
	return evs
}

func cloneRecord(r DesignRecord) DesignRecord {
	out := r
	out.Constraints = cloneConstraints(r.Constraints)
	out.Rounds = make([]Round, len(r.Rounds))
	for i, rd := range r.Rounds {
		out.Rounds[i] = cloneRound(rd)
	}
	out.VersionHistory = make([]VersionEntry, len(r.VersionHistory))
	for i, v := range r.VersionHistory {
		cv := v
		cv.Scores = cloneSlice(v.Scores)
		out.VersionHistory[i] = cv
	}
	out.ScoreHistory = make([]ScoreSnapshot, len(r.ScoreHistory))
	for i, sn := range r.ScoreHistory {
		cs := sn
		cs.Scores = cloneSlice(sn.Scores)
		out.ScoreHistory[i] = cs
	}
	return out
}

func cloneConstraints(c Constraints) Constraints {
	out := c
	out.KeyConstraints = cloneSlice(c.KeyConstraints)
	out.ManufacturingNotes = cloneSlice(c.ManufacturingNotes)
	if c.CriticalDimensions != nil {
		out.CriticalDimensions = make(map[string]float64, len(c.CriticalDimensions))
		for k, v := range c.CriticalDimensions {
			out.CriticalDimensions[k] = v
		}
	}
	return out
}

func cloneRound(r Round) Round {
	out := r
	out.Proposals = cloneProposals(r.Proposals)
	if r.HumanApproved != nil {
		v := *r.HumanApproved
		out.HumanApproved = &v
	}
	return out
}

func cloneProposals(ps []Proposal) []Proposal {
	out := make([]Proposal, len(ps))
	for i, p := range ps {
		cp := p
		cp.Critiques = cloneSlice(p.Critiques)
		if p.SandboxEval != nil {
			ev := *p.SandboxEval
			ev.ImagePaths = cloneSlice(p.SandboxEval.ImagePaths)
			ev.DFMIssues = cloneSlice(p.SandboxEval.DFMIssues)
			ev.DFMReport = cloneMap(p.SandboxEval.DFMReport)
			if p.SandboxEval.Geometry != nil {
				g := *p.SandboxEval.Geometry
				ev.Geometry = &g
			}
			if p.SandboxEval.GeometricDiff != nil {
				gd := *p.SandboxEval.GeometricDiff
				ev.GeometricDiff = &gd
			}
			cp.SandboxEval = &ev
		}
		if p.Fidelity != nil {
			f := *p.Fidelity
			cp.Fidelity = &f
		}
		out[i] = cp
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
