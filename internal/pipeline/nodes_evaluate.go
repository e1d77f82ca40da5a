package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
)

// nodeSandboxEval runs every valid proposal through the sandbox and, when
// an artifact appears, through the analyzer, DFM checker, FEA stub and
// renderer. Sequential on purpose: the collaborators are not assumed
// concurrent-safe. Collaborator failures degrade the eval, never the run.
func (p *Pipeline) nodeSandboxEval(ctx context.Context, s State) (graph.NodeResult, error) {
	rounds := cloneRounds(s.Record.Rounds)
	round := &rounds[len(rounds)-1]
	var events []graph.Event

	for i := range round.Proposals {
		prop := &round.Proposals[i]
		if !prop.Valid() {
			continue
		}
		events = append(events, graph.NewEvent("sandbox:running", map[string]any{
			"proposal_id": prop.ID,
			"model":       prop.Model,
		}))

		eval := p.evaluateProposal(ctx, s, prop)
		prop.SandboxEval = eval

		events = append(events, graph.NewEvent("sandbox:completed", map[string]any{
			"proposal_id": prop.ID,
			"success":     eval.ExecutionSuccess,
			"artifact":    eval.ArtifactPath,
		}))
	}

	return graph.NodeResult{Delta: graph.Delta{
		KeyStatus: StatusEvaluating,
		KeyRounds: rounds,
		KeyEvents: events,
	}}, nil
}

func (p *Pipeline) evaluateProposal(ctx context.Context, s State, prop *Proposal) *SandboxEval {
	eval := &SandboxEval{}

	res, err := p.collab.Sandbox.Execute(ctx, prop.Code, "")
	if err != nil {
		eval.ExecutionError = err.Error()
		return eval
	}
	eval.ExecutionSuccess = res.Success
	eval.ExecutionError = res.Error
	eval.ArtifactPath = res.ArtifactPath
	if !res.Success || !res.ArtifactProduced {
		return eval
	}

	if p.collab.Analyzer != nil {
		if g, err := p.collab.Analyzer.Analyze(ctx, res.ArtifactPath); err != nil {
			p.log.Warn("analyzer", zap.String("proposal", prop.ID), zap.Error(err))
		} else {
			eval.Geometry = &g
		}
		if s.PreviousArtifactPath != "" {
			if d, err := p.collab.Analyzer.Diff(ctx, res.ArtifactPath, s.PreviousArtifactPath); err != nil {
				p.log.Warn("geometric diff", zap.String("proposal", prop.ID), zap.Error(err))
			} else {
				eval.GeometricDiff = &d
			}
		}
	}
	if p.collab.DFM != nil {
		if rep, err := p.collab.DFM.Check(ctx, res.ArtifactPath); err != nil {
			p.log.Warn("dfm check", zap.String("proposal", prop.ID), zap.Error(err))
		} else {
			eval.DFMIssues = rep.Issues
			eval.DFMReport = map[string]any{
				"build_volume_exceeded": rep.BuildVolumeExceeded,
			}
			for k, v := range rep.Details {
				eval.DFMReport[k] = v
			}
		}
	}
	if p.collab.FEA != nil {
		if risk, err := p.collab.FEA.Assess(ctx, res.ArtifactPath); err != nil {
			p.log.Warn("fea assess", zap.String("proposal", prop.ID), zap.Error(err))
		} else {
			eval.RiskLevel = risk.Level
			eval.RiskScore = risk.Score
		}
	}
	if p.collab.Renderer != nil {
		if imgs, err := p.collab.Renderer.Render(ctx, res.ArtifactPath); err != nil {
			p.log.Warn("render", zap.String("proposal", prop.ID), zap.Error(err))
		} else {
			eval.ImagePaths = imgs
		}
	}
	return eval
}

// routeDebate skips the critique phase when disabled or pointless.
func (p *Pipeline) routeDebate(s State) string {
	round := s.Record.CurrentRound()
	if p.cfg.Debate() && round != nil && len(round.ValidProposals()) > 1 {
		return nodeFanOutCritiques
	}
	return nodeFanOutFidelity
}

func (p *Pipeline) nodeFanOutCritiques(ctx context.Context, s State) (graph.NodeResult, error) {
	valid := 0
	if round := s.Record.CurrentRound(); round != nil {
		valid = len(round.ValidProposals())
	}
	return graph.NodeResult{Delta: graph.Delta{
		KeyStatus: StatusDebating,
		KeyEvents: []graph.Event{graph.NewEvent("debate:running", map[string]any{
			"proposals": valid,
			"critics":   len(p.cfg.ProposalAgents),
		})},
	}}, nil
}

// sendsCritiques schedules peers x proposals excluding self-critique,
// plus one judge-as-critic pass per valid proposal.
func (p *Pipeline) sendsCritiques(s State) []graph.Send {
	round := s.Record.CurrentRound()
	if round == nil {
		return nil
	}
	var out []graph.Send
	for _, prop := range round.ValidProposals() {
		for _, model := range p.cfg.Models() {
			if model == prop.Model {
				continue
			}
			out = append(out, graph.Send{
				Node:    nodeCritiqueWorker,
				Overlay: graph.Delta{KeyWorkerModel: model, KeyWorkerTarget: prop.ID},
			})
		}
		out = append(out, graph.Send{
			Node:    nodeCritiqueWorker,
			Overlay: graph.Delta{KeyWorkerModel: p.cfg.JudgeModel, KeyWorkerTarget: prop.ID},
		})
	}
	return out
}

type critiqueReply struct {
	Strengths        []string `json:"strengths"`
	Weaknesses       []string `json:"weaknesses"`
	SuggestedFixes   []string `json:"suggested_fixes"`
	FidelityConcerns []string `json:"fidelity_concerns"`
}

func (p *Pipeline) nodeCritiqueWorker(ctx context.Context, s State) (graph.NodeResult, error) {
	target, ok := findProposal(s, s.WorkerTarget)
	if !ok {
		return graph.NodeResult{}, nil
	}
	resp := p.llm.Call(ctx, llm.Request{
		Model:    s.WorkerModel,
		System:   criticSystem,
		Messages: []llm.Message{llm.UserText(buildCriticPrompt(s, target))},
	})

	var parsed critiqueReply
	ExtractJSON(resp.Text(), &parsed)
	crit := Critique{
		CriticModel:      s.WorkerModel,
		TargetProposalID: target.ID,
		Strengths:        parsed.Strengths,
		Weaknesses:       parsed.Weaknesses,
		SuggestedFixes:   parsed.SuggestedFixes,
		FidelityConcerns: parsed.FidelityConcerns,
	}
	return graph.NodeResult{Delta: graph.Delta{
		KeyCritiques: []Critique{crit},
	}}, nil
}

// nodeCollectCritiques attaches each critique to its target proposal.
func (p *Pipeline) nodeCollectCritiques(ctx context.Context, s State) (graph.NodeResult, error) {
	rounds := cloneRounds(s.Record.Rounds)
	round := &rounds[len(rounds)-1]
	byTarget := map[string][]Critique{}
	for _, c := range s.Critiques {
		byTarget[c.TargetProposalID] = append(byTarget[c.TargetProposalID], c)
	}
	for i := range round.Proposals {
		if cs, ok := byTarget[round.Proposals[i].ID]; ok {
			crits := append([]Critique(nil), cs...)
			sort.SliceStable(crits, func(a, b int) bool { return crits[a].CriticModel < crits[b].CriticModel })
			round.Proposals[i].Critiques = crits
		}
	}
	return graph.NodeResult{Delta: graph.Delta{
		KeyRounds: rounds,
		KeyEvents: []graph.Event{graph.NewEvent("debate:completed", map[string]any{
			"critiques": len(s.Critiques),
		})},
	}}, nil
}

func (p *Pipeline) nodeFanOutFidelity(ctx context.Context, s State) (graph.NodeResult, error) {
	return graph.NodeResult{Delta: graph.Delta{
		KeyStatus: StatusJudging,
	}}, nil
}

// sendsFidelity schedules one scoring pass per valid proposal.
func (p *Pipeline) sendsFidelity(s State) []graph.Send {
	round := s.Record.CurrentRound()
	if round == nil {
		return nil
	}
	var out []graph.Send
	for _, prop := range round.ValidProposals() {
		out = append(out, graph.Send{
			Node:    nodeFidelityWorker,
			Overlay: graph.Delta{KeyWorkerTarget: prop.ID},
		})
	}
	return out
}

type judgeReply struct {
	LLMScore               float64 `json:"llm_score"`
	TextSimilarity         float64 `json:"text_similarity"`
	GeometricAccuracy      float64 `json:"geometric_accuracy"`
	ManufacturingViability float64 `json:"manufacturing_viability"`
	Reasoning              string  `json:"reasoning"`
}

// nodeFidelityWorker blends the deterministic score with the judge
// model's assessment. A judge reply that fails to parse scores 50 with
// the raw text as reasoning.
func (p *Pipeline) nodeFidelityWorker(ctx context.Context, s State) (graph.NodeResult, error) {
	target, ok := findProposal(s, s.WorkerTarget)
	if !ok {
		return graph.NodeResult{}, nil
	}
	breakdown := ScoreAlgorithmic(target.SandboxEval, s.Record.Constraints.CriticalDimensions)

	resp := p.llm.Call(ctx, llm.Request{
		Model:    p.cfg.JudgeModel,
		System:   judgeSystem,
		Messages: []llm.Message{llm.UserText(buildJudgePrompt(s, target, breakdown))},
	})
	reply := resp.Text()

	parsed := judgeReply{LLMScore: 50, Reasoning: reply}
	ExtractJSON(reply, &parsed)

	blended := BlendScores(breakdown.Overall, parsed.LLMScore)
	score := FidelityScore{
		ProposalID:             target.ID,
		AlgorithmicScore:       breakdown.Overall,
		LLMScore:               parsed.LLMScore,
		BlendedScore:           blended,
		TextSimilarity:         parsed.TextSimilarity,
		GeometricAccuracy:      parsed.GeometricAccuracy,
		ManufacturingViability: parsed.ManufacturingViability,
		Reasoning:              parsed.Reasoning,
		Passed:                 blended >= p.cfg.Threshold(),
	}
	return graph.NodeResult{Delta: graph.Delta{
		KeyFidelityResults: []FidelityScore{score},
		KeyEvents: []graph.Event{graph.NewEvent("fidelity:settled", map[string]any{
			"proposal_id": score.ProposalID,
			"blended":     score.BlendedScore,
			"passed":      score.Passed,
		})},
	}}, nil
}

// nodeCollectFidelity attaches scores to proposals and snapshots the
// round's scoring history.
func (p *Pipeline) nodeCollectFidelity(ctx context.Context, s State) (graph.NodeResult, error) {
	rounds := cloneRounds(s.Record.Rounds)
	round := &rounds[len(rounds)-1]
	byID := map[string]FidelityScore{}
	for _, f := range s.FidelityResults {
		byID[f.ProposalID] = f
	}
	for i := range round.Proposals {
		if f, ok := byID[round.Proposals[i].ID]; ok {
			fc := f
			round.Proposals[i].Fidelity = &fc
		}
	}

	snapshot := append([]FidelityScore(nil), s.FidelityResults...)
	sort.SliceStable(snapshot, func(i, j int) bool { return snapshot[i].ProposalID < snapshot[j].ProposalID })

	return graph.NodeResult{Delta: graph.Delta{
		KeyRounds: rounds,
		KeyScoreHistory: []ScoreSnapshot{{
			Round:  s.CurrentRound,
			Scores: snapshot,
		}},
	}}, nil
}

// findProposal resolves a worker's target id in the current round.
func findProposal(s State, id string) (Proposal, bool) {
	round := s.Record.CurrentRound()
	if round == nil || id == "" {
		return Proposal{}, false
	}
	for _, prop := range round.Proposals {
		if prop.ID == id {
			return prop, true
		}
	}
	return Proposal{}, false
}
