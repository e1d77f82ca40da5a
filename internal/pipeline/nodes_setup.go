package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
)

func (p *Pipeline) nodeInit(ctx context.Context, s State) (graph.NodeResult, error) {
	return graph.NodeResult{Delta: graph.Delta{
		KeyEvents: []graph.Event{graph.NewEvent("status:started", map[string]any{
			"design_id": s.Record.ID,
			"prompt":    s.Record.Prompt,
		})},
	}}, nil
}

// nodeLoadContext pulls prior knowledge from the vault. Vault failure is
// a warning; the pipeline runs fine without context.
func (p *Pipeline) nodeLoadContext(ctx context.Context, s State) (graph.NodeResult, error) {
	if p.collab.Vault == nil {
		return graph.NodeResult{}, nil
	}
	hits, err := p.collab.Vault.Search(ctx, s.Record.Prompt, 3)
	if err != nil {
		p.log.Warn("vault search", zap.String("design", s.Record.ID), zap.Error(err))
		return graph.NodeResult{}, nil
	}
	if len(hits) == 0 {
		return graph.NodeResult{}, nil
	}
	var parts []string
	for _, h := range hits {
		parts = append(parts, h.Text)
	}
	return graph.NodeResult{Delta: graph.Delta{
		KeyKBContext: strings.Join(parts, "\n---\n"),
	}}, nil
}

type supervisorReply struct {
	Specification      string             `json:"specification"`
	KeyConstraints     []string           `json:"key_constraints"`
	CriticalDimensions map[string]float64 `json:"critical_dimensions"`
	ManufacturingNotes []string           `json:"manufacturing_notes"`
}

// nodeSupervise turns the raw request into the golden specification. A
// reply that fails to parse becomes the specification verbatim with empty
// constraints; the pipeline proceeds either way.
func (p *Pipeline) nodeSupervise(ctx context.Context, s State) (graph.NodeResult, error) {
	running := graph.NewEvent("supervisor:running", map[string]any{
		"model": p.cfg.SupervisorModel,
	})

	resp := p.llm.Call(ctx, llm.Request{
		Model:    p.cfg.SupervisorModel,
		System:   supervisorSystem,
		Messages: []llm.Message{llm.UserText(buildSupervisorPrompt(s.Record.Prompt, s.KBContext))},
	})
	reply := resp.Text()

	var parsed supervisorReply
	spec := reply
	var constraints Constraints
	if ExtractJSON(reply, &parsed) && parsed.Specification != "" {
		spec = parsed.Specification
		constraints = Constraints{
			KeyConstraints:     parsed.KeyConstraints,
			CriticalDimensions: parsed.CriticalDimensions,
			ManufacturingNotes: parsed.ManufacturingNotes,
		}
	}

	completed := graph.NewEvent("supervisor:completed", map[string]any{
		"spec_length":      len(spec),
		"constraint_count": len(constraints.KeyConstraints),
	})
	return graph.NodeResult{Delta: graph.Delta{
		KeyStatus:        StatusSupervising,
		KeySpecification: spec,
		KeyConstraints:   constraints,
		KeyEvents:        []graph.Event{running, completed},
	}}, nil
}

// nodePrepareRound opens the next iteration: bumps the round counter,
// appends the round shell, clears the round-scoped accumulators.
func (p *Pipeline) nodePrepareRound(ctx context.Context, s State) (graph.NodeResult, error) {
	round := s.CurrentRound + 1
	rounds := append(cloneRounds(s.Record.Rounds), Round{RoundNumber: round})
	return graph.NodeResult{Delta: graph.Delta{
		KeyCurrentRound: round,
		KeyRounds:       rounds,
		KeyResetRound:   true,
		KeyStatus:       StatusProposing,
		KeyEvents: []graph.Event{graph.NewEvent("round:started", map[string]any{
			"round":      round,
			"max_rounds": p.cfg.MaxRounds,
		})},
	}}, nil
}

// sendsProposals fans one worker invocation out per configured agent.
func (p *Pipeline) sendsProposals(s State) []graph.Send {
	out := make([]graph.Send, 0, len(p.cfg.ProposalAgents))
	for _, agent := range p.cfg.ProposalAgents {
		out = append(out, graph.Send{
			Node:    nodeProposeWorker,
			Overlay: graph.Delta{KeyWorkerModel: agent.Model},
		})
	}
	return out
}

func cloneRounds(rs []Round) []Round {
	out := make([]Round, len(rs))
	for i, r := range rs {
		out[i] = cloneRound(r)
	}
	return out
}
