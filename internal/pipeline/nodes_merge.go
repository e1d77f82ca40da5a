package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
	"github.com/danshapiro/crucible/internal/ports"
)

// MergedWinnerID marks a synthesized winner that belongs to no single
// proposal.
const MergedWinnerID = "merged"

type mergerReply struct {
	Decision           string `json:"decision"`
	SelectedProposalID string `json:"selected_proposal_id"`
	MergedCode         string `json:"merged_code"`
	Reasoning          string `json:"reasoning"`
}

// nodeMerge selects or synthesizes the round winner. With a single
// passing proposal the merger model is bypassed entirely.
func (p *Pipeline) nodeMerge(ctx context.Context, s State) (graph.NodeResult, error) {
	rounds := cloneRounds(s.Record.Rounds)
	round := &rounds[len(rounds)-1]

	events := []graph.Event{graph.NewEvent("merger:running", map[string]any{
		"round": round.RoundNumber,
	})}

	passing := passingProposals(round.Proposals)
	delta := graph.Delta{
		KeyStatus: StatusMerging,
		KeyRounds: rounds,
	}

	switch len(passing) {
	case 0:
		p.mergeNoWinner(s, round, delta, &events)

	case 1:
		p.mergeSelect(round, passing[0].ID, delta, &events)

	default:
		resp := p.llm.Call(ctx, llm.Request{
			Model:    p.cfg.MergerModel,
			System:   mergerSystem,
			Messages: []llm.Message{llm.UserText(buildMergerPrompt(s, passing))},
		})
		var parsed mergerReply
		okParse := ExtractJSON(resp.Text(), &parsed)

		switch {
		case okParse && parsed.Decision == "merge" && parsed.MergedCode != "":
			round.WinnerID = MergedWinnerID
			round.MergedCode = parsed.MergedCode
			delta[KeyWinnerID] = MergedWinnerID
			delta[KeyWinnerModel] = MergedWinnerID
			delta[KeyWinnerCode] = parsed.MergedCode
			events = append(events, graph.NewEvent("merger:completed", map[string]any{
				"winner_id": MergedWinnerID,
				"decision":  "merge",
			}))
		case okParse && parsed.Decision == "select" && hasProposal(passing, parsed.SelectedProposalID):
			p.mergeSelect(round, parsed.SelectedProposalID, delta, &events)
		default:
			// Unknown id or unparseable reply: highest blended score wins,
			// ties break on the lexicographically lower id.
			p.mergeSelect(round, bestProposalID(passing), delta, &events)
		}
	}

	delta[KeyVersionHistory] = []VersionEntry{versionEntryFor(round)}
	delta[KeyEvents] = events
	return graph.NodeResult{Delta: delta}, nil
}

func (p *Pipeline) mergeNoWinner(s State, round *Round, delta graph.Delta, events *[]graph.Event) {
	var feedback []string
	for i := range round.Proposals {
		prop := &round.Proposals[i]
		if prop.Status != ProposalCompleted {
			continue
		}
		prop.Status = ProposalRejected
		if prop.Fidelity != nil && prop.Fidelity.Reasoning != "" {
			feedback = append(feedback, prop.Fidelity.Reasoning)
		}
		for _, c := range prop.Critiques {
			feedback = append(feedback, c.Weaknesses...)
		}
	}
	if len(feedback) > 0 {
		delta[KeyFeedback] = feedback
	}
	*events = append(*events, graph.NewEvent("merger:no_winner", map[string]any{
		"round": round.RoundNumber,
	}))
	if s.CurrentRound >= p.cfg.MaxRounds {
		delta[KeyFailureReason] = fmt.Sprintf(
			"no passing proposal: round budget exhausted (max_rounds=%d, threshold=%g)",
			p.cfg.MaxRounds, p.cfg.Threshold())
	}
}

func (p *Pipeline) mergeSelect(round *Round, winnerID string, delta graph.Delta, events *[]graph.Event) {
	for i := range round.Proposals {
		prop := &round.Proposals[i]
		if prop.ID != winnerID {
			continue
		}
		prop.Status = ProposalSelected
		round.WinnerID = prop.ID
		delta[KeyWinnerID] = prop.ID
		delta[KeyWinnerModel] = prop.Model
		delta[KeyWinnerCode] = prop.Code
		if prop.SandboxEval != nil && prop.SandboxEval.ArtifactPath != "" {
			delta[KeyPreviousArtifact] = prop.SandboxEval.ArtifactPath
		}
		*events = append(*events, graph.NewEvent("merger:completed", map[string]any{
			"winner_id": prop.ID,
			"model":     prop.Model,
			"decision":  "select",
		}))
		return
	}
}

func passingProposals(props []Proposal) []Proposal {
	var out []Proposal
	for _, p := range props {
		if p.Status == ProposalCompleted && p.Fidelity != nil && p.Fidelity.Passed {
			out = append(out, p)
		}
	}
	return out
}

func hasProposal(props []Proposal, id string) bool {
	for _, p := range props {
		if p.ID == id {
			return true
		}
	}
	return false
}

// bestProposalID picks the highest blended score; ties go to the lower
// id lexicographically so selection is deterministic.
func bestProposalID(props []Proposal) string {
	sorted := append([]Proposal(nil), props...)
	sort.SliceStable(sorted, func(i, j int) bool {
		bi, bj := sorted[i].Fidelity.BlendedScore, sorted[j].Fidelity.BlendedScore
		if bi != bj {
			return bi > bj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0].ID
}

func versionEntryFor(round *Round) VersionEntry {
	entry := VersionEntry{
		Round:    round.RoundNumber,
		WinnerID: round.WinnerID,
	}
	for _, p := range round.Proposals {
		entry.ProposalCount++
		if p.Fidelity != nil {
			entry.Scores = append(entry.Scores, ProposalScore{
				ProposalID: p.ID,
				Model:      p.Model,
				Blended:    p.Fidelity.BlendedScore,
			})
			if p.Fidelity.Passed {
				entry.PassingCount++
			}
		}
	}
	sort.SliceStable(entry.Scores, func(i, j int) bool {
		return entry.Scores[i].ProposalID < entry.Scores[j].ProposalID
	})
	return entry
}

// routeAfterMerge decides between approval, learning, another round, or
// terminal failure.
func (p *Pipeline) routeAfterMerge(s State) string {
	if s.WinnerCode != "" {
		if p.cfg.HumanApprovalRequired {
			return nodeHumanApproval
		}
		return nodeLearn
	}
	if s.CurrentRound < p.cfg.MaxRounds {
		return nodePrepareRound
	}
	return nodeFinalizeFailed
}

// nodeHumanApproval suspends the run until an external reviewer replies.
// First entry emits the request and interrupts; the resumed entry reads
// the reply from context and routes on the verdict.
func (p *Pipeline) nodeHumanApproval(ctx context.Context, s State) (graph.NodeResult, error) {
	reply, resumed := graph.ReplyFromContext(ctx)
	if !resumed {
		payload := map[string]any{
			"design_id":     s.Record.ID,
			"winner_id":     s.WinnerID,
			"code":          s.WinnerCode,
			"artifact_path": s.PreviousArtifactPath,
		}
		return graph.NodeResult{
			Delta: graph.Delta{
				KeyStatus: StatusAwaitingApproval,
				KeyEvents: []graph.Event{graph.NewEvent("approval:requested", payload)},
			},
			Interrupt: &graph.Interrupt{Payload: payload},
		}, nil
	}

	approved, _ := reply["approved"].(bool)
	feedback, _ := reply["feedback"].(string)

	rounds := cloneRounds(s.Record.Rounds)
	rounds[len(rounds)-1].HumanApproved = &approved

	delta := graph.Delta{
		KeyHumanApproved: approved,
		KeyRounds:        rounds,
		KeyEvents: []graph.Event{graph.NewEvent("approval:response", map[string]any{
			"approved": approved,
			"feedback": feedback,
		})},
	}
	if !approved {
		delta[KeyFailureReason] = fmt.Sprintf("rejected by human reviewer: %s", feedback)
		// The code existed and was rejected; keep it on the record.
		delta[KeyFinalCode] = s.WinnerCode
	}
	return graph.NodeResult{Delta: delta}, nil
}

func (p *Pipeline) routeApproval(s State) string {
	if s.HumanApproved != nil && *s.HumanApproved {
		return nodeLearn
	}
	return nodeFinalizeFailed
}

// nodeLearn extracts patterns from the finished competition. Malformed
// learner output is recorded as a failure event and otherwise ignored.
func (p *Pipeline) nodeLearn(ctx context.Context, s State) (graph.NodeResult, error) {
	events := []graph.Event{graph.NewEvent("learning:running", map[string]any{
		"model": p.cfg.SupervisorModel,
	})}

	resp := p.llm.Call(ctx, llm.Request{
		Model:    p.cfg.SupervisorModel,
		System:   learnerSystem,
		Messages: []llm.Message{llm.UserText(buildLearnerPrompt(s))},
	})

	delta := graph.Delta{KeyStatus: StatusLearning}
	var learned map[string]any
	if ExtractJSON(resp.Text(), &learned) && len(learned) > 0 {
		delta[KeyLearnerData] = learned
	} else {
		events = append(events, graph.NewEvent("learning:failed", map[string]any{
			"stage": "learn",
		}))
	}
	delta[KeyEvents] = events
	return graph.NodeResult{Delta: delta}, nil
}

// nodeVaultIndex pushes learning chunks into the knowledge vault.
// Best-effort: indexing failure never blocks completion.
func (p *Pipeline) nodeVaultIndex(ctx context.Context, s State) (graph.NodeResult, error) {
	chunks := buildLearningChunks(s)
	var events []graph.Event
	if p.collab.Vault == nil || len(chunks) == 0 {
		return graph.NodeResult{}, nil
	}
	if err := p.collab.Vault.Index(ctx, chunks); err != nil {
		p.log.Warn("vault index", zap.String("design", s.Record.ID), zap.Error(err))
		events = append(events, graph.NewEvent("learning:failed", map[string]any{
			"stage": "vault_index",
			"error": err.Error(),
		}))
	} else {
		events = append(events, graph.NewEvent("learning:completed", map[string]any{
			"chunks": len(chunks),
		}))
	}
	return graph.NodeResult{Delta: graph.Delta{KeyEvents: events}}, nil
}

// buildLearningChunks distills the design record into indexable units:
// the winning code, each failed attempt with its error, the critique
// feedback from refined rounds, and a prompt-to-geometry summary.
func buildLearningChunks(s State) []ports.Chunk {
	var chunks []ports.Chunk
	if s.WinnerCode != "" {
		chunks = append(chunks, ports.Chunk{
			Kind: "winning_code",
			Text: s.WinnerCode,
			Meta: map[string]any{
				"design_id": s.Record.ID,
				"winner_id": s.WinnerID,
				"model":     s.WinnerModel,
			},
		})
	}
	for _, round := range s.Record.Rounds {
		for _, prop := range round.Proposals {
			if prop.Status == ProposalFailed && prop.Reasoning != "" {
				chunks = append(chunks, ports.Chunk{
					Kind: "failed_attempt",
					Text: prop.Reasoning,
					Meta: map[string]any{"round": round.RoundNumber, "model": prop.Model},
				})
			}
			if round.RoundNumber > 1 {
				for _, c := range prop.Critiques {
					if len(c.Weaknesses) > 0 {
						chunks = append(chunks, ports.Chunk{
							Kind: "critique",
							Text: strings.Join(c.Weaknesses, "; "),
							Meta: map[string]any{"round": round.RoundNumber, "critic": c.CriticModel},
						})
					}
				}
			}
		}
	}
	chunks = append(chunks, ports.Chunk{
		Kind: "summary",
		Text: fmt.Sprintf("request: %s\nspecification: %s", s.Record.Prompt, s.Record.Specification),
		Meta: map[string]any{"design_id": s.Record.ID},
	})
	return chunks
}

// nodeFinalizeSuccess seals a completed design.
func (p *Pipeline) nodeFinalizeSuccess(ctx context.Context, s State) (graph.NodeResult, error) {
	text := fmt.Sprintf("design %s completed in round %d; winner %s (%s)",
		s.Record.ID, s.CurrentRound, s.WinnerID, s.WinnerModel)
	return graph.NodeResult{
		Delta: graph.Delta{
			KeyStatus:        StatusCompleted,
			KeyFinalCode:     s.WinnerCode,
			KeyFinalArtifact: s.PreviousArtifactPath,
			KeyEvents: []graph.Event{
				graph.NewEvent("status:completed", map[string]any{"design_id": s.Record.ID}),
				graph.NewEvent("completion", map[string]any{
					"text":          text,
					"artifact_path": s.PreviousArtifactPath,
				}),
				graph.NewEvent("done", nil),
			},
		},
		Terminal: true,
	}, nil
}

// nodeFinalizeFailed seals a failed design with its reason.
func (p *Pipeline) nodeFinalizeFailed(ctx context.Context, s State) (graph.NodeResult, error) {
	reason := s.FailureReason
	if reason == "" {
		reason = "pipeline failed"
	}
	text := fmt.Sprintf("design %s failed: %s", s.Record.ID, reason)
	return graph.NodeResult{
		Delta: graph.Delta{
			KeyStatus: StatusFailed,
			KeyEvents: []graph.Event{
				graph.NewEvent("status:failed", map[string]any{
					"design_id": s.Record.ID,
					"reason":    reason,
				}),
				graph.NewEvent("completion", map[string]any{
					"text":   text,
					"reason": reason,
				}),
				graph.NewEvent("done", nil),
			},
		},
		Terminal: true,
	}, nil
}
