package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
)

// maxToolTurns caps the proposer's agentic loop. Hard budget; the loop
// also ends on the first reply with no tool call.
const maxToolTurns = 10

const sandboxToolName = "run_sandbox"

const sandboxToolSchema = `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "output_name": {"type": "string"}
  },
  "additionalProperties": false
}`

var compiledSandboxToolSchema = jsonschema.MustCompileString("run_sandbox.schema.json", sandboxToolSchema)

func sandboxToolDefinition() llm.ToolDefinition {
	var schema map[string]any
	_ = json.Unmarshal([]byte(sandboxToolSchema), &schema)
	return llm.ToolDefinition{
		Name:        sandboxToolName,
		Description: "Execute CAD code in the sandbox and report whether it produced an artifact.",
		InputSchema: schema,
	}
}

// nodeProposeWorker is the fan-out target for one competing model. It
// runs the bounded tool loop, keeps the last code submitted through the
// sandbox tool, and settles a Proposal into the fan-in accumulator.
func (p *Pipeline) nodeProposeWorker(ctx context.Context, s State) (graph.NodeResult, error) {
	model := s.WorkerModel
	prop := Proposal{
		ID:        NewProposalID(),
		Model:     model,
		Status:    ProposalGenerating,
		CreatedAt: time.Now().UTC(),
	}

	messages := []llm.Message{llm.UserText(buildProposerPrompt(s))}
	tools := []llm.ToolDefinition{sandboxToolDefinition()}
	var lastCode string

	for turn := 0; turn < maxToolTurns; turn++ {
		resp := p.llm.Call(ctx, llm.Request{
			Model:    model,
			System:   proposerSystem,
			Messages: messages,
			Tools:    tools,
		})
		if llm.IsErrorReply(resp) {
			prop.Reasoning = resp.Text()
			break
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		uses := resp.ToolUses()
		if len(uses) == 0 {
			prop.Reasoning = resp.Text()
			break
		}

		var results []llm.ContentBlock
		for _, use := range uses {
			result, code := p.runSandboxTool(ctx, use)
			if code != "" {
				lastCode = code
			}
			results = append(results, result)
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: results})
	}

	prop.Code = lastCode
	if prop.Code != "" {
		prop.Status = ProposalCompleted
	} else {
		prop.Status = ProposalFailed
		if prop.Reasoning == "" {
			prop.Reasoning = "no code submitted through the sandbox tool"
		}
	}

	return graph.NodeResult{Delta: graph.Delta{
		KeyProposalResults: []Proposal{prop},
		KeyEvents: []graph.Event{graph.NewEvent("proposal:settled", map[string]any{
			"id":     prop.ID,
			"model":  prop.Model,
			"status": prop.Status,
		})},
	}}, nil
}

// runSandboxTool validates the tool arguments against the schema and
// executes the sandbox. It returns the tool_result block for the model
// plus the submitted code (empty when the call was malformed).
func (p *Pipeline) runSandboxTool(ctx context.Context, use llm.ContentBlock) (llm.ContentBlock, string) {
	fail := func(msg string) llm.ContentBlock {
		return llm.ContentBlock{
			Type:      llm.BlockToolResult,
			ToolUseID: use.ID,
			Content:   msg,
			IsError:   true,
		}
	}
	if use.Name != sandboxToolName {
		return fail(fmt.Sprintf("unknown tool %q", use.Name)), ""
	}
	if err := compiledSandboxToolSchema.Validate(normalizeJSON(use.Input)); err != nil {
		return fail(fmt.Sprintf("invalid arguments: %v", err)), ""
	}
	code, _ := use.Input["code"].(string)
	outputName, _ := use.Input["output_name"].(string)

	res, err := p.collab.Sandbox.Execute(ctx, code, outputName)
	if err != nil {
		return fail(fmt.Sprintf("sandbox unavailable: %v", err)), code
	}
	summary, _ := json.Marshal(res)
	return llm.ContentBlock{
		Type:      llm.BlockToolResult,
		ToolUseID: use.ID,
		Content:   string(summary),
		IsError:   !res.Success,
	}, code
}

// normalizeJSON round-trips a value through encoding/json so the schema
// validator sees canonical types (float64, map[string]any).
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// nodeCollectProposals drains the fan-in accumulator into the current
// round. Models that never settled (stage deadline) get a synthetic
// failed proposal so the round always accounts for every agent.
func (p *Pipeline) nodeCollectProposals(ctx context.Context, s State) (graph.NodeResult, error) {
	proposals := append([]Proposal(nil), s.ProposalResults...)

	settled := map[string]bool{}
	for _, prop := range proposals {
		settled[prop.Model] = true
	}
	for _, model := range p.cfg.Models() {
		if !settled[model] {
			proposals = append(proposals, Proposal{
				ID:        NewProposalID(),
				Model:     model,
				Status:    ProposalFailed,
				Reasoning: "worker did not complete before the stage deadline",
				CreatedAt: time.Now().UTC(),
			})
		}
	}
	// Accumulator order is completion order; fix it for determinism.
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ID < proposals[j].ID })

	rounds := cloneRounds(s.Record.Rounds)
	rounds[len(rounds)-1].Proposals = proposals

	delta := graph.Delta{KeyRounds: rounds}
	valid := 0
	for _, prop := range proposals {
		if prop.Valid() {
			valid++
		}
	}
	if valid == 0 {
		delta[KeyFailureReason] = "no valid proposals"
	}
	return graph.NodeResult{Delta: delta}, nil
}

// routeValidity gates on at least one valid proposal.
func (p *Pipeline) routeValidity(s State) string {
	if round := s.Record.CurrentRound(); round != nil && len(round.ValidProposals()) > 0 {
		return nodeSandboxEval
	}
	return nodeFinalizeFailed
}
