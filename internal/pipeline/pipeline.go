package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
	"github.com/danshapiro/crucible/internal/ports"
	"github.com/danshapiro/crucible/internal/store"
)

// Node identifiers. The graph is declared once in BuildGraph and
// validated before any execution.
const (
	nodeInit            = "init"
	nodeLoadContext     = "load_context"
	nodeSupervise       = "supervise"
	nodePrepareRound    = "prepare_round"
	nodeProposeWorker   = "propose_worker"
	nodeCollectProposal = "collect_proposals"
	nodeSandboxEval     = "sandbox_eval"
	nodeFanOutCritiques = "fan_out_critiques"
	nodeCritiqueWorker  = "critique_worker"
	nodeCollectCritique = "collect_critiques"
	nodeFanOutFidelity  = "fan_out_fidelity"
	nodeFidelityWorker  = "fidelity_worker"
	nodeCollectFidelity = "collect_fidelity"
	nodeMerge           = "merge"
	nodeHumanApproval   = "human_approval"
	nodeLearn           = "learn"
	nodeVaultIndex      = "vault_index"
	nodeFinalizeSuccess = "finalize_success"
	nodeFinalizeFailed  = "finalize_failed"
)

// Collaborators bundles the external ports one pipeline consumes.
type Collaborators struct {
	Sandbox  ports.Sandbox
	Analyzer ports.Analyzer
	DFM      ports.DFM
	FEA      ports.FEA
	Renderer ports.Renderer
	Vault    ports.Vault
}

// Pipeline drives one or more designs through the competitive loop. It is
// safe for concurrent Run calls with distinct design ids.
type Pipeline struct {
	cfg    Config
	llm    *llm.Client
	collab Collaborators
	store  store.Store
	exec   *graph.Executor[State]
	log    *zap.Logger
}

// Options carries the optional knobs of New.
type Options struct {
	Emitter graph.Emitter
	Logger  *zap.Logger
}

// New validates the config, builds the graph, and wires the executor.
func New(cfg Config, client *llm.Client, collab Collaborators, st store.Store, ckpt graph.Checkpointer[State], opts Options) (*Pipeline, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:    cfg,
		llm:    client,
		collab: collab,
		store:  st,
		log:    opts.Logger,
	}
	exec, err := graph.NewExecutor(p.BuildGraph(), graph.Config[State]{
		Apply:        Apply,
		Clone:        Clone,
		Events:       EventsOf,
		MaxWorkers:   cfg.PoolSize,
		StageTimeout: cfg.StageTimeout,
	}, ckpt, opts.Emitter)
	if err != nil {
		return nil, err
	}
	exec.OnStep = p.persistRecord
	p.exec = exec
	return p, nil
}

// BuildGraph declares the pipeline graph. Every edge is declared exactly
// once; Validate rejects duplicates, dangling targets and unreachable
// nodes at construction time.
func (p *Pipeline) BuildGraph() *graph.Graph[State] {
	g := graph.New[State]()

	g.AddNode(nodeInit, p.nodeInit).
		AddNode(nodeLoadContext, p.nodeLoadContext).
		AddNode(nodeSupervise, p.nodeSupervise).
		AddNode(nodePrepareRound, p.nodePrepareRound).
		AddNode(nodeProposeWorker, p.nodeProposeWorker).
		AddNode(nodeCollectProposal, p.nodeCollectProposals).
		AddNode(nodeSandboxEval, p.nodeSandboxEval).
		AddNode(nodeFanOutCritiques, p.nodeFanOutCritiques).
		AddNode(nodeCritiqueWorker, p.nodeCritiqueWorker).
		AddNode(nodeCollectCritique, p.nodeCollectCritiques).
		AddNode(nodeFanOutFidelity, p.nodeFanOutFidelity).
		AddNode(nodeFidelityWorker, p.nodeFidelityWorker).
		AddNode(nodeCollectFidelity, p.nodeCollectFidelity).
		AddNode(nodeMerge, p.nodeMerge).
		AddNode(nodeHumanApproval, p.nodeHumanApproval).
		AddNode(nodeLearn, p.nodeLearn).
		AddNode(nodeVaultIndex, p.nodeVaultIndex).
		AddNode(nodeFinalizeSuccess, p.nodeFinalizeSuccess).
		AddNode(nodeFinalizeFailed, p.nodeFinalizeFailed)

	g.Entry(nodeInit).
		Edge(nodeInit, nodeLoadContext).
		Edge(nodeLoadContext, nodeSupervise).
		Edge(nodeSupervise, nodePrepareRound).
		FanOutEdge(nodePrepareRound, nodeProposeWorker, p.sendsProposals, nodeCollectProposal).
		ConditionalEdge(nodeCollectProposal, p.routeValidity, nodeSandboxEval, nodeFinalizeFailed).
		ConditionalEdge(nodeSandboxEval, p.routeDebate, nodeFanOutCritiques, nodeFanOutFidelity).
		FanOutEdge(nodeFanOutCritiques, nodeCritiqueWorker, p.sendsCritiques, nodeCollectCritique).
		Edge(nodeCollectCritique, nodeFanOutFidelity).
		FanOutEdge(nodeFanOutFidelity, nodeFidelityWorker, p.sendsFidelity, nodeCollectFidelity).
		Edge(nodeCollectFidelity, nodeMerge).
		ConditionalEdge(nodeMerge, p.routeAfterMerge,
			nodeHumanApproval, nodeLearn, nodePrepareRound, nodeFinalizeFailed).
		ConditionalEdge(nodeHumanApproval, p.routeApproval, nodeLearn, nodeFinalizeFailed).
		Edge(nodeLearn, nodeVaultIndex).
		Edge(nodeVaultIndex, nodeFinalizeSuccess)

	return g
}

// NewInitialState builds the draft state for a fresh design. The record
// id doubles as the executor thread id.
func NewInitialState(prompt string) State {
	now := time.Now().UTC()
	return State{
		Record: DesignRecord{
			ID:        NewDesignID(),
			Prompt:    prompt,
			Status:    StatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Run executes a fresh design from a user prompt. On interrupt (human
// approval) it returns graph.ErrInterrupted with the suspended state.
func (p *Pipeline) Run(ctx context.Context, prompt string) (State, error) {
	return p.RunInitial(ctx, NewInitialState(prompt))
}

// RunInitial executes a pre-built initial state; callers that need the
// design id before the run starts build the state themselves.
func (p *Pipeline) RunInitial(ctx context.Context, initial State) (State, error) {
	return p.exec.Run(ctx, initial.Record.ID, initial)
}

// Resume continues a suspended or restarted design. For the approval
// interrupt the reply must be {"approved": bool, "feedback": string}.
func (p *Pipeline) Resume(ctx context.Context, designID string, reply map[string]any) (State, error) {
	return p.exec.Resume(ctx, designID, reply)
}

// LoadRecord fetches the persisted record for a design id.
func (p *Pipeline) LoadRecord(ctx context.Context, id string) (DesignRecord, bool) {
	doc, ok := p.store.Load(ctx, id)
	if !ok {
		return DesignRecord{}, false
	}
	var rec DesignRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return DesignRecord{}, false
	}
	return rec, true
}

// ListRecords returns every persisted record, newest first.
func (p *Pipeline) ListRecords(ctx context.Context) ([]DesignRecord, error) {
	docs, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DesignRecord, 0, len(docs))
	for _, doc := range docs {
		var rec DesignRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// persistRecord saves the design record after every executor step. A save
// failure is logged, not fatal; the checkpoint already captured the state.
func (p *Pipeline) persistRecord(ctx context.Context, threadID string, s State) {
	rec := s.Record
	rec.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(rec)
	if err != nil {
		p.log.Warn("marshal design record", zap.String("design", threadID), zap.Error(err))
		return
	}
	if err := p.store.Save(context.WithoutCancel(ctx), rec.ID, doc, rec.UpdatedAt); err != nil {
		p.log.Warn("persist design record", zap.String("design", threadID), zap.Error(err))
	}
}
