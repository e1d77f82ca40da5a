package graph

import (
	"context"
	"errors"
	"fmt"
	rdebug "runtime/debug"
	"time"
)

// ErrInterrupted is returned by Run when a node suspends execution. The
// thread's latest checkpoint records the interrupted node and payload;
// Resume continues from there.
var ErrInterrupted = errors.New("execution interrupted")

// DefaultMaxSteps caps a single run. The pipeline graph is a bounded loop,
// so hitting the cap means a routing bug, not a long run.
const DefaultMaxSteps = 500

type replyKey struct{}

// ReplyFromContext returns the external reply delivered to a node that is
// being re-entered after an interrupt, or ok=false on first entry.
func ReplyFromContext(ctx context.Context) (map[string]any, bool) {
	v, ok := ctx.Value(replyKey{}).(map[string]any)
	return v, ok
}

func withReply(ctx context.Context, reply map[string]any) context.Context {
	return context.WithValue(ctx, replyKey{}, reply)
}

// Config wires the state semantics into the executor. Apply must fold a
// delta with the per-field reducers (overwrite, append, transient) and
// must be associative-commutative for append fields; Clone must produce a
// snapshot no worker can observe mutations through.
type Config[S any] struct {
	Apply func(s S, d Delta) S
	Clone func(s S) S

	// Events extracts the events carried by a delta, in declaration order.
	// Nil means deltas carry no events.
	Events func(d Delta) []Event

	// MaxSteps caps executor steps per run. Zero means DefaultMaxSteps.
	MaxSteps int

	// MaxWorkers bounds concurrent fan-out invocations. Zero means 4.
	MaxWorkers int

	// StageTimeout is the outer deadline for one fan-out stage. On expiry
	// the stage proceeds with whatever workers completed. Zero means 10m.
	StageTimeout time.Duration
}

func (c *Config[S]) applyDefaults() error {
	if c.Apply == nil || c.Clone == nil {
		return fmt.Errorf("executor: Apply and Clone are required")
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 10 * time.Minute
	}
	return nil
}

// Executor evaluates a validated graph step-wise over a typed state value.
// State mutation is single-threaded: reducers are applied one at a time in
// a deterministic order per step, even when workers ran concurrently.
type Executor[S any] struct {
	graph   *Graph[S]
	cfg     Config[S]
	ckpt    Checkpointer[S]
	emitter Emitter

	// OnStep, when set, runs after each checkpoint save with the folded
	// state. The pipeline uses it to persist the design record.
	OnStep func(ctx context.Context, threadID string, s S)
}

// NewExecutor validates the graph and returns an executor over it.
func NewExecutor[S any](g *Graph[S], cfg Config[S], ckpt Checkpointer[S], emitter Emitter) (*Executor[S], error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if ckpt == nil {
		return nil, fmt.Errorf("executor: checkpointer is required")
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Executor[S]{graph: g, cfg: cfg, ckpt: ckpt, emitter: emitter}, nil
}

// Run executes the graph from the entry node. It returns ErrInterrupted
// when a node suspends; any other error is an executor invariant
// violation and the run aborts with no partial result.
func (e *Executor[S]) Run(ctx context.Context, threadID string, initial S) (S, error) {
	return e.runFrom(ctx, threadID, e.graph.entry, initial, 0)
}

// Resume restores the thread's latest checkpoint and continues. If the
// checkpoint records an interrupt, the interrupted node is re-entered with
// reply available via ReplyFromContext. Resume after a terminal checkpoint
// returns the final state unchanged, which makes repeated identical
// replies idempotent.
func (e *Executor[S]) Resume(ctx context.Context, threadID string, reply map[string]any) (S, error) {
	var zero S
	cp, ok, err := e.ckpt.LoadLatest(ctx, threadID)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("resume: no checkpoint for thread %s", threadID)
	}
	if cp.Interrupted != "" {
		return e.runFrom(withReply(ctx, reply), threadID, cp.Interrupted, cp.State, cp.Step+1)
	}
	if cp.Next == "" {
		// Terminal checkpoint; nothing left to run.
		return cp.State, nil
	}
	return e.runFrom(ctx, threadID, cp.Next, cp.State, cp.Step+1)
}

func (e *Executor[S]) runFrom(ctx context.Context, threadID string, current string, state S, step int) (S, error) {
	for ; ; step++ {
		if step >= e.cfg.MaxSteps {
			return state, fmt.Errorf("executor: step budget exhausted (%d) at node %s", e.cfg.MaxSteps, current)
		}
		if err := ctx.Err(); err != nil {
			return state, e.cancel(threadID, current, state, step, err)
		}

		node, ok := e.graph.nodes[current]
		if !ok {
			return state, fmt.Errorf("executor: missing node: %s", current)
		}

		res, err := e.executeNode(ctx, node, state)
		if err != nil {
			e.emitter.Emit(NewEvent("pipeline:error", map[string]any{
				"node":  current,
				"error": err.Error(),
			}))
			return state, fmt.Errorf("node %s: %w", current, err)
		}

		state, err = e.fold(state, res.Delta)
		if err != nil {
			e.emitter.Emit(NewEvent("pipeline:error", map[string]any{
				"node":  current,
				"error": err.Error(),
			}))
			return state, fmt.Errorf("node %s: %w", current, err)
		}

		if res.Interrupt != nil {
			cp := Checkpoint[S]{
				ThreadID:         threadID,
				Step:             step,
				NodeID:           current,
				State:            state,
				SavedAt:          time.Now().UTC(),
				Interrupted:      current,
				InterruptPayload: res.Interrupt.Payload,
			}
			if err := e.ckpt.Save(context.WithoutCancel(ctx), cp); err != nil {
				return state, err
			}
			e.step(ctx, threadID, state)
			return state, ErrInterrupted
		}

		next := ""
		var sends []Send
		join := ""
		if !res.Terminal {
			next, sends, join, err = e.route(current, state)
			if err != nil {
				return state, err
			}
		}

		cp := Checkpoint[S]{
			ThreadID: threadID,
			Step:     step,
			NodeID:   current,
			Next:     next,
			State:    state,
			SavedAt:  time.Now().UTC(),
		}
		// Fan-out stages checkpoint once after the fold below; everything
		// else checkpoints here, after its own fold.
		if len(sends) == 0 {
			if err := e.ckpt.Save(ctx, cp); err != nil {
				return state, err
			}
			e.step(ctx, threadID, state)
		}

		if res.Terminal {
			return state, nil
		}

		if len(sends) > 0 {
			deltas, err := e.dispatch(ctx, sends, state)
			if err != nil {
				return state, err
			}
			for _, d := range deltas {
				state, err = e.fold(state, d)
				if err != nil {
					return state, fmt.Errorf("fan-in at %s: %w", current, err)
				}
			}
			step++
			cp = Checkpoint[S]{
				ThreadID: threadID,
				Step:     step,
				NodeID:   sendsNodeID(sends),
				Next:     join,
				State:    state,
				SavedAt:  time.Now().UTC(),
			}
			if err := e.ckpt.Save(ctx, cp); err != nil {
				return state, err
			}
			e.step(ctx, threadID, state)
			current = join
			continue
		}

		current = next
	}
}

// route resolves the successor of a node. For fan-out edges it returns the
// expanded sends and the join node instead of a direct successor.
func (e *Executor[S]) route(current string, state S) (next string, sends []Send, join string, err error) {
	ed, ok := e.graph.edges[current]
	if !ok {
		return "", nil, "", fmt.Errorf("executor: node %s has no outgoing edge and did not terminate", current)
	}
	switch ed.kind {
	case edgeDirect:
		return ed.to, nil, "", nil
	case edgeConditional:
		got := ed.route(state)
		for _, t := range ed.targets {
			if t == got {
				return got, nil, "", nil
			}
		}
		return "", nil, "", fmt.Errorf("executor: conditional edge from %s returned undeclared target %q", current, got)
	case edgeFanOut:
		expanded := ed.sends(state)
		if len(expanded) == 0 {
			return ed.join, nil, "", nil
		}
		for _, s := range expanded {
			if s.Node != ed.to {
				return "", nil, "", fmt.Errorf("executor: send targets %q but edge declares worker %q", s.Node, ed.to)
			}
		}
		return "", expanded, ed.join, nil
	}
	return "", nil, "", fmt.Errorf("executor: node %s has malformed edge", current)
}

// fold applies a delta under the state reducers and forwards its events to
// the emitter in declaration order. A reducer panic (unknown field, type
// mismatch) is an invariant violation and surfaces as an error.
func (e *Executor[S]) fold(state S, d Delta) (out S, err error) {
	if len(d) == 0 {
		return state, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = state
			err = fmt.Errorf("reducer: %v", r)
		}
	}()
	out = e.cfg.Apply(state, d)
	if e.cfg.Events != nil {
		for _, ev := range e.cfg.Events(d) {
			e.emitter.Emit(ev)
		}
	}
	return out, nil
}

func (e *Executor[S]) step(ctx context.Context, threadID string, state S) {
	if e.OnStep != nil {
		e.OnStep(ctx, threadID, state)
	}
}

// executeNode runs a node with panic recovery. A panicking node aborts the
// run as an invariant violation rather than crashing the process.
func (e *Executor[S]) executeNode(ctx context.Context, node NodeFunc[S], state S) (res NodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, rdebug.Stack())
		}
	}()
	return node(ctx, e.cfg.Clone(state))
}

// cancel writes the final cancelled checkpoint and surfaces the cause.
// A second cancellation finds the run already returned, making this a
// no-op by construction.
func (e *Executor[S]) cancel(threadID, current string, state S, step int, cause error) error {
	e.emitter.Emit(NewEvent("status:cancelled", map[string]any{
		"node":  current,
		"error": cause.Error(),
	}))
	cp := Checkpoint[S]{
		ThreadID: threadID,
		Step:     step,
		NodeID:   current,
		Next:     current, // resume retries the node that was about to run
		State:    state,
		SavedAt:  time.Now().UTC(),
	}
	_ = e.ckpt.Save(context.Background(), cp)
	return cause
}

func sendsNodeID(sends []Send) string {
	if len(sends) == 0 {
		return ""
	}
	return sends[0].Node
}
