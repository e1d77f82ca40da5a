package graph

import (
	"context"
	"fmt"
	"sort"
)

// Delta is a node's partial state update: field name -> new value. The
// state's per-field reducer decides how each entry folds into state
// (overwrite, append, or transient).
type Delta map[string]any

// Send schedules one invocation of a fan-out target node with a transient
// overlay merged atop an immutable snapshot of the current state.
type Send struct {
	Node    string
	Overlay Delta
}

// Interrupt suspends execution at the current node. The executor persists
// a checkpoint, hands the payload to the caller, and releases; a later
// Resume re-enters the node with the external reply delivered via
// ReplyFromContext.
type Interrupt struct {
	Payload map[string]any
}

// NodeResult is what a node returns: a delta to fold into state, plus
// optional control-flow signals.
type NodeResult struct {
	Delta Delta

	// Interrupt, when non-nil, suspends the run at this node. Delta is
	// folded and checkpointed first.
	Interrupt *Interrupt

	// Terminal ends the run after this node; no successor is evaluated.
	Terminal bool
}

// NodeFunc is a pipeline node: a pure function from the current state to a
// state delta. Nodes must not mutate s; all writes go through the delta.
type NodeFunc[S any] func(ctx context.Context, s S) (NodeResult, error)

// RouteFunc selects the successor node for a conditional edge.
type RouteFunc[S any] func(s S) string

// SendsFunc expands a fan-out edge into Send messages. Returning an empty
// slice skips straight to the join node.
type SendsFunc[S any] func(s S) []Send

type edgeKind int

const (
	edgeDirect edgeKind = iota + 1
	edgeConditional
	edgeFanOut
)

type edge[S any] struct {
	kind    edgeKind
	to      string   // direct successor or fan-out worker target
	targets []string // conditional: every node route may return
	route   RouteFunc[S]
	sends   SendsFunc[S]
	join    string // fan-out: node evaluated after all sends complete
}

// Graph is a directed graph of nodes with exactly one outgoing routing
// declaration per node. It is declared once and validated before use;
// duplicate or dangling declarations are build errors, not runtime drift.
type Graph[S any] struct {
	entry string
	nodes map[string]NodeFunc[S]
	edges map[string]edge[S]

	// fan-out targets are worker nodes reachable only via Send.
	workers map[string]bool

	diags []string
}

// New returns an empty graph.
func New[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:   map[string]NodeFunc[S]{},
		edges:   map[string]edge[S]{},
		workers: map[string]bool{},
	}
}

// AddNode registers a node.
func (g *Graph[S]) AddNode(id string, fn NodeFunc[S]) *Graph[S] {
	switch {
	case id == "":
		g.diags = append(g.diags, "node id cannot be empty")
	case fn == nil:
		g.diags = append(g.diags, fmt.Sprintf("node %s is nil", id))
	default:
		if _, dup := g.nodes[id]; dup {
			g.diags = append(g.diags, fmt.Sprintf("duplicate node: %s", id))
			return g
		}
		g.nodes[id] = fn
	}
	return g
}

// Entry sets the start node.
func (g *Graph[S]) Entry(id string) *Graph[S] {
	g.entry = id
	return g
}

// Edge declares an unconditional successor.
func (g *Graph[S]) Edge(from, to string) *Graph[S] {
	g.setEdge(from, edge[S]{kind: edgeDirect, to: to})
	return g
}

// ConditionalEdge declares a successor chosen by route at execution time.
// targets lists every node route may return; used for validation.
func (g *Graph[S]) ConditionalEdge(from string, route RouteFunc[S], targets ...string) *Graph[S] {
	g.setEdge(from, edge[S]{kind: edgeConditional, route: route, targets: targets})
	return g
}

// FanOutEdge declares a Send-style fan-out from `from`: sends expands into
// worker invocations of target, and join runs after all of them complete.
func (g *Graph[S]) FanOutEdge(from, target string, sends SendsFunc[S], join string) *Graph[S] {
	g.setEdge(from, edge[S]{kind: edgeFanOut, to: target, sends: sends, join: join})
	g.workers[target] = true
	return g
}

func (g *Graph[S]) setEdge(from string, e edge[S]) {
	if _, dup := g.edges[from]; dup {
		g.diags = append(g.diags, fmt.Sprintf("duplicate edge from: %s", from))
		return
	}
	g.edges[from] = e
}

func (g *Graph[S]) edgeTargets(e edge[S]) []string {
	switch e.kind {
	case edgeDirect:
		return []string{e.to}
	case edgeConditional:
		return e.targets
	case edgeFanOut:
		return []string{e.to, e.join}
	}
	return nil
}

// Validate checks the graph declaration: entry set and present, no
// duplicate nodes or edges, no dangling edge targets, every non-worker
// node reachable from the entry.
func (g *Graph[S]) Validate() error {
	if len(g.diags) > 0 {
		return fmt.Errorf("graph: %s", g.diags[0])
	}
	if g.entry == "" {
		return fmt.Errorf("graph: no entry node declared")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("graph: entry node %q not registered", g.entry)
	}

	for from, e := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("graph: edge from unknown node %q", from)
		}
		if e.kind == edgeConditional && len(e.targets) == 0 {
			return fmt.Errorf("graph: conditional edge from %s declares no targets", from)
		}
		for _, to := range g.edgeTargets(e) {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("graph: edge %s -> %s targets unknown node", from, to)
			}
		}
	}

	// Reachability sweep from the entry. Fan-out workers are reachable by
	// construction; anything else unreached is declaration drift.
	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		e, ok := g.edges[cur]
		if !ok {
			continue
		}
		for _, to := range g.edgeTargets(e) {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	var unreachable []string
	for id := range g.nodes {
		if !seen[id] && !g.workers[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("graph: unreachable nodes: %v", unreachable)
	}
	return nil
}
