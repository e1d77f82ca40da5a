package graph

import (
	"context"
	"fmt"
	rdebug "runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// dispatch runs one fan-out stage: every Send invokes the worker node over
// its own clone of the pre-stage state with the overlay folded on top.
// Worker deltas are returned in completion order; the caller folds them
// one at a time, so append reducers see a serialized, permutation-safe
// sequence. A worker failure is local: it is surfaced as a worker:error
// event and contributes no delta. The stage deadline bounds the whole
// batch; on expiry the completed deltas are returned and the rest are
// abandoned.
func (e *Executor[S]) dispatch(ctx context.Context, sends []Send, state S) ([]Delta, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(e.cfg.MaxWorkers))
	results := make(chan workerOutcome, len(sends))

	var wg sync.WaitGroup
	for i, s := range sends {
		node, ok := e.graph.nodes[s.Node]
		if !ok {
			return nil, fmt.Errorf("executor: fan-out targets unknown node %q", s.Node)
		}
		if err := sem.Acquire(stageCtx, 1); err != nil {
			// Deadline hit while queueing; the remaining sends never start.
			break
		}
		wg.Add(1)
		go func(idx int, send Send, node NodeFunc[S]) {
			defer wg.Done()
			defer sem.Release(1)
			d, err := e.runWorker(stageCtx, node, state, send.Overlay)
			results <- workerOutcome{idx: idx, node: send.Node, delta: d, err: err}
		}(i, s, node)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	deltas := make([]Delta, 0, len(sends))
	for out := range results {
		if out.err != nil {
			e.emitter.Emit(NewEvent("worker:error", map[string]any{
				"node":  out.node,
				"index": out.idx,
				"error": out.err.Error(),
			}))
			continue
		}
		deltas = append(deltas, out.delta)
	}
	return deltas, nil
}

type workerOutcome struct {
	idx   int
	node  string
	delta Delta
	err   error
}

// runWorker executes one send: clone the snapshot, fold the transient
// overlay, invoke the node. Panics are contained to the worker.
func (e *Executor[S]) runWorker(ctx context.Context, node NodeFunc[S], state S, overlay Delta) (d Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, rdebug.Stack())
		}
	}()
	ws := e.cfg.Clone(state)
	if len(overlay) > 0 {
		ws = e.cfg.Apply(ws, overlay)
	}
	res, err := node(ctx, ws)
	if err != nil {
		return nil, err
	}
	if res.Interrupt != nil {
		return nil, fmt.Errorf("fan-out worker attempted to interrupt")
	}
	return res.Delta, nil
}
