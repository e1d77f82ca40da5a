package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tstate is the minimal state for executor tests: one overwrite field,
// one append field, one transient field.
type tstate struct {
	N     int
	Items []string
	Tag   string
}

func tApply(s tstate, d Delta) tstate {
	for k, v := range d {
		switch k {
		case "n":
			s.N = v.(int)
		case "items":
			s.Items = append(s.Items, v.([]string)...)
		case "tag":
			s.Tag = v.(string)
		case "events":
			// carried for emission only
		default:
			panic(fmt.Sprintf("no reducer for %q", k))
		}
	}
	return s
}

func tClone(s tstate) tstate {
	out := s
	out.Items = append([]string(nil), s.Items...)
	return out
}

func tEvents(d Delta) []Event {
	evs, _ := d["events"].([]Event)
	return evs
}

func newTestExecutor(t *testing.T, g *Graph[tstate], emitter Emitter) (*Executor[tstate], *MemoryCheckpointer[tstate]) {
	t.Helper()
	ckpt := NewMemoryCheckpointer[tstate]()
	exec, err := NewExecutor(g, Config[tstate]{
		Apply:  tApply,
		Clone:  tClone,
		Events: tEvents,
	}, ckpt, emitter)
	require.NoError(t, err)
	return exec, ckpt
}

func constNode(delta Delta, terminal bool) NodeFunc[tstate] {
	return func(ctx context.Context, s tstate) (NodeResult, error) {
		return NodeResult{Delta: delta, Terminal: terminal}, nil
	}
}

func TestRunLinearGraph(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(Delta{"n": 1}, false)).
		AddNode("b", constNode(Delta{"items": []string{"done"}}, true)).
		Entry("a").
		Edge("a", "b")

	exec, ckpt := newTestExecutor(t, g, nil)
	final, err := exec.Run(context.Background(), "t1", tstate{})
	require.NoError(t, err)
	assert.Equal(t, 1, final.N)
	assert.Equal(t, []string{"done"}, final.Items)

	cp, ok, err := ckpt.LoadLatest(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, cp.Step)
	assert.Equal(t, "b", cp.NodeID)
	assert.Empty(t, cp.Next)
}

func TestConditionalRouting(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(Delta{"n": 7}, false)).
		AddNode("left", constNode(Delta{"items": []string{"left"}}, true)).
		AddNode("right", constNode(Delta{"items": []string{"right"}}, true)).
		Entry("a").
		ConditionalEdge("a", func(s tstate) string {
			if s.N > 5 {
				return "right"
			}
			return "left"
		}, "left", "right")

	exec, _ := newTestExecutor(t, g, nil)
	final, err := exec.Run(context.Background(), "t1", tstate{})
	require.NoError(t, err)
	assert.Equal(t, []string{"right"}, final.Items)
}

func TestConditionalUndeclaredTargetFails(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(nil, false)).
		AddNode("b", constNode(nil, true)).
		Entry("a").
		ConditionalEdge("a", func(tstate) string { return "b" }, "a")

	exec, _ := newTestExecutor(t, g, nil)
	_, err := exec.Run(context.Background(), "t1", tstate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared target")
}

// Fan-out workers append concurrently; the fold must contain every
// worker's contribution exactly once regardless of completion order.
func TestFanOutAppendIsPermutationSafe(t *testing.T) {
	worker := func(ctx context.Context, s tstate) (NodeResult, error) {
		return NodeResult{Delta: Delta{"items": []string{s.Tag}}}, nil
	}
	var sends []Send
	want := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		tag := fmt.Sprintf("w%02d", i)
		want = append(want, tag)
		sends = append(sends, Send{Node: "worker", Overlay: Delta{"tag": tag}})
	}
	g := New[tstate]().
		AddNode("a", constNode(nil, false)).
		AddNode("worker", worker).
		AddNode("join", func(ctx context.Context, s tstate) (NodeResult, error) {
			return NodeResult{Terminal: true}, nil
		}).
		Entry("a").
		FanOutEdge("a", "worker", func(tstate) []Send { return sends }, "join")

	ckpt := NewMemoryCheckpointer[tstate]()
	exec, err := NewExecutor(g, Config[tstate]{
		Apply:      tApply,
		Clone:      tClone,
		MaxWorkers: 8,
	}, ckpt, nil)
	require.NoError(t, err)

	final, err := exec.Run(context.Background(), "t1", tstate{})
	require.NoError(t, err)
	assert.ElementsMatch(t, want, final.Items)
}

func TestFanOutEmptySendsSkipsToJoin(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(nil, false)).
		AddNode("worker", constNode(Delta{"items": []string{"never"}}, false)).
		AddNode("join", constNode(Delta{"items": []string{"join"}}, true)).
		Entry("a").
		FanOutEdge("a", "worker", func(tstate) []Send { return nil }, "join")

	exec, _ := newTestExecutor(t, g, nil)
	final, err := exec.Run(context.Background(), "t1", tstate{})
	require.NoError(t, err)
	assert.Equal(t, []string{"join"}, final.Items)
}

func TestFanOutWorkerFailureIsLocal(t *testing.T) {
	worker := func(ctx context.Context, s tstate) (NodeResult, error) {
		if s.Tag == "boom" {
			return NodeResult{}, errors.New("worker exploded")
		}
		return NodeResult{Delta: Delta{"items": []string{s.Tag}}}, nil
	}
	sends := []Send{
		{Node: "worker", Overlay: Delta{"tag": "ok"}},
		{Node: "worker", Overlay: Delta{"tag": "boom"}},
	}
	g := New[tstate]().
		AddNode("a", constNode(nil, false)).
		AddNode("worker", worker).
		AddNode("join", constNode(nil, true)).
		Entry("a").
		FanOutEdge("a", "worker", func(tstate) []Send { return sends }, "join")

	collect := &CollectEmitter{}
	exec, _ := newTestExecutor(t, g, collect)
	final, err := exec.Run(context.Background(), "t1", tstate{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, final.Items)
	assert.Contains(t, collect.Types(), "worker:error")
}

func TestInterruptAndResume(t *testing.T) {
	gate := func(ctx context.Context, s tstate) (NodeResult, error) {
		reply, ok := ReplyFromContext(ctx)
		if !ok {
			return NodeResult{
				Delta:     Delta{"items": []string{"asked"}},
				Interrupt: &Interrupt{Payload: map[string]any{"question": "ok?"}},
			}, nil
		}
		answer, _ := reply["answer"].(string)
		return NodeResult{Delta: Delta{"items": []string{"answer:" + answer}}, Terminal: true}, nil
	}
	g := New[tstate]().
		AddNode("a", constNode(Delta{"n": 1}, false)).
		AddNode("gate", gate).
		Entry("a").
		Edge("a", "gate")

	exec, ckpt := newTestExecutor(t, g, nil)
	suspended, err := exec.Run(context.Background(), "t1", tstate{})
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, []string{"asked"}, suspended.Items)

	cp, ok, err := ckpt.LoadLatest(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gate", cp.Interrupted)
	assert.Equal(t, "ok?", cp.InterruptPayload["question"])

	final, err := exec.Resume(context.Background(), "t1", map[string]any{"answer": "yes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"asked", "answer:yes"}, final.Items)

	// Resume after the terminal checkpoint is idempotent.
	again, err := exec.Resume(context.Background(), "t1", map[string]any{"answer": "yes"})
	require.NoError(t, err)
	assert.Equal(t, final.Items, again.Items)
}

func TestResumeUnknownThreadFails(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(nil, true)).
		Entry("a")
	exec, _ := newTestExecutor(t, g, nil)
	_, err := exec.Resume(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint")
}

func TestNodePanicAbortsRun(t *testing.T) {
	g := New[tstate]().
		AddNode("a", func(ctx context.Context, s tstate) (NodeResult, error) {
			panic("kaboom")
		}).
		Entry("a")
	collect := &CollectEmitter{}
	exec, _ := newTestExecutor(t, g, collect)
	_, err := exec.Run(context.Background(), "t1", tstate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Contains(t, collect.Types(), "pipeline:error")
}

func TestReducerMismatchAbortsRun(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(Delta{"nope": 1}, true)).
		Entry("a")
	exec, _ := newTestExecutor(t, g, nil)
	_, err := exec.Run(context.Background(), "t1", tstate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reducer")
}

func TestMissingOutgoingEdgeFails(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(nil, false)).
		Entry("a")
	exec, _ := newTestExecutor(t, g, nil)
	_, err := exec.Run(context.Background(), "t1", tstate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outgoing edge")
}

func TestCancellationWritesCancelledCheckpoint(t *testing.T) {
	g := New[tstate]().
		AddNode("a", constNode(nil, true)).
		Entry("a")
	collect := &CollectEmitter{}
	exec, ckpt := newTestExecutor(t, g, collect)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Run(ctx, "t1", tstate{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, collect.Types(), "status:cancelled")

	cp, ok, err := ckpt.LoadLatest(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", cp.Next)
}
