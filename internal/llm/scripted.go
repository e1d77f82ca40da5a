package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptFunc adapts a plain function to the Adapter interface.
type ScriptFunc func(req Request) (Response, error)

func (f ScriptFunc) Call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return f(req)
}

// Scripted is a deterministic adapter for tests and offline runs: replies
// are queued per model and popped FIFO. An exhausted queue is an adapter
// error, which the Client surfaces as an "Error:" reply.
type Scripted struct {
	mu     sync.Mutex
	queues map[string][]Response

	// Calls records every request in arrival order for assertions.
	Calls []Request
}

func NewScripted() *Scripted {
	return &Scripted{queues: map[string][]Response{}}
}

// Queue appends replies to a model's script.
func (s *Scripted) Queue(model string, replies ...Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[model] = append(s.queues[model], replies...)
	return s
}

// QueueText is Queue with single text-block replies.
func (s *Scripted) QueueText(model string, texts ...string) *Scripted {
	for _, t := range texts {
		s.Queue(model, Response{Content: []ContentBlock{TextBlock(t)}, StopReason: "end_turn"})
	}
	return s
}

func (s *Scripted) Call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	q := s.queues[req.Model]
	if len(q) == 0 {
		return Response{}, fmt.Errorf("scripted: no reply queued for model %q", req.Model)
	}
	resp := q[0]
	s.queues[req.Model] = q[1:]
	return resp, nil
}

// ToolUseResponse builds a reply containing one tool_use block.
func ToolUseResponse(id, name string, input map[string]any) Response {
	return Response{
		Content:    []ContentBlock{{Type: BlockToolUse, ID: id, Name: name, Input: input}},
		StopReason: "tool_use",
	}
}

// TextResponse builds a single text-block reply.
func TextResponse(text string) Response {
	return Response{Content: []ContentBlock{TextBlock(text)}, StopReason: "end_turn"}
}
