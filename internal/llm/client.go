package llm

import (
	"context"
	"fmt"
	"time"
)

// DefaultCallTimeout bounds a single model invocation.
const DefaultCallTimeout = 120 * time.Second

// Client wraps an Adapter with the contract pipeline nodes rely on: a
// per-call timeout, and failures surfaced as a reply rather than an error.
// A failed call returns a single text block whose text begins with
// "Error:", so node code handles model failure the same way it handles a
// bad model answer.
type Client struct {
	adapter Adapter
	timeout time.Duration
}

// NewClient builds a client. A zero timeout means DefaultCallTimeout.
func NewClient(adapter Adapter, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{adapter: adapter, timeout: timeout}
}

// Call invokes the adapter under the per-call timeout. It never returns an
// error; see the type comment.
func (c *Client) Call(ctx context.Context, req Request) Response {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.adapter.Call(cctx, req)
	if err != nil {
		le := Classify(err)
		return Response{
			Content:    []ContentBlock{TextBlock(fmt.Sprintf("Error: %s", le.Message))},
			StopReason: "error",
		}
	}
	if len(resp.Content) == 0 {
		return Response{
			Content:    []ContentBlock{TextBlock("Error: empty response from model")},
			StopReason: "error",
		}
	}
	return resp
}

// IsErrorReply reports whether a response came from the failure path of
// Call rather than from the model.
func IsErrorReply(resp Response) bool {
	if len(resp.Content) != 1 || resp.Content[0].Type != BlockText {
		return false
	}
	t := resp.Content[0].Text
	return len(t) >= 6 && t[:6] == "Error:"
}
