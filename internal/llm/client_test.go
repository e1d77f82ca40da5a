package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallPassesThrough(t *testing.T) {
	s := NewScripted().QueueText("m1", "hello")
	c := NewClient(s, 0)

	resp := c.Call(context.Background(), Request{Model: "m1", Messages: []Message{UserText("hi")}})
	assert.Equal(t, "hello", resp.Text())
	assert.False(t, IsErrorReply(resp))
	require.Len(t, s.Calls, 1)
	assert.Equal(t, "m1", s.Calls[0].Model)
}

func TestCallAdapterErrorBecomesReply(t *testing.T) {
	c := NewClient(ScriptFunc(func(Request) (Response, error) {
		return Response{}, errors.New("connection refused")
	}), time.Second)

	resp := c.Call(context.Background(), Request{Model: "m1"})
	require.True(t, IsErrorReply(resp))
	assert.Equal(t, "error", resp.StopReason)
	assert.Contains(t, resp.Text(), "connection refused")
}

func TestCallTimeoutBecomesReply(t *testing.T) {
	blocking := ScriptFunc(func(Request) (Response, error) {
		// ScriptFunc checks ctx before invoking, so block here instead.
		time.Sleep(50 * time.Millisecond)
		return Response{}, context.DeadlineExceeded
	})
	c := NewClient(blocking, 10*time.Millisecond)

	resp := c.Call(context.Background(), Request{Model: "m1"})
	require.True(t, IsErrorReply(resp))
	assert.Contains(t, resp.Text(), "Error:")
}

func TestCallEmptyContentBecomesReply(t *testing.T) {
	c := NewClient(ScriptFunc(func(Request) (Response, error) {
		return Response{StopReason: "end_turn"}, nil
	}), time.Second)

	resp := c.Call(context.Background(), Request{Model: "m1"})
	require.True(t, IsErrorReply(resp))
	assert.Contains(t, resp.Text(), "empty response")
}

func TestScriptedExhaustionSurfacesAsErrorReply(t *testing.T) {
	s := NewScripted().QueueText("m1", "only one")
	c := NewClient(s, time.Second)

	first := c.Call(context.Background(), Request{Model: "m1"})
	assert.False(t, IsErrorReply(first))

	second := c.Call(context.Background(), Request{Model: "m1"})
	require.True(t, IsErrorReply(second))
	assert.Contains(t, second.Text(), "no reply queued")
}

func TestIsErrorReply(t *testing.T) {
	assert.True(t, IsErrorReply(Response{Content: []ContentBlock{TextBlock("Error: boom")}}))
	assert.False(t, IsErrorReply(Response{Content: []ContentBlock{TextBlock("all good")}}))
	assert.False(t, IsErrorReply(Response{Content: []ContentBlock{
		TextBlock("Error: boom"), TextBlock("second block"),
	}}))
	assert.False(t, IsErrorReply(Response{}))
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{Content: []ContentBlock{
		TextBlock("part one"),
		{Type: BlockToolUse, ID: "t1", Name: "run_sandbox", Input: map[string]any{"code": "x"}},
		TextBlock("part two"),
	}}
	assert.Equal(t, "part onepart two", resp.Text())
	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "run_sandbox", uses[0].Name)
}

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "dial tcp: broken" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return true }

var _ net.Error = fakeNetErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		code      ErrorCode
		retryable bool
	}{
		{context.DeadlineExceeded, CodeTimeout, true},
		{context.Canceled, CodeNetwork, true},
		{fakeNetErr{timeout: true}, CodeTimeout, true},
		{fakeNetErr{timeout: false}, CodeNetwork, true},
		{errors.New("429 Too Many Requests"), CodeRateLimited, true},
		{errors.New("rate limit exceeded"), CodeRateLimited, true},
		{errors.New("401 Unauthorized"), CodeAuth, false},
		{errors.New("invalid api key"), CodeAuth, false},
		{errors.New("400 invalid request"), CodeBadRequest, false},
		{errors.New("503 service unavailable"), CodeServer, true},
		{errors.New("model overloaded"), CodeServer, true},
		{errors.New("something else entirely"), CodeUnknown, false},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		assert.Equal(t, tc.code, got.Code, tc.err.Error())
		assert.Equal(t, tc.retryable, got.Retryable(), tc.err.Error())
	}
}

func TestClassifyPassesThroughExisting(t *testing.T) {
	orig := &Error{Code: CodeRateLimited, Message: "slow down"}
	wrapped := fmt.Errorf("call failed: %w", orig)
	assert.Same(t, orig, Classify(wrapped))
	assert.Nil(t, Classify(nil))
}
