package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/crucible/internal/graph"
)

func drainTypes(ch <-chan graph.Event, n int) []string {
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev.Type)
		case <-time.After(time.Second):
			return out
		}
	}
	return out
}

func TestBroadcasterReplaysHistoryThenGoesLive(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(graph.NewEvent("status:started", nil))
	b.Emit(graph.NewEvent("round:started", nil))

	ch, done, unsub := b.Subscribe()
	defer unsub()

	assert.Equal(t, []string{"status:started", "round:started"}, drainTypes(ch, 2))

	b.Emit(graph.NewEvent("proposal:settled", nil))
	assert.Equal(t, []string{"proposal:settled"}, drainTypes(ch, 1))

	select {
	case <-done:
		t.Fatal("done closed before Close")
	default:
	}
}

func TestBroadcasterDropsSlowClientWithoutFinishing(t *testing.T) {
	b := NewBroadcaster()
	ch, done, unsub := b.Subscribe()
	defer unsub()

	// Overflow the subscriber buffer without ever reading.
	for i := 0; i < 300; i++ {
		b.Emit(graph.NewEvent("sandbox:running", nil))
	}

	// The channel was closed by the drop, but done stays open: the client
	// can tell "you were too slow" apart from "the run finished".
	deadline := time.After(time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow client was never dropped")
		}
	}
	select {
	case <-done:
		t.Fatal("done closed on a slow-client drop")
	default:
	}

	// The broadcaster itself keeps accepting events.
	b.Emit(graph.NewEvent("sandbox:completed", nil))
	assert.Equal(t, 301, len(b.History()))
}

func TestBroadcasterCloseReleasesSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(graph.NewEvent("status:started", nil))
	ch, done, unsub := b.Subscribe()
	defer unsub()

	b.Close()
	b.Close() // idempotent

	assert.Equal(t, []string{"status:started"}, drainTypes(ch, 1))
	_, ok := <-ch
	assert.False(t, ok)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after Close")
	}

	// Emit after close is a no-op.
	b.Emit(graph.NewEvent("late", nil))
	assert.Len(t, b.History(), 1)
}

func TestBroadcasterSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(graph.NewEvent("status:started", nil))
	b.Emit(graph.NewEvent("done", nil))
	b.Close()

	ch, done, unsub := b.Subscribe()
	defer unsub()

	assert.Equal(t, []string{"status:started", "done"}, drainTypes(ch, 2))
	_, ok := <-ch
	assert.False(t, ok)
	select {
	case <-done:
	default:
		t.Fatal("done should already be closed")
	}
}

func TestWriteSSEStreamsHistoryAndTerminator(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(graph.NewEvent("status:started", map[string]any{"design_id": "dsg_x"}))
	b.Emit(graph.NewEvent("status:completed", nil))
	b.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/designs/dsg_x/events", nil)
	WriteSSE(rec, req, b)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()

	require.Contains(t, body, "event: status:started\n")
	assert.Contains(t, body, `"design_id":"dsg_x"`)
	assert.Contains(t, body, "event: status:completed\n")
	// The terminator comes last.
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {}\n\n"))

	idxStarted := strings.Index(body, "event: status:started")
	idxCompleted := strings.Index(body, "event: status:completed")
	assert.Less(t, idxStarted, idxCompleted)
}
