package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/danshapiro/crucible/internal/graph"
)

// Broadcaster fans pipeline events out to multiple SSE clients. One
// Broadcaster per design run. Implements graph.Emitter. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []graph.Event
	clients map[uint64]chan graph.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan graph.Event),
		doneCh:  make(chan struct{}),
	}
}

// Emit receives one pipeline event. Called by the executor in emission
// order; a slow subscriber is dropped rather than blocking the run.
func (b *Broadcaster) Emit(ev graph.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an event channel, a done channel, and an unsubscribe
// function. The event channel replays the full history before going
// live. The done channel closes only when the run finished, which lets a
// client tell completion apart from being dropped for slowness.
func (b *Broadcaster) Subscribe() (<-chan graph.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan graph.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold the whole history plus live headroom, so the replay
	// never blocks while the mutex is held.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the stream finished and releases every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event seen so far.
func (b *Broadcaster) History() []graph.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]graph.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a broadcaster to an HTTP response as Server-Sent
// Events, event history first.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Emit the stream terminator only on a real finish, not on
				// a slow-client drop.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
