package graph

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one entry on the ordered pipeline event stream. Type is the
// routing tag (e.g. "round:started"); Data is an opaque payload.
type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	At   time.Time      `json:"at"`
}

// NewEvent stamps an event with a ULID and the current time.
func NewEvent(typ string, data map[string]any) Event {
	return Event{
		ID:   ulid.Make().String(),
		Type: typ,
		Data: data,
		At:   time.Now().UTC(),
	}
}

// Emitter receives events in the order their producing node completed.
// Within a single node, events arrive in declaration order.
type Emitter interface {
	Emit(ev Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// CollectEmitter appends events to an in-memory slice. Test helper; not
// safe for concurrent emit without external synchronization (the executor
// serializes emission).
type CollectEmitter struct {
	Events []Event
}

func (c *CollectEmitter) Emit(ev Event) { c.Events = append(c.Events, ev) }

// Types returns the ordered event type tags seen so far.
func (c *CollectEmitter) Types() []string {
	out := make([]string, 0, len(c.Events))
	for _, ev := range c.Events {
		out = append(out, ev.Type)
	}
	return out
}
