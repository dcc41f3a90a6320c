// Package stream fans request lifecycle events out to subscribed SSE
// connections. The hub holds per-request connection sequences; it does not
// buffer history, so late subscribers replay from the request registry
// before attaching.
package stream

import (
	"encoding/json"
	"fmt"
)

// Wire event names.
const (
	EventInit    = "init"
	EventStatus  = "status"
	EventMessage = "message"
	EventError   = "error"
	EventDone    = "done"
)

// Event is one server-sent event. Payload is JSON-encoded on the wire, so
// plain strings render as JSON strings.
type Event struct {
	Name    string
	Payload interface{}
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Name == EventError || e.Name == EventDone
}

// Render serializes the event in SSE wire format:
// "event: <name>\ndata: <json>\n\n".
func (e Event) Render() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("render %s event: %w", e.Name, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, data)), nil
}

// Init is the first event of a combined submit-and-stream call.
func Init(requestID string) Event {
	return Event{Name: EventInit, Payload: map[string]string{"requestId": requestID}}
}

// Status reports a lifecycle state, e.g. "processing".
func Status(state string) Event {
	return Event{Name: EventStatus, Payload: state}
}

// Message carries a content chunk of the consensus decision.
func Message(content string) Event {
	return Event{Name: EventMessage, Payload: content}
}

// Failure is the terminal error event.
func Failure(reason string) Event {
	return Event{Name: EventError, Payload: reason}
}

// Done is the terminal success event.
func Done() Event {
	return Event{Name: EventDone, Payload: "Request completed"}
}
