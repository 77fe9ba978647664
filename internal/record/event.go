package record

import (
	"encoding/json"
	"fmt"
)

// EventType tags a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one change pushed by the remote store's event stream.
// Insert and Update carry a record (Update may be partial, matched by id);
// Delete carries only the id. Delivery is at-least-once with no ordering
// guarantee across ids, so consumers must treat events idempotently.
type ChangeEvent struct {
	Type       EventType `json:"type"`
	Collection string    `json:"collection,omitempty"`
	Record     Record    `json:"record,omitempty"`
	ID         string    `json:"id,omitempty"`
}

// TargetID returns the id the event applies to.
func (e ChangeEvent) TargetID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Record.ID()
}

// Validate checks that the event is well formed for its type.
func (e ChangeEvent) Validate() error {
	switch e.Type {
	case EventInsert, EventUpdate:
		if e.Record.ID() == "" && e.ID == "" {
			return fmt.Errorf("%s event without record id", e.Type)
		}
	case EventDelete:
		if e.ID == "" {
			return fmt.Errorf("delete event without id")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// DecodeEvent parses a wire-format change event.
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("decoding change event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}
