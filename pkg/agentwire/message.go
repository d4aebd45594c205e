// Package agentwire defines the message types exchanged between the
// orchestrator and remote agents. Messages are transport-agnostic JSON
// envelopes; the orchestrator validates every inbound payload before
// dispatching it.
package agentwire

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all agent channel messages.
type Message struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message for the given event with a marshalled payload.
func NewMessage(event string, payload interface{}) (*Message, error) {
	msg := &Message{
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return msg, nil
}

// ParseData parses the message payload into the given struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
