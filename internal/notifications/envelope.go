// Package notifications delivers events to live websocket connections.
package notifications

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorPayload is the body of every error reply.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// Encode frames payload under event.
func Encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	b, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

// DecodeEnvelope parses an inbound frame. The data field is left raw for
// the command handler to decode.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("frame has no event name")
	}
	return env, nil
}
