// Package envelope defines the wire shape a MessageBus event, command, or
// response takes when it crosses a transport boundary external to the
// process (e.g. the out-of-scope API facade). The in-process bus itself
// passes Go values directly; this package exists only for that external
// contract.
package envelope

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type discriminates the envelope's purpose.
type Type string

const (
	TypeEvent    Type = "event"
	TypeCommand  Type = "command"
	TypeResponse Type = "response"
	TypeError    Type = "error"
)

// Envelope is the external wire format described in the MessageBus
// external interface contract.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TsNanos int64           `json:"ts_ns"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent builds an event envelope, marshaling payload.
func NewEvent(topic string, tsNanos int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeEvent, Topic: topic, TsNanos: tsNanos, Payload: raw}, nil
}

// NewCommand builds a command envelope with a freshly generated id.
func NewCommand(topic string, tsNanos int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeCommand, ID: uuid.NewString(), Topic: topic, TsNanos: tsNanos, Payload: raw}, nil
}

// NewResponse builds a response envelope correlated to a command id.
func NewResponse(id string, tsNanos int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeResponse, ID: id, TsNanos: tsNanos, Payload: raw}, nil
}

// NewErrorResponse builds an error envelope correlated to a command id.
func NewErrorResponse(id string, tsNanos int64, code, message string) (Envelope, error) {
	raw, err := json.Marshal(map[string]string{"code": code, "message": message})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeError, ID: id, TsNanos: tsNanos, Payload: raw}, nil
}

// Unmarshal decodes the payload into dst.
func (e Envelope) Unmarshal(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
