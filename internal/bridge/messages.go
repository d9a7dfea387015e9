package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Client message types.
const (
	TypeMove      = "move"
	TypeFace      = "face"
	TypeSay       = "say"
	TypeReconnect = "reconnect"

	// TypeStatus is the only outbound message type.
	TypeStatus = "status"
)

// ClientMessage is one inbound frame from a client channel.
type ClientMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// rawClientMessage defers decoding of data so a missing or null value
// can become an empty object.
type rawClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeClientMessage parses a client frame. A missing or null "data" yields
// an empty map; anything that is not an object yields ErrMalformedMessage.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var rm rawClientMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	msg := ClientMessage{Type: rm.Type, Data: map[string]any{}}
	if len(rm.Data) == 0 || bytes.Equal(rm.Data, []byte("null")) {
		return msg, nil
	}
	if err := json.Unmarshal(rm.Data, &msg.Data); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: data: %w", ErrMalformedMessage, err)
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	return msg, nil
}

// StatusEvent reports device connectivity to a client.
type StatusEvent struct {
	Type string     `json:"type"`
	Data StatusData `json:"data"`
}

// StatusData is the payload of a StatusEvent.
type StatusData struct {
	RobotConnected bool `json:"robot_connected"`
}

// NewStatusEvent builds a status event.
func NewStatusEvent(connected bool) StatusEvent {
	return StatusEvent{
		Type: TypeStatus,
		Data: StatusData{RobotConnected: connected},
	}
}

// Encode returns the JSON frame for the event.
func (e StatusEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
