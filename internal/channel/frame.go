// ABOUTME: Wire frame types for the visitor duplex channel
// ABOUTME: JSON frames shaped {type, payload, timestamp} in both directions

package channel

import (
	"encoding/json"
	"time"
)

// Inbound frame types
const (
	FrameChat        = "chat"
	FrameReturnToken = "return_token"
	FrameTyping      = "typing"
)

// Outbound frame types
const (
	FrameSystem  = "system"
	FrameMessage = "message"
	FrameError   = "error"
)

// FrameWildcard subscribes a handler to every inbound frame type.
const FrameWildcard = "*"

// Frame is one unit on the duplex channel, in either direction.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewFrame builds an outbound frame, stamping the current time.
func NewFrame(typ string, payload any) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Frame{
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// MessagePayload is the payload of an outbound "message" frame.
type MessagePayload struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// TypingPayload is the payload of an outbound "typing" frame.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// ErrorPayload is the payload of an outbound "error" frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TypingSignal is the payload of an inbound "typing" frame.
type TypingSignal struct {
	IsTyping bool `json:"isTyping"`
}
