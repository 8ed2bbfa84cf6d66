// Package websocket provides the push-channel envelope shared by the
// coordinator gateway and the worker runtime.
package websocket

import (
	"encoding/json"
	"fmt"
)

// MessageType names a packet on the push channel
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeRegisterAck  MessageType = "register_ack"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeTask         MessageType = "task"
	TypeTaskAck      MessageType = "task_ack"
	TypeResult       MessageType = "result"
	TypeResultAck    MessageType = "result_ack"
	TypeLog          MessageType = "log"
	TypeError        MessageType = "error"
)

// Close codes sent by the coordinator
const (
	CloseUnauthorized = 4401
	CloseReplaced     = 4409
	CloseDropped      = 4410
)

// Error codes carried in error packets
const (
	ErrorCodeBadRequest    = "MALFORMED_PAYLOAD"
	ErrorCodeUnknownClient = "UNKNOWN_CLIENT"
	ErrorCodeInvalidResult = "INVALID_RESULT_PAYLOAD"
	ErrorCodeUnknownType   = "UNKNOWN_MESSAGE_TYPE"
	ErrorCodeInternalError = "INTERNAL_ERROR"
)

// Message is the envelope for every packet
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is carried by error packets
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskAckPayload is the agent's answer to a task packet
type TaskAckPayload struct {
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ResultAckPayload confirms a recorded result
type ResultAckPayload struct {
	TaskID string `json:"task_id"`
	OK     bool   `json:"ok"`
}

// LogPayload is one progress line from a running task
type LogPayload struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
}

// NewMessage builds an envelope around payload
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{Type: t}
	if payload == nil {
		msg.Payload = json.RawMessage("{}")
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// NewError builds an error packet
func NewError(code, message string) *Message {
	msg, _ := NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
	return msg
}

// ParsePayload decodes the payload into v
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty %s payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode marshals the envelope
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a raw frame into an envelope
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}
