package transport

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeHello        MessageType = "hello"
	TypeWelcome      MessageType = "welcome"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeError        MessageType = "error"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
)

// Message is one newline-delimited JSON frame on the wire.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *RemoteError    `json:"error,omitempty"`
	Hello         *Hello          `json:"hello,omitempty"`
}

// Hello identifies the client during the handshake.
type Hello struct {
	Client    string            `json:"client"`
	Version   string            `json:"version"`
	UserAgent string            `json:"user_agent"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// RemoteError is an application error reported by the remote service.
type RemoteError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %s", e.Code)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

func NewRequest(correlationID string, payload json.RawMessage) Message {
	return Message{
		Type:          TypeRequest,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

func NewHeartbeat() Message {
	return Message{
		Type:          TypeHeartbeat,
		CorrelationID: uuid.NewString(),
	}
}

// IsReply reports whether m answers an earlier message by correlation id.
func (m Message) IsReply() bool {
	switch m.Type {
	case TypeResponse, TypeError, TypeHeartbeatAck:
		return m.CorrelationID != ""
	}
	return false
}
