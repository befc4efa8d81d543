package ws

import "github.com/dockerflow/gateway/internal/model"

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeAttach MessageType = "attach"
	MessageTypeInput  MessageType = "input"
	MessageTypeResize MessageType = "resize"
	MessageTypePing   MessageType = "ping"
	MessageTypeRun    MessageType = "run"
	MessageTypeCancel MessageType = "cancel"

	// Server -> Client message types
	MessageTypeAttached MessageType = "attached"
	MessageTypeOutput   MessageType = "output"
	MessageTypeError    MessageType = "error"
	MessageTypePong     MessageType = "pong"
	MessageTypeExit     MessageType = "exit"
)

// Message represents a WebSocket message.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      string          `json:"data,omitempty"`
	Cols      uint16          `json:"cols,omitempty"`
	Rows      uint16          `json:"rows,omitempty"`
	Resumed   *bool           `json:"resumed,omitempty"`
	ErrorKind model.ErrorKind `json:"errorKind,omitempty"`
	Message   string          `json:"message,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`

	// Job streams only.
	Command          string            `json:"command,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	JobID            string            `json:"jobId,omitempty"`
	Status           model.JobStatus   `json:"status,omitempty"`
}

func errorMessage(err error) *Message {
	return &Message{Type: MessageTypeError, ErrorKind: model.KindOf(err), Message: err.Error()}
}
