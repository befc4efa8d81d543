package model

import (
	"regexp"
	"time"
)

// SessionState represents the lifecycle state of a terminal session.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionActive       SessionState = "active"
	SessionDetached     SessionState = "detached"
	SessionClosed       SessionState = "closed"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidSessionID reports whether id may be used as a client-supplied session id.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Session is a point-in-time snapshot of a terminal session.
type Session struct {
	ID               string       `json:"id"`
	State            SessionState `json:"state"`
	Shell            string       `json:"shell"`
	WorkingDirectory string       `json:"workingDirectory"`
	PID              int          `json:"pid,omitempty"`
	Cols             uint16       `json:"cols"`
	Rows             uint16       `json:"rows"`
	Attachments      int          `json:"attachments"`
	DroppedWrites    int64        `json:"droppedWrites,omitempty"`
	ExitCode         *int         `json:"exitCode,omitempty"`
	CloseReason      string       `json:"closeReason,omitempty"`
	RecordingPath    string       `json:"-"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastActivityAt   time.Time    `json:"lastActivityAt"`
	DetachedAt       *time.Time   `json:"detachedAt,omitempty"`
	ClosedAt         *time.Time   `json:"closedAt,omitempty"`
}

// Uptime returns how long the session has existed.
func (s *Session) Uptime() time.Duration {
	if s.ClosedAt != nil {
		return s.ClosedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// OpenSessionRequest represents a request to open or resume a session.
type OpenSessionRequest struct {
	ID   string `json:"sessionId"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Validate validates the open session request.
func (r *OpenSessionRequest) Validate() error {
	if r.ID != "" && !ValidSessionID(r.ID) {
		return NewError(KindInvalidArgument, "invalid session id %q", r.ID)
	}
	return nil
}
