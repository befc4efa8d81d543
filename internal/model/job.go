package model

import (
	"strings"
	"time"
)

// JobStatus represents the status of a one-shot command execution.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimedOut
}

// Job is one command execution and its result.
type Job struct {
	ID               string            `json:"id"`
	Command          string            `json:"command"`
	WorkingDirectory string            `json:"workingDirectory"`
	Env              map[string]string `json:"env,omitempty"`
	Timeout          time.Duration     `json:"-"`
	Status           JobStatus         `json:"status"`
	ExitCode         *int              `json:"exitCode,omitempty"`
	Output           string            `json:"output"`
	Truncated        bool              `json:"truncated,omitempty"`
	ErrorKind        ErrorKind         `json:"errorKind,omitempty"`
	Message          string            `json:"message,omitempty"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Elapsed returns the run time, or zero if the job has not started.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}

// Err returns the failure recorded on a finished job as a classified
// error, so callers can match it against ErrTimedOut and the other
// sentinels. A completed job has no error whatever its exit code.
func (j *Job) Err() error {
	if j.Status != JobFailed && j.Status != JobTimedOut {
		return nil
	}
	kind := j.ErrorKind
	if kind == "" {
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: j.Message}
}

// Clone returns a deep copy so callers cannot mutate runner-owned state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// RunRequest represents a request to execute a command.
type RunRequest struct {
	Command          string            `json:"command"`
	WorkingDirectory string            `json:"workingDirectory"`
	TimeoutSeconds   int               `json:"timeoutSeconds"`
	Env              map[string]string `json:"env"`
}

// Validate validates the run request.
func (r *RunRequest) Validate() error {
	if strings.TrimSpace(r.Command) == "" {
		return NewError(KindInvalidCommand, "command is required")
	}
	if r.TimeoutSeconds < 0 {
		return NewError(KindInvalidArgument, "timeoutSeconds must not be negative")
	}
	return nil
}
