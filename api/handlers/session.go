package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/session"
)

// SessionHistory reads past session generations.
type SessionHistory interface {
	List(ctx context.Context, limit int) ([]*model.Session, error)
	LatestRecording(ctx context.Context, id string) (string, error)
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	registry *session.Registry
	history  SessionHistory
}

// NewSessionHandler creates a new SessionHandler. history may be nil, in
// which case only live sessions are visible.
func NewSessionHandler(registry *session.Registry, history SessionHistory) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		history:  history,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID               string             `json:"id"`
	State            model.SessionState `json:"state"`
	Shell            string             `json:"shell"`
	WorkingDirectory string             `json:"workingDirectory"`
	PID              int                `json:"pid,omitempty"`
	Cols             uint16             `json:"cols,omitempty"`
	Rows             uint16             `json:"rows,omitempty"`
	Attachments      int                `json:"attachments"`
	DroppedWrites    int64              `json:"droppedWrites,omitempty"`
	ExitCode         *int               `json:"exitCode,omitempty"`
	CloseReason      string             `json:"closeReason,omitempty"`
	HasRecording     bool               `json:"hasRecording,omitempty"`
	Uptime           string             `json:"uptime"`
	CreatedAt        string             `json:"createdAt"`
	DetachedAt       string             `json:"detachedAt,omitempty"`
	ClosedAt         string             `json:"closedAt,omitempty"`
	Resumed          *bool              `json:"resumed,omitempty"`
}

func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:               s.ID,
		State:            s.State,
		Shell:            s.Shell,
		WorkingDirectory: s.WorkingDirectory,
		PID:              s.PID,
		Cols:             s.Cols,
		Rows:             s.Rows,
		Attachments:      s.Attachments,
		DroppedWrites:    s.DroppedWrites,
		ExitCode:         s.ExitCode,
		CloseReason:      s.CloseReason,
		HasRecording:     s.RecordingPath != "",
		Uptime:           formatDuration(s.Uptime()),
		CreatedAt:        s.CreatedAt.Format(timeFormat),
	}
	if s.DetachedAt != nil {
		resp.DetachedAt = s.DetachedAt.Format(timeFormat)
	}
	if s.ClosedAt != nil {
		resp.ClosedAt = s.ClosedAt.Format(timeFormat)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// Create handles POST /api/sessions - opens a detached session, or resumes
// the named one. The body is optional.
func (h *SessionHandler) Create(c *gin.Context) {
	var req model.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	s, resumed, err := h.registry.Open(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}

	resp := toSessionResponse(s.Snapshot())
	resp.Resumed = &resumed
	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// List handles GET /api/sessions. With ?all=1 it returns the persisted
// history, including closed sessions.
func (h *SessionHandler) List(c *gin.Context) {
	if all := c.Query("all"); all == "1" || all == "true" {
		h.History(c)
		return
	}

	sessions := h.registry.List()
	response := make([]*SessionResponse, len(sessions))
	for i, s := range sessions {
		response[i] = toSessionResponse(s)
	}
	c.JSON(http.StatusOK, response)
}

// History handles GET /api/sessions/history.
func (h *SessionHandler) History(c *gin.Context) {
	if h.history == nil {
		sendError(c, model.NewError(model.KindNotFound, "session history is not enabled"))
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		sendError(c, err)
		return
	}

	sessions, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, err)
		return
	}
	response := make([]*SessionResponse, len(sessions))
	for i, s := range sessions {
		response[i] = toSessionResponse(s)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	s, err := h.registry.Get(c.Param("id"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s.Snapshot()))
}

// Delete handles DELETE /api/sessions/:id - terminates the shell.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.registry.Close(c.Param("id")); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Recording handles GET /api/sessions/:id/recording - downloads the
// asciicast recording of the session's latest generation.
func (h *SessionHandler) Recording(c *gin.Context) {
	id := c.Param("id")

	var path string
	if s, err := h.registry.Get(id); err == nil {
		path = s.Snapshot().RecordingPath
	}
	if path == "" && h.history != nil {
		p, err := h.history.LatestRecording(c.Request.Context(), id)
		if err != nil {
			sendError(c, err)
			return
		}
		path = p
	}
	if path == "" {
		sendError(c, model.NewError(model.KindNotFound, "no recording for session %s", id))
		return
	}
	if _, err := os.Stat(path); err != nil {
		sendError(c, model.WrapError(model.KindNotFound, "recording file is gone", err))
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.FileAttachment(path, filepath.Base(path))
}

// RegisterRoutes registers the session routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.POST("/sessions", h.Create)
	rg.GET("/sessions/history", h.History)
	rg.GET("/sessions/:id", h.Get)
	rg.DELETE("/sessions/:id", h.Delete)
	rg.GET("/sessions/:id/recording", h.Recording)
}
