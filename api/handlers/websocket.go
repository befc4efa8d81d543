package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/ws"
)

// WebSocketHandler handles WebSocket connections for terminal sessions and
// streamed jobs.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	logger    *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// Attach handles GET /ws/terminal[/:id]. Without an id in the path the
// client names the session in its first frame.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID != "" && !model.ValidSessionID(sessionID) {
		sendError(c, model.NewError(model.KindInvalidArgument, "invalid session id %q", sessionID))
		return
	}

	// The upgrader has already written an HTTP error on failure.
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, sessionID); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}

// Jobs handles GET /ws/jobs - runs one command per connection and streams
// its output.
func (h *WebSocketHandler) Jobs(c *gin.Context) {
	if err := h.wsHandler.HandleJob(c.Writer, c.Request); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}

// RegisterRoutes registers the WebSocket routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/terminal", h.Attach)
	rg.GET("/terminal/:id", h.Attach)
	rg.GET("/jobs", h.Jobs)
}
