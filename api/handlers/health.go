package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dockerflow/gateway/internal/runner"
	"github.com/dockerflow/gateway/internal/session"
)

// Version is reported by the info and health endpoints.
var Version = "dev"

// HealthHandler serves liveness and service information.
type HealthHandler struct {
	registry *session.Registry
	runner   *runner.Runner
	started  time.Time
}

// NewHealthHandler creates a new HealthHandler. started is the time the
// gateway came up.
func NewHealthHandler(registry *session.Registry, r *runner.Runner, started time.Time) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		runner:   r,
		started:  started,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Timestamp     string         `json:"timestamp"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Sessions      map[string]int `json:"sessions"`
	Jobs          map[string]int `json:"jobs"`
	Goroutines    int            `json:"goroutines"`
	GoVersion     string         `json:"goVersion"`
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	now := time.Now()
	uptime := now.Sub(h.started)

	jobs := make(map[string]int)
	for status, n := range h.runner.Counts() {
		jobs[string(status)] = n
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       Version,
		Timestamp:     now.Format(timeFormat),
		Uptime:        formatDuration(uptime),
		UptimeSeconds: seconds(uptime),
		Sessions:      h.registry.Counts(),
		Jobs:          jobs,
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
	})
}

// Root handles GET / - lists the API surface.
func (h *HealthHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "dockerflow gateway",
		"version": Version,
		"endpoints": gin.H{
			"health":    "/health",
			"metrics":   "/metrics",
			"run":       "/api/run",
			"jobs":      "/api/jobs",
			"sessions":  "/api/sessions",
			"terminal":  "/ws/terminal",
			"jobStream": "/ws/jobs",
		},
	})
}

// RegisterRoutes registers the health routes at the router root.
func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
}
