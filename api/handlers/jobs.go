package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/runner"
)

// JobHandler handles HTTP requests for command execution.
type JobHandler struct {
	runner *runner.Runner
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(r *runner.Runner) *JobHandler {
	return &JobHandler{runner: r}
}

// JobResponse represents a job in API responses. Success is true when the
// command ran to completion, whatever its exit code.
type JobResponse struct {
	Success          bool            `json:"success"`
	JobID            string          `json:"jobId"`
	Command          string          `json:"command"`
	Status           model.JobStatus `json:"status"`
	ExitCode         *int            `json:"exitCode,omitempty"`
	Output           string          `json:"output"`
	Truncated        bool            `json:"truncated"`
	ElapsedSeconds   float64         `json:"elapsedSeconds"`
	ErrorKind        model.ErrorKind `json:"errorKind,omitempty"`
	Message          string          `json:"message,omitempty"`
	WorkingDirectory string          `json:"workingDirectory"`
	CreatedAt        string          `json:"createdAt"`
}

// SubmitResponse is returned for asynchronous submissions.
type SubmitResponse struct {
	JobID  string          `json:"jobId"`
	Status model.JobStatus `json:"status"`
}

func toJobResponse(j *model.Job) *JobResponse {
	return &JobResponse{
		Success:          j.Status == model.JobCompleted,
		JobID:            j.ID,
		Command:          j.Command,
		Status:           j.Status,
		ExitCode:         j.ExitCode,
		Output:           j.Output,
		Truncated:        j.Truncated,
		ElapsedSeconds:   seconds(j.Elapsed()),
		ErrorKind:        j.ErrorKind,
		Message:          j.Message,
		WorkingDirectory: j.WorkingDirectory,
		CreatedAt:        j.CreatedAt.Format(timeFormat),
	}
}

// Run handles POST /api/run - runs a command and waits for the result.
// A timed out or failed job is still a 200 with success=false.
func (h *JobHandler) Run(c *gin.Context) {
	var req model.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	job, err := h.runner.Execute(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// Submit handles POST /api/jobs - starts a command in the background.
func (h *JobHandler) Submit(c *gin.Context) {
	var req model.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	job, err := h.runner.Submit(req)
	if err != nil {
		sendError(c, err)
		return
	}
	c.Header("Location", "/api/jobs/"+job.ID)
	c.JSON(http.StatusAccepted, SubmitResponse{JobID: job.ID, Status: job.Status})
}

// List handles GET /api/jobs.
func (h *JobHandler) List(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		sendError(c, err)
		return
	}

	jobs, err := h.runner.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, err)
		return
	}
	response := make([]*JobResponse, len(jobs))
	for i, j := range jobs {
		response[i] = toJobResponse(j)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.runner.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// Cancel handles DELETE /api/jobs/:id. Cancelling a finished job returns
// it unchanged.
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.runner.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// RegisterRoutes registers the job routes. submit wraps the routes that
// start processes, typically with a rate limiter.
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup, submit ...gin.HandlerFunc) {
	rg.POST("/run", chain(submit, h.Run)...)
	rg.POST("/jobs", chain(submit, h.Submit)...)
	rg.GET("/jobs", h.List)
	rg.GET("/jobs/:id", h.Get)
	rg.DELETE("/jobs/:id", h.Cancel)
}

func chain(mw []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(mw)+1)
	return append(append(out, mw...), h)
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, model.NewError(model.KindInvalidArgument, "limit must be a non-negative integer")
	}
	return limit, nil
}
