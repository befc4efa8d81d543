package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerflow/gateway/internal/db"
	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/policy"
	"github.com/dockerflow/gateway/internal/repository"
	"github.com/dockerflow/gateway/internal/runner"
	"github.com/dockerflow/gateway/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router   *gin.Engine
	runner   *runner.Runner
	registry *session.Registry
}

func newTestAPI(t *testing.T, sessCfg session.Config) *testAPI {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	conn, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sessions := repository.NewSessionRepository(conn)

	r := runner.New(runner.Config{
		WorkDir:   t.TempDir(),
		KillGrace: 500 * time.Millisecond,
	}, policy.MustDefault(), repository.NewJobRepository(conn), nil, nil)

	sessCfg.Shell = "/bin/sh"
	sessCfg.ShellArgs = []string{}
	sessCfg.WorkDir = t.TempDir()
	sessCfg.KillGrace = 500 * time.Millisecond
	registry := session.NewRegistry(sessCfg, sessions, nil, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
		r.Shutdown(ctx)
	})

	router := gin.New()
	NewHealthHandler(registry, r, time.Now()).RegisterRoutes(router)
	api := router.Group("/api")
	NewJobHandler(r).RegisterRoutes(api)
	NewSessionHandler(registry, sessions).RegisterRoutes(api)

	return &testAPI{router: router, runner: r, registry: registry}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.KindInvalidCommand, http.StatusBadRequest},
		{model.KindInvalidArgument, http.StatusBadRequest},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindCapacityExceeded, http.StatusTooManyRequests},
		{model.KindSessionSpawnError, http.StatusServiceUnavailable},
		{model.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestRunEcho(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	w := api.do(t, http.MethodPost, "/api/run", model.RunRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[JobResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, model.JobCompleted, resp.Status)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 0, *resp.ExitCode)
	assert.Equal(t, "hi\n", resp.Output)
	assert.NotEmpty(t, resp.JobID)
}

func TestRunNonZeroExitIsSuccess(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	w := api.do(t, http.MethodPost, "/api/run", model.RunRequest{Command: `sh -c "exit 4"`})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[JobResponse](t, w)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 4, *resp.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	start := time.Now()
	w := api.do(t, http.MethodPost, "/api/run", model.RunRequest{Command: "sleep 10", TimeoutSeconds: 1})
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[JobResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, model.KindTimedOut, resp.ErrorKind)
	assert.Equal(t, model.JobTimedOut, resp.Status)
}

func TestRunRejectsBadRequests(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	tests := []struct {
		name string
		body any
		want model.ErrorKind
	}{
		{"empty command", model.RunRequest{Command: ""}, model.KindInvalidCommand},
		{"denied command", model.RunRequest{Command: "rm -rf /"}, model.KindInvalidCommand},
		{"denied quoted command", model.RunRequest{Command: `"rm" -rf '/'`}, model.KindInvalidCommand},
		{"overflowing timeout", model.RunRequest{Command: "echo", TimeoutSeconds: 9300000000}, model.KindInvalidArgument},
		{"negative timeout", model.RunRequest{Command: "echo", TimeoutSeconds: -1}, model.KindInvalidArgument},
		{"malformed json", `{"command":`, model.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, http.MethodPost, "/api/run", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.want, resp.ErrorKind)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestSubmitAndPoll(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	w := api.do(t, http.MethodPost, "/api/jobs", model.RunRequest{Command: "echo async"})
	require.Equal(t, http.StatusAccepted, w.Code)
	submitted := decode[SubmitResponse](t, w)
	require.NotEmpty(t, submitted.JobID)
	assert.Equal(t, "/api/jobs/"+submitted.JobID, w.Header().Get("Location"))

	var resp JobResponse
	require.Eventually(t, func() bool {
		w := api.do(t, http.MethodGet, "/api/jobs/"+submitted.JobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		resp = decode[JobResponse](t, w)
		return resp.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "async\n", resp.Output)

	w = api.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]JobResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, submitted.JobID, list[0].JobID)
}

func TestCancelJob(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	w := api.do(t, http.MethodPost, "/api/jobs", model.RunRequest{Command: "sleep 30"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[SubmitResponse](t, w).JobID

	w = api.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		job, err := api.runner.Get(context.Background(), id)
		return err == nil && job.Status == model.JobFailed && job.Message == "cancelled"
	}, 5*time.Second, 20*time.Millisecond)

	w = api.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.KindInternal, decode[JobResponse](t, w).ErrorKind)
}

func TestRunSpawnFailureReportsKind(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	w := api.do(t, http.MethodPost, "/api/run", model.RunRequest{Command: "definitely-not-a-real-binary-42"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[JobResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, model.JobFailed, resp.Status)
	assert.Equal(t, model.KindInvalidCommand, resp.ErrorKind)
}

func TestUnknownJob(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w := api.do(t, method, "/api/jobs/nope", nil)
		require.Equal(t, http.StatusNotFound, w.Code, method)
		assert.Equal(t, model.KindNotFound, decode[ErrorResponse](t, w).ErrorKind)
	}

	w := api.do(t, http.MethodGet, "/api/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t, session.Config{Retention: time.Minute})

	w := api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "work", Cols: 100, Rows: 30})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[SessionResponse](t, w)
	assert.Equal(t, "work", created.ID)
	assert.Equal(t, model.SessionDetached, created.State)
	assert.Equal(t, uint16(100), created.Cols)
	require.NotNil(t, created.Resumed)
	assert.False(t, *created.Resumed)

	// Opening the same id resumes it.
	w = api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "work"})
	require.Equal(t, http.StatusOK, w.Code)
	resumed := decode[SessionResponse](t, w)
	require.NotNil(t, resumed.Resumed)
	assert.True(t, *resumed.Resumed)
	assert.Equal(t, created.PID, resumed.PID)

	w = api.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]SessionResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "work", list[0].ID)

	w = api.do(t, http.MethodGet, "/api/sessions/work", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodDelete, "/api/sessions/work", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/api/sessions/work", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = api.do(t, http.MethodDelete, "/api/sessions/work", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The closed generation is still in history.
	w = api.do(t, http.MethodGet, "/api/sessions/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]SessionResponse](t, w)
	require.Len(t, history, 1)
	assert.Equal(t, model.SessionClosed, history[0].State)
	assert.Equal(t, session.ReasonExplicit, history[0].CloseReason)

	w = api.do(t, http.MethodGet, "/api/sessions?all=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]SessionResponse](t, w), 1)
}

func TestCreateSessionWithoutBody(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode[SessionResponse](t, w).ID)
}

func TestCreateSessionErrors(t *testing.T) {
	api := newTestAPI(t, session.Config{MaxSessions: 1})

	w := api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "bad id!"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.KindInvalidArgument, decode[ErrorResponse](t, w).ErrorKind)

	w = api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "one"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Only Initializing and Active sessions take a slot.
	one, err := api.registry.Get("one")
	require.NoError(t, err)
	sub, err := api.registry.Attach(one)
	require.NoError(t, err)

	w = api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "two"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, model.KindCapacityExceeded, decode[ErrorResponse](t, w).ErrorKind)

	api.registry.Detach(one, sub)
	w = api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "two"})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestSessionRecording(t *testing.T) {
	api := newTestAPI(t, session.Config{RecordDir: t.TempDir()})

	w := api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "rec"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decode[SessionResponse](t, w).HasRecording)
	require.NoError(t, api.registry.Write("rec", []byte("echo recorded\n")))

	w = api.do(t, http.MethodDelete, "/api/sessions/rec", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Served from history once the session is gone.
	w = api.do(t, http.MethodGet, "/api/sessions/rec/recording", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-asciicast", w.Header().Get("Content-Type"))
	firstName := w.Header().Get("Content-Disposition")
	assert.Regexp(t, `rec\.\d{8}T\d{6}\.\d{9}Z\.cast`, firstName)

	header, _, _ := strings.Cut(w.Body.String(), "\n")
	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(header), &h))
	assert.Equal(t, float64(2), h["version"])

	// A new generation under the same id records to its own file.
	w = api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "rec"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = api.do(t, http.MethodDelete, "/api/sessions/rec", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/api/sessions/rec/recording", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, firstName, w.Header().Get("Content-Disposition"))

	w = api.do(t, http.MethodGet, "/api/sessions/unknown/recording", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, session.Config{})

	w := api.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{ID: "h"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.Sessions[string(model.SessionDetached)])
	assert.NotEmpty(t, resp.Uptime)

	w = api.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/ws/terminal")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(-time.Second))
	assert.Equal(t, "1m5s", formatDuration(65*time.Second+200*time.Millisecond))
	assert.Equal(t, "2h0m0s", formatDuration(2*time.Hour))
}
