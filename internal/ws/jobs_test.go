package ws

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/session"
)

func TestJobStreamOutputAndExit(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})

	conn := dial(t, srv, "/ws/jobs")
	require.NoError(t, conn.WriteJSON(Message{
		Type:    MessageTypeRun,
		Command: `sh -c 'echo one; sleep 0.1; echo "$GREETING"; exit 4'`,
		Env:     map[string]string{"GREETING": "two"},
	}))

	exit, output := readUntil(t, conn, ofType(MessageTypeExit))
	assert.Equal(t, "one\ntwo\n", output)
	assert.Equal(t, model.JobCompleted, exit.Status)
	assert.NotEmpty(t, exit.JobID)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 4, *exit.ExitCode)
	assert.Empty(t, exit.ErrorKind)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close, got %v", err)
}

func TestJobStreamRejectsDeniedCommand(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})

	for _, cmd := range []string{"rm -rf /", `rm -rf "/"`, ""} {
		conn := dial(t, srv, "/ws/jobs")
		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeRun, Command: cmd}))

		msg := readFrame(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type, cmd)
		assert.Equal(t, model.KindInvalidCommand, msg.ErrorKind, cmd)
	}
}

func TestJobStreamFirstFrameMustBeRun(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})

	conn := dial(t, srv, "/ws/jobs")
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeAttach}))

	msg := readFrame(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, model.KindInvalidArgument, msg.ErrorKind)
}

func TestJobStreamCancel(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})

	conn := dial(t, srv, "/ws/jobs")
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeRun, Command: `sh -c 'echo started; sleep 30'`}))
	readUntil(t, conn, outputContains("started"))

	start := time.Now()
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeCancel}))
	exit, _ := readUntil(t, conn, ofType(MessageTypeExit))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.JobFailed, exit.Status)
	assert.Equal(t, model.KindInternal, exit.ErrorKind)
	assert.Equal(t, "cancelled", exit.Message)
	assert.Nil(t, exit.ExitCode)
}

func TestJobStreamTimeout(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})

	conn := dial(t, srv, "/ws/jobs")
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeRun, Command: "sleep 10", TimeoutSeconds: 1}))

	exit, _ := readUntil(t, conn, ofType(MessageTypeExit))
	assert.Equal(t, model.JobTimedOut, exit.Status)
	assert.Equal(t, model.KindTimedOut, exit.ErrorKind)
}
