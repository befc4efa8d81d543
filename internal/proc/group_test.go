//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGroup(t *testing.T, script string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	return cmd, exited
}

func TestTerminateGraceful(t *testing.T) {
	cmd, exited := startGroup(t, "sleep 30")

	start := time.Now()
	killed, err := Terminate(cmd.Process.Pid, exited, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, killed)
	<-exited
	assert.Less(t, time.Since(start), time.Second)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd, exited := startGroup(t, "trap '' TERM HUP; while :; do sleep 0.1; done")
	time.Sleep(100 * time.Millisecond)

	killed, err := Terminate(cmd.Process.Pid, exited, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, killed)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("process group survived SIGKILL")
	}
}

func TestTerminateAlreadyExited(t *testing.T) {
	cmd, exited := startGroup(t, "true")
	<-exited

	killed, err := Terminate(cmd.Process.Pid, exited, time.Second)
	assert.NoError(t, err)
	assert.False(t, killed)
}
