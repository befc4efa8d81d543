// Package pty starts processes on a pseudo-terminal and tears them down.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/dockerflow/gateway/internal/proc"
)

const (
	DefaultRows uint16 = 24
	DefaultCols uint16 = 80
)

// ErrClosed is returned by operations on a closed process.
var ErrClosed = errors.New("pty closed")

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the program to execute.
	Command string

	Args []string

	// Env is the full environment. If nil, the current process environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string

	Rows uint16
	Cols uint16
}

// Process is a child running on the slave side of a PTY. The caller owns
// the master side and must call Close to release it.
type Process struct {
	cmd    *exec.Cmd
	master *os.File

	exited   chan struct{}
	exitCode int
	waitErr  error

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Start allocates a PTY and starts the command on it. The child becomes a
// session leader, so its pid is also its process group id.
func Start(opts StartOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		master: master,
		exited: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
			p.waitErr = err
		}
	}
	close(p.exited)
}

// PID returns the process id of the child.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Read reads output from the PTY master. It returns an error once the
// child side has gone away or the process has been closed.
func (p *Process) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

// Write forwards input to the PTY.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return p.master.Write(b)
}

// Resize changes the window size.
func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit status once the child has exited.
// Signalled children report -1.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Close terminates the process group, waiting up to grace before SIGKILL,
// then releases the PTY master. Only the first call has any effect.
func (p *Process) Close(grace time.Duration) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		_, termErr := proc.Terminate(p.PID(), p.exited, grace)
		closeErr := p.master.Close()
		p.closeErr = errors.Join(termErr, closeErr)
	})
	return p.closeErr
}
