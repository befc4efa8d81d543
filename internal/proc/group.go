//go:build !windows

// Package proc terminates child process groups.
package proc

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// SignalGroup sends sig to every process in the group led by pid.
// A group that no longer exists is not an error.
func SignalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Terminate asks the group led by pid to exit, waits until exited is closed
// or grace elapses, then kills the group. It reports whether SIGKILL was sent.
//
// SIGHUP accompanies SIGTERM because interactive shells ignore SIGTERM.
func Terminate(pid int, exited <-chan struct{}, grace time.Duration) (bool, error) {
	select {
	case <-exited:
		return false, nil
	default:
	}

	termErr := SignalGroup(pid, unix.SIGTERM)
	_ = SignalGroup(pid, unix.SIGHUP)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return false, termErr
	case <-timer.C:
	}

	if err := SignalGroup(pid, unix.SIGKILL); err != nil {
		return true, err
	}
	return true, nil
}
