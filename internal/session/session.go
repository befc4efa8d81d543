package session

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/monitoring"
	"github.com/dockerflow/gateway/internal/mux"
	"github.com/dockerflow/gateway/internal/pty"
	"github.com/dockerflow/gateway/internal/recording"
)

// Close reasons recorded in session history.
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonExited   = "exited"
	ReasonShutdown = "shutdown"
)

const readBufferSize = 32 * 1024

// Session is a live shell on a PTY. Its output is published to a hub that
// any number of transports may attach to.
type Session struct {
	id      string
	shell   string
	workDir string
	created time.Time

	proc     *pty.Process
	hub      *mux.Hub
	recorder *recording.Recorder
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	grace    time.Duration
	onClose  func(s *Session)
	// slots bounds Initializing and Active sessions across the registry.
	slots *semaphore.Weighted
	// recordInput also records keystrokes, which may include secrets.
	recordInput bool

	ready    chan struct{}
	readDone chan struct{}
	done     chan struct{}

	dropped      atomic.Int64
	lastActivity atomic.Int64

	mu          sync.Mutex
	state       model.SessionState
	closing     bool
	cols, rows  uint16
	subs        map[uint64]*mux.Subscription
	detachedAt  *time.Time
	closedAt    *time.Time
	exitCode    *int
	closeReason string
	recordPath  string
	pid         int
	holdsSlot   bool
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has reached the Closed state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the shell's exit status once the session is closed.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Snapshot returns a point-in-time copy of the session.
func (s *Session) Snapshot() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &model.Session{
		ID:               s.id,
		State:            s.state,
		Shell:            s.shell,
		WorkingDirectory: s.workDir,
		PID:              s.pid,
		Cols:             s.cols,
		Rows:             s.rows,
		Attachments:      len(s.subs),
		DroppedWrites:    s.dropped.Load(),
		CloseReason:      s.closeReason,
		RecordingPath:    s.recordPath,
		CreatedAt:        s.created,
		LastActivityAt:   time.Unix(0, s.lastActivity.Load()),
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	if s.detachedAt != nil {
		t := *s.detachedAt
		snap.DetachedAt = &t
	}
	if s.closedAt != nil {
		t := *s.closedAt
		snap.ClosedAt = &t
	}
	return snap
}

// Attach subscribes a transport to the session's output and marks the
// session Active. Turning a Detached session Active takes a capacity slot;
// CapacityExceeded is returned when none is free.
func (s *Session) Attach() (*mux.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionClosed || s.closing {
		return nil, model.NewError(model.KindTransportClosed, "session %s is closed", s.id)
	}
	if !s.holdsSlot {
		if s.slots != nil && !s.slots.TryAcquire(1) {
			return nil, model.NewError(model.KindCapacityExceeded, "too many active sessions")
		}
		s.holdsSlot = true
	}

	sub := s.hub.Subscribe()
	s.subs[sub.ID()] = sub
	s.state = model.SessionActive
	s.detachedAt = nil
	return sub, nil
}

// Detach removes a subscription. The session becomes Detached when its
// last attachment goes away; it is not closed. Detaching the same
// subscription twice has no effect.
func (s *Session) Detach(sub *mux.Subscription) {
	s.hub.Unsubscribe(sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.ID()] != sub {
		return
	}
	delete(s.subs, sub.ID())
	if len(s.subs) == 0 && s.state == model.SessionActive {
		now := time.Now()
		s.state = model.SessionDetached
		s.detachedAt = &now
		s.releaseSlotLocked()
	}
}

// releaseSlotLocked gives back the capacity slot, if held. s.mu must be held.
func (s *Session) releaseSlotLocked() {
	if !s.holdsSlot {
		return
	}
	s.holdsSlot = false
	if s.slots != nil {
		s.slots.Release(1)
	}
}

// Write forwards input to the shell. Input for a closed session is
// dropped and counted rather than reported as an error.
func (s *Session) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := s.proc.Write(data)
	if err != nil {
		s.dropped.Add(1)
		s.metrics.DroppedWrite()
		s.logger.Debug("dropped write to closed session", zap.Int("bytes", len(data)), zap.Error(err))
		return nil
	}
	s.touch()
	s.metrics.PTYWrite(n)
	if s.recorder != nil && s.recordInput {
		if err := s.recorder.Input(data); err != nil {
			s.logger.Warn("failed to record input", zap.Error(err))
		}
	}
	return nil
}

// Resize changes the terminal window size. Repeating the current size is
// a no-op.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return model.NewError(model.KindInvalidArgument, "terminal size must be positive, got %dx%d", cols, rows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionClosed || s.closing {
		return model.NewError(model.KindTransportClosed, "session %s is closed", s.id)
	}
	if cols == s.cols && rows == s.rows {
		return nil
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return model.WrapError(model.KindInternal, "failed to resize terminal", err)
	}
	s.cols, s.rows = cols, rows
	if s.recorder != nil {
		if err := s.recorder.Resize(cols, rows); err != nil {
			s.logger.Warn("failed to record resize", zap.Error(err))
		}
	}
	return nil
}

// Close terminates the shell and releases the PTY. Closing a session that
// was already closed explicitly is a programming error.
func (s *Session) Close() error {
	if s.terminate(ReasonExplicit) {
		return nil
	}
	s.mu.Lock()
	reason := s.closeReason
	s.mu.Unlock()
	if reason == ReasonExplicit {
		s.logger.DPanic("session closed twice")
	}
	return nil
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// resumable reports whether Open may hand this session out again.
func (s *Session) resumable(now time.Time, retention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	switch s.state {
	case model.SessionActive:
		return true
	case model.SessionDetached:
		return retention <= 0 || s.detachedAt == nil || now.Sub(*s.detachedAt) <= retention
	default:
		return false
	}
}

// expired reports whether a Detached session has outlived the retention window.
func (s *Session) expired(now time.Time, retention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retention > 0 && !s.closing && s.state == model.SessionDetached &&
		s.detachedAt != nil && now.Sub(*s.detachedAt) > retention
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			s.touch()
			s.metrics.PTYRead(n)
			if s.recorder != nil {
				if rerr := s.recorder.Output(buf[:n]); rerr != nil {
					s.logger.Warn("failed to record output", zap.Error(rerr))
				}
			}
			s.hub.Publish(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// terminate moves the session to Closed. It returns false if another
// caller got there first.
func (s *Session) terminate(reason string) bool {
	s.mu.Lock()
	if s.closing || s.state == model.SessionClosed {
		s.mu.Unlock()
		return false
	}
	s.closing = true
	s.mu.Unlock()

	// Let the read loop drain whatever the shell wrote before exiting.
	if reason == ReasonExited {
		select {
		case <-s.readDone:
		case <-time.After(s.grace):
		}
	}
	if err := s.proc.Close(s.grace); err != nil {
		s.logger.Debug("error releasing pty", zap.Error(err))
	}
	select {
	case <-s.proc.Exited():
	case <-time.After(s.grace):
		s.logger.Warn("shell not reaped after kill")
	}
	select {
	case <-s.readDone:
	case <-time.After(s.grace):
		// A process outside the group still holds the terminal open.
		s.logger.Warn("pty reader did not stop")
	}
	s.hub.Close(nil)

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("failed to close recording", zap.Error(err))
		}
	}

	now := time.Now()
	s.mu.Lock()
	if code, ok := s.proc.ExitCode(); ok {
		s.exitCode = &code
	}
	s.state = model.SessionClosed
	s.closedAt = &now
	s.closeReason = reason
	s.subs = make(map[uint64]*mux.Subscription)
	s.releaseSlotLocked()
	s.mu.Unlock()
	close(s.done)

	s.logger.Info("session closed", zap.String("reason", reason))
	if s.onClose != nil {
		s.onClose(s)
	}
	return true
}
