// Package session keeps the process-wide table of terminal sessions.
//
// The registry's map lock only guards lookup, insert and delete. Each
// session carries its own mutex for state transitions, so a slow close
// never stalls unrelated sessions.
package session

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dockerflow/gateway/internal/logging"
	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/monitoring"
	"github.com/dockerflow/gateway/internal/mux"
	"github.com/dockerflow/gateway/internal/pty"
	"github.com/dockerflow/gateway/internal/recording"
)

// Config holds registry limits and shell settings.
type Config struct {
	Shell     string
	ShellArgs []string
	WorkDir   string
	// Env is the base environment for shells; nil inherits the gateway's.
	Env []string

	MaxSessions int
	Retention   time.Duration
	KillGrace   time.Duration
	ReplayBytes int
	SinkLimit   int
	RecordDir   string
	RecordInput bool
}

// History records session lifecycle events.
type History interface {
	RecordOpened(ctx context.Context, s *model.Session) error
	RecordClosed(ctx context.Context, s *model.Session) error
}

// Registry owns every live session.
type Registry struct {
	cfg     Config
	history History
	logger  *zap.Logger
	metrics *monitoring.Metrics
	sem     *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry. history and metrics may be nil.
func NewRegistry(cfg Config, history History, logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.ShellArgs == nil {
		cfg.ShellArgs = []string{"-l"}
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 16
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		history:  history,
		logger:   logger.Named("session"),
		metrics:  metrics,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for req.ID, resuming it when it is Active or
// Detached within the retention window, and otherwise spawning a new
// shell. An empty id always spawns. The boolean reports a resume.
func (r *Registry) Open(ctx context.Context, req model.OpenSessionRequest) (*Session, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	for {
		r.mu.Lock()
		existing := r.sessions[id]
		if existing == nil {
			// An Initializing session holds a slot until spawn settles it.
			if !r.sem.TryAcquire(1) {
				r.mu.Unlock()
				return nil, false, model.NewError(model.KindCapacityExceeded, "too many active sessions (max %d)", r.cfg.MaxSessions)
			}
			s := r.newSession(id)
			s.holdsSlot = true
			r.sessions[id] = s
			r.mu.Unlock()

			err := r.spawn(s, req.Cols, req.Rows)
			close(s.ready)
			if err != nil {
				r.remove(s)
				return nil, false, err
			}
			r.metrics.SessionOpened(false)
			r.updateGauges()
			return s, false, nil
		}
		r.mu.Unlock()

		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}

		if existing.proc != nil && existing.resumable(time.Now(), r.cfg.Retention) {
			if req.Cols > 0 && req.Rows > 0 {
				if err := existing.Resize(req.Cols, req.Rows); err != nil {
					r.logger.Debug("resize on resume failed", logging.SessionID(id), zap.Error(err))
				}
			}
			r.metrics.SessionOpened(true)
			return existing, true, nil
		}

		// Expired or already closed: retire it and spawn a fresh shell.
		r.remove(existing)
		if existing.proc != nil {
			existing.terminate(ReasonIdle)
		}
	}
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s == nil {
		return nil, model.NewError(model.KindNotFound, "session %s not found", id)
	}
	<-s.ready
	if s.proc == nil {
		return nil, model.NewError(model.KindNotFound, "session %s not found", id)
	}
	return s, nil
}

// Attach subscribes to the output of s, a session handed out by Open,
// and marks it Active. It fails with CapacityExceeded when s was Detached
// and every slot is taken by other Initializing or Active sessions.
func (r *Registry) Attach(s *Session) (*mux.Subscription, error) {
	sub, err := s.Attach()
	if err != nil {
		return nil, err
	}
	r.updateGauges()
	return sub, nil
}

// Detach drops a subscription obtained from Attach on the same session.
// The lookup is by session rather than id, so a subscription from a
// closed generation cannot touch a newer session reusing the id.
func (r *Registry) Detach(s *Session, sub *mux.Subscription) {
	s.Detach(sub)
	r.updateGauges()
}

// Write forwards input to a session. Input for a closed session that is
// still in the table is dropped and counted.
func (r *Registry) Write(id string, data []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Write(data)
}

// Resize changes a session's terminal size.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return model.NewError(model.KindInvalidArgument, "terminal size must be positive, got %dx%d", cols, rows)
	}
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// Close terminates a session and removes it from the table.
func (r *Registry) Close(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.remove(s)
	if s.State() == model.SessionClosed {
		return nil
	}
	return s.Close()
}

// List returns snapshots of every session in the table, oldest first.
func (r *Registry) List() []*model.Session {
	live := r.live()
	out := make([]*model.Session, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of sessions per state.
func (r *Registry) Counts() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.live() {
		counts[string(s.State())]++
	}
	return counts
}

// Sweep closes sessions that have been Detached longer than the retention
// window and drops closed sessions from the table. It returns the number
// of sessions it closed.
func (r *Registry) Sweep(now time.Time) int {
	closed := 0
	for _, s := range r.live() {
		switch {
		case s.State() == model.SessionClosed:
			r.remove(s)
		case s.expired(now, r.cfg.Retention):
			r.remove(s)
			if s.terminate(ReasonIdle) {
				closed++
			}
		default:
			if _, exited := s.proc.ExitCode(); exited && s.terminate(ReasonExited) {
				closed++
			}
		}
	}
	if closed > 0 {
		r.logger.Info("reaped sessions", zap.Int("count", closed))
	}
	r.updateGauges()
	return closed
}

// Shutdown closes every session.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, s := range r.live() {
		r.remove(s)
		g.Go(func() error {
			s.terminate(ReasonShutdown)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// live returns the spawned sessions currently in the table.
func (r *Registry) live() []*Session {
	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	out := candidates[:0]
	for _, s := range candidates {
		select {
		case <-s.ready:
			if s.proc != nil {
				out = append(out, s)
			}
		default:
		}
	}
	return out
}

// remove deletes s from the table if it is still the entry for its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

func (r *Registry) newSession(id string) *Session {
	s := &Session{
		id:          id,
		shell:       r.cfg.Shell,
		workDir:     r.cfg.WorkDir,
		created:     time.Now(),
		logger:      r.logger.With(logging.SessionID(id)),
		metrics:     r.metrics,
		grace:       r.cfg.KillGrace,
		recordInput: r.cfg.RecordInput,
		ready:       make(chan struct{}),
		readDone:    make(chan struct{}),
		done:        make(chan struct{}),
		state:       model.SessionInitializing,
		subs:        make(map[uint64]*mux.Subscription),
	}
	s.onClose = r.closed
	s.slots = r.sem
	s.touch()
	s.hub = mux.NewHub(mux.Options{
		SinkLimit:   r.cfg.SinkLimit,
		ReplayBytes: r.cfg.ReplayBytes,
		OnDrop: func(sub *mux.Subscription, err error) {
			r.metrics.SinkOverrun()
			s.logger.Warn("dropped slow subscriber", zap.Uint64("subscriber", sub.ID()), zap.Error(err))
		},
	})
	return s
}

func (r *Registry) spawn(s *Session, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		cols, rows = pty.DefaultCols, pty.DefaultRows
	}

	env := r.cfg.Env
	if env == nil {
		env = os.Environ()
	}
	env = withEnv(env, "TERM", "xterm-256color")

	proc, err := pty.Start(pty.StartOptions{
		Command: r.cfg.Shell,
		Args:    r.cfg.ShellArgs,
		Env:     env,
		Dir:     r.cfg.WorkDir,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		s.mu.Lock()
		s.state = model.SessionClosed
		s.releaseSlotLocked()
		s.mu.Unlock()
		close(s.done)
		s.logger.Warn("failed to spawn shell", zap.String("shell", r.cfg.Shell), zap.Error(err))
		return model.WrapError(model.KindSessionSpawnError, "failed to start shell", err)
	}

	if r.cfg.RecordDir != "" {
		rec, err := recording.Create(r.cfg.RecordDir, s.id, s.created, int(cols), int(rows))
		if err != nil {
			s.logger.Warn("recording disabled", zap.Error(err))
		} else {
			s.recorder = rec
			s.recordPath = recording.Path(r.cfg.RecordDir, s.id, s.created)
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.proc = proc
	s.pid = proc.PID()
	s.cols, s.rows = cols, rows
	s.state = model.SessionDetached
	s.detachedAt = &now
	s.releaseSlotLocked()
	s.mu.Unlock()

	go s.readLoop()
	go r.watchExit(s)

	s.logger.Info("session opened", zap.Int("pid", s.pid), zap.String("shell", r.cfg.Shell))
	r.record(func(ctx context.Context) error { return r.history.RecordOpened(ctx, s.Snapshot()) })
	return nil
}

// watchExit closes the session when its shell exits on its own.
func (r *Registry) watchExit(s *Session) {
	select {
	case <-s.proc.Exited():
		s.terminate(ReasonExited)
	case <-s.done:
	}
}

// closed runs once per session after it reaches Closed.
func (r *Registry) closed(s *Session) {
	snap := s.Snapshot()
	r.metrics.SessionClosed(snap.CloseReason)
	r.updateGauges()
	r.record(func(ctx context.Context) error { return r.history.RecordClosed(ctx, snap) })
}

func (r *Registry) record(fn func(ctx context.Context) error) {
	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn("failed to record session history", zap.Error(err))
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetSessionCounts(r.Counts())
}

// withEnv returns env with key set to value.
func withEnv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	prefix := key + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}
