// Package runner executes one-shot commands as child processes with a
// working directory, a timeout and a bounded capture of their output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dockerflow/gateway/internal/buffer"
	"github.com/dockerflow/gateway/internal/logging"
	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/monitoring"
	"github.com/dockerflow/gateway/internal/proc"
)

// Config holds runner limits.
type Config struct {
	WorkDir        string
	OutputCap      int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	KillGrace      time.Duration
	MaxConcurrent  int

	// Retention bounds how long finished jobs stay in memory.
	Retention time.Duration
	// HistoryRetention bounds how long finished jobs stay in the store.
	// Zero keeps them forever.
	HistoryRetention time.Duration
}

// Policy vets commands before they run.
type Policy interface {
	Check(command string) error
}

// Store persists finished jobs.
type Store interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, limit int) ([]*model.Job, error)
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

type entry struct {
	job    *model.Job
	cancel context.CancelCauseFunc
}

var (
	// ErrCancelled is the cancellation cause for a job stopped on request.
	// Streaming callers pass it to their context's cancel func.
	ErrCancelled = errors.New("cancelled")

	errShutdown = errors.New("gateway shutting down")
)

// Runner owns every job it creates. Callers only ever see copies.
type Runner struct {
	cfg     Config
	policy  Policy
	store   Store
	logger  *zap.Logger
	metrics *monitoring.Metrics
	sem     *semaphore.Weighted

	mu   sync.RWMutex
	jobs map[string]*entry

	baseCtx   context.Context
	cancelAll context.CancelCauseFunc
	wg        sync.WaitGroup
}

// New creates a Runner. policy, store and metrics may be nil.
func New(cfg Config, policy Policy, store Store, logger *zap.Logger, metrics *monitoring.Metrics) *Runner {
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = 4096
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Runner{
		cfg:       cfg,
		policy:    policy,
		store:     store,
		logger:    logger.Named("runner"),
		metrics:   metrics,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		jobs:      make(map[string]*entry),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// Execute runs a command to completion and returns the finished job.
// Only precondition failures are returned as errors; timeouts, non-zero
// exits and spawn failures are reported through the job's status.
func (r *Runner) Execute(ctx context.Context, req model.RunRequest) (*model.Job, error) {
	return r.Stream(ctx, req, nil)
}

// Stream is Execute with the combined output also copied to w as it is
// produced. w must not block; a nil w behaves like Execute.
func (r *Runner) Stream(ctx context.Context, req model.RunRequest, w io.Writer) (*model.Job, error) {
	job, argv, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	if !r.sem.TryAcquire(1) {
		return nil, model.NewError(model.KindCapacityExceeded, "too many running jobs (max %d)", r.cfg.MaxConcurrent)
	}
	defer r.sem.Release(1)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.register(job, cancel)

	r.run(runCtx, job, argv, w)
	return r.snapshot(job.ID), nil
}

// Submit starts a command in the background and returns the pending job.
// Poll Get for the result.
func (r *Runner) Submit(req model.RunRequest) (*model.Job, error) {
	job, argv, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	if !r.sem.TryAcquire(1) {
		return nil, model.NewError(model.KindCapacityExceeded, "too many running jobs (max %d)", r.cfg.MaxConcurrent)
	}

	runCtx, cancel := context.WithCancelCause(r.baseCtx)
	r.register(job, cancel)
	snapshot := r.snapshot(job.ID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer cancel(nil)
		r.run(runCtx, job, argv, nil)
	}()
	return snapshot, nil
}

// Get returns a copy of the job, falling back to the store for jobs that
// have been evicted from memory.
func (r *Runner) Get(ctx context.Context, id string) (*model.Job, error) {
	if job := r.snapshot(id); job != nil {
		return job, nil
	}
	if r.store != nil {
		return r.store.Get(ctx, id)
	}
	return nil, model.NewError(model.KindNotFound, "job %s not found", id)
}

// List returns recent jobs, newest first.
func (r *Runner) List(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	seen := make(map[string]bool)
	var jobs []*model.Job
	r.mu.RLock()
	for id, e := range r.jobs {
		seen[id] = true
		jobs = append(jobs, e.job.Clone())
	}
	r.mu.RUnlock()

	if r.store != nil {
		stored, err := r.store.List(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, j := range stored {
			if !seen[j.ID] {
				jobs = append(jobs, j)
			}
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Cancel terminates a running job. Finished jobs are returned unchanged.
func (r *Runner) Cancel(ctx context.Context, id string) (*model.Job, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return r.Get(ctx, id)
	}
	e.cancel(ErrCancelled)
	return r.snapshot(id), nil
}

// Prune evicts finished jobs older than the retention window from memory
// and deletes stored jobs older than the history window. It returns the
// number of jobs evicted from memory.
func (r *Runner) Prune(ctx context.Context, now time.Time) int {
	evicted := 0
	if r.cfg.Retention > 0 {
		cutoff := now.Add(-r.cfg.Retention)
		r.mu.Lock()
		for id, e := range r.jobs {
			if e.job.Status.Terminal() && e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff) {
				delete(r.jobs, id)
				evicted++
			}
		}
		r.mu.Unlock()
	}

	if r.store != nil && r.cfg.HistoryRetention > 0 {
		n, err := r.store.DeleteBefore(ctx, now.Add(-r.cfg.HistoryRetention))
		if err != nil {
			r.logger.Warn("failed to prune stored jobs", zap.Error(err))
		} else if n > 0 {
			r.logger.Debug("pruned stored jobs", zap.Int64("count", n))
		}
	}
	return evicted
}

// Counts returns the number of in-memory jobs by status.
func (r *Runner) Counts() map[model.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.JobStatus]int)
	for _, e := range r.jobs {
		counts[e.job.Status]++
	}
	return counts
}

// Shutdown cancels running background jobs and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancelAll(errShutdown)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) prepare(req model.RunRequest) (*model.Job, []string, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if r.policy != nil {
		if err := r.policy.Check(req.Command); err != nil {
			return nil, nil, err
		}
	}
	argv, err := SplitCommand(req.Command)
	if err != nil {
		return nil, nil, err
	}

	timeout := r.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		// Compared in seconds first; the Duration product overflows for
		// large inputs.
		if int64(req.TimeoutSeconds) > int64(r.cfg.MaxTimeout/time.Second) {
			return nil, nil, model.NewError(model.KindInvalidArgument, "timeout exceeds maximum of %s", r.cfg.MaxTimeout)
		}
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	dir := req.WorkingDirectory
	if dir == "" {
		dir = r.cfg.WorkDir
	}

	job := &model.Job{
		ID:               uuid.NewString(),
		Command:          req.Command,
		WorkingDirectory: dir,
		Env:              req.Env,
		Timeout:          timeout,
		Status:           model.JobPending,
		CreatedAt:        time.Now(),
	}
	return job, argv, nil
}

func (r *Runner) register(job *model.Job, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job, cancel: cancel}
	r.mu.Unlock()
}

func (r *Runner) snapshot(id string) *model.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.jobs[id]; ok {
		return e.job.Clone()
	}
	return nil
}

// update applies fn to the job under the runner lock.
func (r *Runner) update(job *model.Job, fn func(j *model.Job)) {
	r.mu.Lock()
	fn(job)
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, job *model.Job, argv []string, tee io.Writer) {
	log := r.logger.With(logging.JobID(job.ID))
	out := buffer.NewRingBuffer(r.cfg.OutputCap)

	var sink io.Writer = out
	if tee != nil {
		sink = io.MultiWriter(out, tee)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = job.WorkingDirectory
	cmd.Env = mergeEnv(os.Environ(), job.Env)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds Wait when a grandchild outside the group keeps the pipe open.
	cmd.WaitDelay = r.cfg.KillGrace

	started := time.Now()
	r.update(job, func(j *model.Job) {
		j.Status = model.JobRunning
		j.StartedAt = &started
	})

	if err := cmd.Start(); err != nil {
		log.Info("job failed to start", zap.String("command", job.Command), zap.Error(err))
		r.finish(job, out, func(j *model.Job) {
			j.Status = model.JobFailed
			j.ErrorKind = spawnErrorKind(err)
			j.Message = fmt.Sprintf("failed to start: %v", err)
		})
		return
	}
	r.metrics.JobStarted()
	log.Debug("job started", zap.String("command", job.Command), zap.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(job.Timeout)
	defer timer.Stop()

	var timedOut, cancelled bool
	select {
	case <-exited:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		cancelled = true
	}
	if timedOut || cancelled {
		killed, err := proc.Terminate(cmd.Process.Pid, exited, r.cfg.KillGrace)
		if err != nil {
			log.Warn("failed to signal job process group", zap.Error(err))
		}
		<-exited
		log.Info("job terminated", zap.Bool("timed_out", timedOut), zap.Bool("killed", killed))
	}

	r.finish(job, out, func(j *model.Job) {
		switch {
		case timedOut:
			j.Status = model.JobTimedOut
			j.ErrorKind = model.KindTimedOut
			j.Message = fmt.Sprintf("command timed out after %s", job.Timeout)
		case cancelled:
			j.Status = model.JobFailed
			j.ErrorKind, j.Message = cancelReason(context.Cause(ctx))
		default:
			j.Status = model.JobCompleted
			code := exitCode(cmd, waitErr)
			j.ExitCode = &code
			if waitErr != nil && !isExitError(waitErr) {
				j.Message = waitErr.Error()
			}
		}
	})
	r.metrics.JobFinished(string(job.Status), time.Since(started))
}

func (r *Runner) finish(job *model.Job, out *buffer.RingBuffer, fn func(j *model.Job)) {
	completed := time.Now()
	r.update(job, func(j *model.Job) {
		fn(j)
		j.Output = string(out.ReadAll())
		j.Truncated = out.Truncated()
		j.CompletedAt = &completed
	})

	if r.store == nil {
		return
	}
	snapshot := r.snapshot(job.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, snapshot); err != nil {
		r.logger.Warn("failed to persist job", logging.JobID(job.ID), zap.Error(err))
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// spawnErrorKind classifies a Start failure. A missing working directory
// is the caller's argument; anything else about the binary is the command.
func spawnErrorKind(err error) model.ErrorKind {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return model.KindInvalidArgument
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return model.KindInvalidCommand
	}
	return model.KindInternal
}

// cancelReason reports why a running job was stopped early.
func cancelReason(cause error) (model.ErrorKind, string) {
	switch {
	case errors.Is(cause, ErrCancelled):
		return model.KindInternal, "cancelled"
	case errors.Is(cause, errShutdown):
		return model.KindInternal, "cancelled: " + errShutdown.Error()
	default:
		return model.KindTransportClosed, "cancelled: client went away"
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// mergeEnv overlays overrides onto base, replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; !ok {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
