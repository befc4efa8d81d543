// Package repository persists jobs and session history.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dockerflow/gateway/internal/model"
)

// JobRepository provides data access for finished jobs.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, command, working_directory, env, timeout_ms, status, exit_code,
	output, truncated, error_kind, message, created_at, started_at, completed_at`

// Save inserts or replaces a job.
func (r *JobRepository) Save(ctx context.Context, job *model.Job) error {
	var env sql.NullString
	if len(job.Env) > 0 {
		data, err := json.Marshal(job.Env)
		if err != nil {
			return fmt.Errorf("failed to serialize env: %w", err)
		}
		env = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT OR REPLACE INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.Command,
		job.WorkingDirectory,
		env,
		job.Timeout.Milliseconds(),
		string(job.Status),
		nullInt(job.ExitCode),
		job.Output,
		job.Truncated,
		nullString(string(job.ErrorKind)),
		nullString(job.Message),
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "job %s not found", id)
	}
	return job, err
}

// List returns the most recent jobs, newest first.
func (r *JobRepository) List(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteBefore removes jobs created before t and returns how many were removed.
func (r *JobRepository) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		env         sql.NullString
		timeoutMS   int64
		status      string
		exitCode    sql.NullInt64
		errorKind   sql.NullString
		message     sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := s.Scan(
		&job.ID,
		&job.Command,
		&job.WorkingDirectory,
		&env,
		&timeoutMS,
		&status,
		&exitCode,
		&job.Output,
		&job.Truncated,
		&errorKind,
		&message,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &job.Env); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	job.Status = model.JobStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	job.ErrorKind = model.ErrorKind(errorKind.String)
	job.Message = message.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
