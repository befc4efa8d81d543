package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dockerflow/gateway/internal/model"
)

// SessionRepository records the history of terminal sessions. Live state
// is held in memory by the session registry; this table is an audit log.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// RecordOpened inserts a row for a newly spawned session. A session id that
// is reused after close gets a new generation.
func (r *SessionRepository) RecordOpened(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (id, generation, shell, working_directory, pid, state, recording_path, created_at)
		VALUES (?, (SELECT COALESCE(MAX(generation), 0) + 1 FROM sessions WHERE id = ?), ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.ID,
		s.Shell,
		s.WorkingDirectory,
		s.PID,
		string(s.State),
		nullString(s.RecordingPath),
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecordClosed marks the latest generation of a session as closed.
func (r *SessionRepository) RecordClosed(ctx context.Context, s *model.Session) error {
	closedAt := time.Now()
	if s.ClosedAt != nil {
		closedAt = *s.ClosedAt
	}
	query := `
		UPDATE sessions SET state = ?, exit_code = ?, close_reason = ?, closed_at = ?
		WHERE id = ? AND generation = (SELECT MAX(generation) FROM sessions WHERE id = ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		string(model.SessionClosed),
		nullInt(s.ExitCode),
		nullString(s.CloseReason),
		closedAt,
		s.ID,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record session close: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.KindNotFound, "session %s not found", s.ID)
	}
	return nil
}

// List returns session history, newest first.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, shell, working_directory, pid, state, exit_code, close_reason, recording_path, created_at, closed_at
		FROM sessions
		ORDER BY created_at DESC, generation DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s := &model.Session{}
		var (
			pid           sql.NullInt64
			state         string
			exitCode      sql.NullInt64
			closeReason   sql.NullString
			recordingPath sql.NullString
			closedAt      sql.NullTime
		)
		if err := rows.Scan(
			&s.ID,
			&s.Shell,
			&s.WorkingDirectory,
			&pid,
			&state,
			&exitCode,
			&closeReason,
			&recordingPath,
			&s.CreatedAt,
			&closedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.PID = int(pid.Int64)
		s.State = model.SessionState(state)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			s.ExitCode = &code
		}
		s.CloseReason = closeReason.String
		s.RecordingPath = recordingPath.String
		if closedAt.Valid {
			s.ClosedAt = &closedAt.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LatestRecording returns the recording path of the most recent generation
// of a session, or NotFound.
func (r *SessionRepository) LatestRecording(ctx context.Context, id string) (string, error) {
	var path sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT recording_path FROM sessions WHERE id = ? ORDER BY generation DESC LIMIT 1`, id,
	).Scan(&path)
	if err == sql.ErrNoRows || (err == nil && !path.Valid) {
		return "", model.NewError(model.KindNotFound, "no recording for session %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get recording: %w", err)
	}
	return path.String, nil
}
