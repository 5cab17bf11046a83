package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foliodeploy/internal/repository"
	"foliodeploy/internal/session"
)

// MergeSession upserts a session, replacing only the fields set in p.
func (s *Store) MergeSession(ctx context.Context, id string, p session.Partial, now time.Time) error {
	var repoJSON *string
	if p.Repository != nil {
		data, err := json.Marshal(p.Repository)
		if err != nil {
			return fmt.Errorf("failed to encode repository ref: %w", err)
		}
		encoded := string(data)
		repoJSON = &encoded
	}

	ts := formatTime(now)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, installation_id, repository, last_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			installation_id = COALESCE(excluded.installation_id, sessions.installation_id),
			repository = COALESCE(excluded.repository, sessions.repository),
			last_job_id = COALESCE(excluded.last_job_id, sessions.last_job_id),
			updated_at = excluded.updated_at
	`, id, p.InstallationID, repoJSON, p.LastJobID, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession returns the stored session, or nil when it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess                 session.Session
		installationID       sql.NullInt64
		repoJSON, lastJobID  sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, installation_id, repository, last_job_id, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &installationID, &repoJSON, &lastJobID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if installationID.Valid {
		v := installationID.Int64
		sess.InstallationID = &v
	}
	if lastJobID.Valid {
		v := lastJobID.String
		sess.LastJobID = &v
	}
	if repoJSON.Valid {
		var ref repository.Ref
		if err := json.Unmarshal([]byte(repoJSON.String), &ref); err != nil {
			return nil, fmt.Errorf("failed to decode repository ref: %w", err)
		}
		sess.Repository = &ref
	}
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSessionsBefore removes sessions last written before cutoff.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}
