package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foliodeploy/internal/deployment"
	"foliodeploy/internal/derrors"
)

const jobColumns = `id, installation_id, owner_login, repo_name, repository_id,
	fingerprint, is_private, state, attempts, error_code, error_message,
	error_hint, error_retryable, skip_reason, published_url, commit_sha,
	created_at, updated_at, finished_at`

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *deployment.Job) error {
	code, msg, hint, retryable := jobErrorColumns(job.LastError)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.InstallationID,
		job.OwnerLogin,
		job.RepoName,
		job.RepositoryID,
		job.Fingerprint,
		job.IsPrivate,
		string(job.State),
		job.Attempts,
		code, msg, hint, retryable,
		nullString(job.SkipReason),
		nullString(job.PublishedURL),
		nullString(job.CommitSHA),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		formatOptionalTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// SaveJob writes every mutable field of job.
func (s *Store) SaveJob(ctx context.Context, job *deployment.Job) error {
	code, msg, hint, retryable := jobErrorColumns(job.LastError)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			repository_id = ?, state = ?, attempts = ?,
			error_code = ?, error_message = ?, error_hint = ?, error_retryable = ?,
			skip_reason = ?, published_url = ?, commit_sha = ?,
			updated_at = ?, finished_at = ?
		WHERE id = ?
	`,
		job.RepositoryID,
		string(job.State),
		job.Attempts,
		code, msg, hint, retryable,
		nullString(job.SkipReason),
		nullString(job.PublishedURL),
		nullString(job.CommitSHA),
		formatTime(job.UpdatedAt),
		formatOptionalTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derrors.NotFound("job", job.ID)
	}
	return nil
}

// GetJob returns the job or a NOT_FOUND error.
func (s *Store) GetJob(ctx context.Context, id string) (*deployment.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// FindPublished returns the most recent published job for the repository
// when it carries fingerprint, or nil. A bundle replaced by a later publish
// is not reported.
func (s *Store) FindPublished(ctx context.Context, repositoryID int64, fingerprint string) (*deployment.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE repository_id = ? AND state = ?
		ORDER BY finished_at DESC
		LIMIT 1
	`, repositoryID, string(deployment.StatePublished))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query published job: %w", err)
	}
	if job.Fingerprint != fingerprint {
		return nil, nil
	}
	return job, nil
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*deployment.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*deployment.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}

// FailInterrupted marks every non-terminal job as failed. It runs at start
// up, when no job can still be executing.
func (s *Store) FailInterrupted(ctx context.Context, jobErr *deployment.JobError, now time.Time) (int64, error) {
	code, msg, hint, retryable := jobErrorColumns(jobErr)
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?, error_code = ?, error_message = ?, error_hint = ?,
			error_retryable = ?, updated_at = ?, finished_at = ?
		WHERE state NOT IN (?, ?, ?)
	`,
		string(deployment.StateFailed), code, msg, hint, retryable, ts, ts,
		string(deployment.StatePublished), string(deployment.StateSkipped), string(deployment.StateFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// PushedPaths returns the paths already written for a per-file push.
func (s *Store) PushedPaths(ctx context.Context, repositoryID int64, fingerprint string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM push_progress
		WHERE repository_id = ? AND fingerprint = ?
	`, repositoryID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query push progress: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan push progress: %w", err)
		}
		paths[p] = true
	}
	return paths, rows.Err()
}

// ResetPushProgress drops the progress recorded for every other fingerprint
// on the repository. Those files may have been overwritten since.
func (s *Store) ResetPushProgress(ctx context.Context, repositoryID int64, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM push_progress
		WHERE repository_id = ? AND fingerprint <> ?
	`, repositoryID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to reset push progress: %w", err)
	}
	return nil
}

// RecordPushedPath marks one file of a per-file push as written.
func (s *Store) RecordPushedPath(ctx context.Context, repositoryID int64, fingerprint, path, commitSHA string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_progress (repository_id, fingerprint, path, commit_sha, pushed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (repository_id, fingerprint, path) DO UPDATE SET
			commit_sha = excluded.commit_sha,
			pushed_at = excluded.pushed_at
	`, repositoryID, fingerprint, path, nullString(commitSHA), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record push progress: %w", err)
	}
	return nil
}

func jobErrorColumns(e *deployment.JobError) (code, msg, hint *string, retryable *bool) {
	if e == nil {
		return nil, nil, nil, nil
	}
	c := string(e.Code)
	r := e.Retryable
	return &c, &e.Message, nullString(e.Hint), &r
}

// scanJob scans a database row into a Job
// Works with both *sql.Row and *sql.Rows
func scanJob(sc scanner) (*deployment.Job, error) {
	var (
		job                           deployment.Job
		state                         string
		errCode, errMsg, errHint      sql.NullString
		errRetryable                  sql.NullBool
		skipReason, publishedURL, sha sql.NullString
		createdAt, updatedAt          string
		finishedAt                    sql.NullString
	)

	err := sc.Scan(
		&job.ID,
		&job.InstallationID,
		&job.OwnerLogin,
		&job.RepoName,
		&job.RepositoryID,
		&job.Fingerprint,
		&job.IsPrivate,
		&state,
		&job.Attempts,
		&errCode, &errMsg, &errHint, &errRetryable,
		&skipReason,
		&publishedURL,
		&sha,
		&createdAt,
		&updatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = deployment.State(state)
	job.SkipReason = skipReason.String
	job.PublishedURL = publishedURL.String
	job.CommitSHA = sha.String
	if errCode.Valid {
		job.LastError = &deployment.JobError{
			Code:      derrors.Code(errCode.String),
			Message:   errMsg.String,
			Hint:      errHint.String,
			Retryable: errRetryable.Bool,
		}
	}

	if job.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime("finished_at", finishedAt.String)
		if err != nil {
			return nil, err
		}
		job.FinishedAt = &t
	}

	return &job, nil
}
