// Package deployment drives a content bundle through token acquisition,
// repository verification, push and publish, one job at a time per
// repository.
package deployment

import (
	"context"
	"time"

	"foliodeploy/internal/derrors"
)

// State is a step of the deployment state machine.
type State string

const (
	StatePending            State = "pending"
	StateTokenAcquired      State = "token_acquired"
	StateRepositoryVerified State = "repository_verified"
	StateContentPushed      State = "content_pushed"
	StatePublished          State = "published"
	StateSkipped            State = "skipped"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateSkipped || s == StateFailed
}

// SkipAlreadyPublished is the skip reason of the idempotency short-circuit.
const SkipAlreadyPublished = "already_published"

// JobError is the persisted, client-visible failure of a job.
type JobError struct {
	Code      derrors.Code `json:"code"`
	Message   string       `json:"message"`
	Hint      string       `json:"hint,omitempty"`
	Retryable bool         `json:"retryable"`
}

// NewJobError flattens err into a JobError.
func NewJobError(err error) *JobError {
	e := derrors.As(err)
	if e == nil {
		return nil
	}
	return &JobError{
		Code:      e.Code,
		Message:   e.Error(),
		Hint:      e.Hint,
		Retryable: e.Retryable,
	}
}

// Job is one attempt to publish a bundle to a repository.
type Job struct {
	ID             string     `json:"jobId"`
	InstallationID int64      `json:"installationId"`
	OwnerLogin     string     `json:"ownerLogin"`
	RepoName       string     `json:"repoName"`
	RepositoryID   int64      `json:"repositoryId,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
	IsPrivate      bool       `json:"isPrivate"`
	State          State      `json:"state"`
	Attempts       int        `json:"attempts"`
	LastError      *JobError  `json:"error,omitempty"`
	SkipReason     string     `json:"skipReason,omitempty"`
	PublishedURL   string     `json:"publishedUrl,omitempty"`
	CommitSHA      string     `json:"commitSha,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Repository returns owner/name as requested.
func (j *Job) Repository() string {
	return j.OwnerLogin + "/" + j.RepoName
}

// Store persists jobs and per-file push progress.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// FindPublished returns the latest published job for the repository
	// when its fingerprint matches, or nil.
	FindPublished(ctx context.Context, repositoryID int64, fingerprint string) (*Job, error)
	PushedPaths(ctx context.Context, repositoryID int64, fingerprint string) (map[string]bool, error)
	// ResetPushProgress forgets progress recorded for other fingerprints.
	ResetPushProgress(ctx context.Context, repositoryID int64, fingerprint string) error
	RecordPushedPath(ctx context.Context, repositoryID int64, fingerprint, path, commitSHA string) error
	// FailInterrupted marks every non-terminal job as failed with jobErr.
	FailInterrupted(ctx context.Context, jobErr *JobError, now time.Time) (int64, error)
}
