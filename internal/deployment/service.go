package deployment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"foliodeploy/internal/content"
	"foliodeploy/internal/derrors"
	"foliodeploy/internal/security"
)

// Bundles loads packaged bundles by fingerprint.
type Bundles interface {
	GetBundle(ctx context.Context, fingerprint string) (*content.Bundle, error)
}

// Request asks for a bundle to be deployed to a repository.
type Request struct {
	InstallationID int64  `json:"installationId"`
	OwnerLogin     string `json:"ownerLogin"`
	RepoName       string `json:"repoName"`
	BundleRef      string `json:"contentBundleRef"`
	IsPrivate      bool   `json:"isPrivate"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if r.InstallationID <= 0 {
		return derrors.InvalidInput("installationId is required")
	}
	if err := security.ValidateOwnerLogin(r.OwnerLogin); err != nil {
		return derrors.InvalidInput("invalid ownerLogin: %v", err)
	}
	if err := security.ValidateRepoName(r.RepoName); err != nil {
		return derrors.InvalidInput("invalid repoName: %v", err)
	}
	if r.BundleRef == "" {
		return derrors.InvalidInput("contentBundleRef is required")
	}
	return nil
}

type runningJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service accepts deployment requests and runs each as its own goroutine.
type Service struct {
	exec    *Executor
	store   Store
	bundles Bundles
	locks   *LockManager
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*runningJob
	wg      sync.WaitGroup

	newID func() string
	now   func() time.Time
}

// NewService creates a Service. locks must be the LockManager given to exec.
func NewService(exec *Executor, store Store, bundles Bundles, locks *LockManager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		exec:    exec,
		store:   store,
		bundles: bundles,
		locks:   locks,
		logger:  logger,
		running: make(map[string]*runningJob),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Recover fails every job a previous process left unfinished. Call once
// at start up, before Submit.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	jobErr := NewJobError(&derrors.Error{
		Code:      derrors.CodeInterrupted,
		Retryable: true,
		Message:   "deployment interrupted by a restart",
		Hint:      "Deploy again; files already written are not rewritten.",
	})
	n, err := s.store.FailInterrupted(ctx, jobErr, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("marked interrupted deployments as failed", "jobs", n)
	}
	return n, nil
}

// Submit validates req, takes the repository lease and starts the job.
// It returns immediately with the pending job. A held lease is rejected
// with ALREADY_IN_PROGRESS naming the running job.
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	bundle, err := s.bundles.GetBundle(ctx, req.BundleRef)
	if err != nil {
		if derrors.CodeOf(err) == derrors.CodeNotFound {
			return nil, derrors.InvalidInput("unknown content bundle %q", req.BundleRef)
		}
		return nil, err
	}

	jobID := s.newID()
	key := LeaseKey(req.InstallationID, req.OwnerLogin, req.RepoName)
	if holder, ok := s.locks.TryLock(key, jobID); !ok {
		return nil, derrors.AlreadyInProgress(holder)
	}

	now := s.now().UTC()
	job := &Job{
		ID:             jobID,
		InstallationID: req.InstallationID,
		OwnerLogin:     req.OwnerLogin,
		RepoName:       req.RepoName,
		Fingerprint:    bundle.Fingerprint,
		IsPrivate:      req.IsPrivate,
		State:          StatePending,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.locks.Unlock(key, jobID)
		return nil, derrors.Internal(err)
	}
	snapshot := *job

	runCtx, cancel := context.WithCancel(context.Background())
	run := &runningJob{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[jobID] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer s.forget(jobID)
		defer s.locks.Unlock(key, jobID)
		defer cancel()

		s.exec.Run(runCtx, job, bundle)
	}()

	return &snapshot, nil
}

func (s *Service) forget(jobID string) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}

// Get returns the latest persisted state of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Cancel asks a running job to stop. It reports whether the job was still
// running; a job already pushing finishes its push first.
func (s *Service) Cancel(ctx context.Context, jobID string) (*Job, bool, error) {
	s.mu.Lock()
	run, ok := s.running[jobID]
	s.mu.Unlock()

	if ok {
		run.cancel()
		s.logger.Info("deployment cancellation requested", "job_id", jobID)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, ok && !job.State.Terminal(), nil
}

// Wait blocks until the job is no longer running or ctx is done.
func (s *Service) Wait(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	run, ok := s.running[jobID]
	s.mu.Unlock()

	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, derrors.As(ctx.Err())
		}
	}
	return s.store.GetJob(ctx, jobID)
}

// ActiveJob returns the id of the job holding the lease for a repository.
func (s *Service) ActiveJob(installationID int64, owner, name string) (string, bool) {
	return s.locks.Holder(LeaseKey(installationID, owner, name))
}

// Running returns the number of jobs in flight.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown waits for running jobs. When ctx expires first, the remaining
// jobs are cancelled and Shutdown returns ctx's error.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, run := range s.running {
			run.cancel()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
