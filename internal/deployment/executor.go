package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"foliodeploy/internal/auth"
	"foliodeploy/internal/content"
	"foliodeploy/internal/derrors"
	"foliodeploy/internal/platform"
	"foliodeploy/internal/repository"
)

const (
	// DefaultJobTimeout bounds a whole job.
	DefaultJobTimeout = 5 * time.Minute

	// PushAtomic writes the bundle as one commit through the git data API.
	PushAtomic = "atomic"
	// PushPerFile writes files one by one and resumes from recorded progress.
	PushPerFile = "per_file"

	saveTimeout = 10 * time.Second
)

// Tokens provides installation credentials.
type Tokens interface {
	GetToken(ctx context.Context, installationID int64) (*auth.AccessToken, error)
	TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource
}

// Resolver validates repository references.
type Resolver interface {
	Validate(ctx context.Context, owner, name string, installationID int64) (*repository.Ref, error)
}

// Platform performs the side-effecting platform calls.
type Platform interface {
	CommitFiles(ctx context.Context, ts oauth2.TokenSource, req platform.CommitRequest) (*platform.CommitResult, error)
	PutFile(ctx context.Context, ts oauth2.TokenSource, req platform.PutFileRequest) (string, error)
	EnablePublishing(ctx context.Context, ts oauth2.TokenSource, req platform.PublishRequest) (string, error)
}

// Observer receives job metrics. Methods must be safe for concurrent use.
type Observer interface {
	JobFinished(state State, code derrors.Code, d time.Duration)
	StepRetried(step string)
}

// Config tunes an Executor. Zero values select defaults.
type Config struct {
	Retry      RetryPolicy
	JobTimeout time.Duration
	PushMode   string
	// PublishBranch overrides the repository default branch.
	PublishBranch string
}

// Executor drives a single job through the state machine. Callers must
// ensure only one job per repository runs at a time; the executor adds a
// second lease keyed by repository id once the id is known.
type Executor struct {
	store    Store
	tokens   Tokens
	resolver Resolver
	platform Platform
	locks    *LockManager
	observer Observer
	cfg      Config
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(store Store, tokens Tokens, resolver Resolver, p Platform, locks *LockManager, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PushMode == "" {
		cfg.PushMode = PushAtomic
	}
	if locks == nil {
		locks = NewLockManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    store,
		tokens:   tokens,
		resolver: resolver,
		platform: p,
		locks:    locks,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// SetObserver installs a metrics observer.
func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

// Run drives job to a terminal state and returns it. Cancelling ctx before
// the push stops the job; once the push has started it is allowed to
// finish and the job stops right after.
func (e *Executor) Run(ctx context.Context, job *Job, bundle *content.Bundle) *Job {
	start := e.now()
	deadline := e.now().Add(e.cfg.JobTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	logger := e.logger.With(
		"job_id", job.ID,
		"installation_id", job.InstallationID,
		"repository", job.Repository(),
		"fingerprint", content.ShortFingerprint(job.Fingerprint))
	logger.Info("deployment started")

	err := e.run(ctx, job, bundle, deadline, logger)
	if err != nil {
		job.LastError = NewJobError(err)
		job.State = StateFailed
	}

	finished := e.now().UTC()
	job.FinishedAt = &finished
	e.save(ctx, job, logger)

	duration := e.now().Sub(start)
	if e.observer != nil {
		var code derrors.Code
		if job.LastError != nil {
			code = job.LastError.Code
		}
		e.observer.JobFinished(job.State, code, duration)
	}

	attrs := []any{"state", job.State, "attempts", job.Attempts, "duration_ms", duration.Milliseconds()}
	if job.LastError != nil {
		attrs = append(attrs, "code", job.LastError.Code, "retryable", job.LastError.Retryable, "error", job.LastError.Message)
		logger.Warn("deployment failed", attrs...)
	} else {
		attrs = append(attrs, "published_url", job.PublishedURL)
		logger.Info("deployment finished", attrs...)
	}
	return job
}

func (e *Executor) run(ctx context.Context, job *Job, bundle *content.Bundle, deadline time.Time, logger *slog.Logger) error {
	if bundle == nil || bundle.Fingerprint != job.Fingerprint {
		return derrors.InvalidInput("bundle does not match job fingerprint")
	}

	// Pending -> TokenAcquired
	err := e.step(ctx, job, "token", logger, func(ctx context.Context) error {
		_, err := e.tokens.GetToken(ctx, job.InstallationID)
		return err
	})
	if err != nil {
		return err
	}
	e.transition(ctx, job, StateTokenAcquired, logger)

	// TokenAcquired -> RepositoryVerified
	var ref *repository.Ref
	err = e.step(ctx, job, "verify", logger, func(ctx context.Context) error {
		var err error
		ref, err = e.resolver.Validate(ctx, job.OwnerLogin, job.RepoName, job.InstallationID)
		return err
	})
	if err != nil {
		return err
	}
	if job.IsPrivate != (ref.Visibility == "private") {
		logger.Warn("requested visibility differs from repository",
			"requested_private", job.IsPrivate,
			"visibility", ref.Visibility)
	}
	job.RepositoryID = ref.RepositoryID

	repoKey := RepositoryLeaseKey(job.InstallationID, ref.RepositoryID)
	if holder, ok := e.locks.TryLock(repoKey, job.ID); !ok {
		return derrors.AlreadyInProgress(holder)
	}
	defer e.locks.Unlock(repoKey, job.ID)
	e.transition(ctx, job, StateRepositoryVerified, logger)

	prior, err := e.store.FindPublished(ctx, ref.RepositoryID, job.Fingerprint)
	if err != nil {
		return derrors.Internal(err)
	}
	if prior != nil {
		job.SkipReason = SkipAlreadyPublished
		job.PublishedURL = prior.PublishedURL
		job.CommitSHA = prior.CommitSHA
		logger.Info("bundle already published, skipping", "published_job_id", prior.ID)
		e.transition(ctx, job, StateSkipped, logger)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return derrors.As(err)
	}

	// RepositoryVerified -> ContentPushed. The push ignores cancellation but
	// not the job deadline.
	pushCtx, cancelPush := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancelPush()
	ts := e.tokens.TokenSource(pushCtx, job.InstallationID)
	branch := e.branch(ref)

	conflicts := 0
	err = e.step(ctx, job, "push", logger, func(context.Context) error {
		err := e.push(pushCtx, ts, job, ref, branch, bundle, logger)
		if errors.Is(err, derrors.ErrPushConflict) {
			conflicts++
			if conflicts > 1 {
				return derrors.Final(err)
			}
			logger.Info("push conflict, retrying against the current head")
		}
		return err
	})
	if err != nil {
		return err
	}
	e.transition(ctx, job, StateContentPushed, logger)

	if err := ctx.Err(); err != nil {
		logger.Info("deployment stopped after push")
		return derrors.As(err)
	}

	// ContentPushed -> Published
	err = e.step(ctx, job, "publish", logger, func(ctx context.Context) error {
		url, err := e.platform.EnablePublishing(ctx, e.tokens.TokenSource(ctx, job.InstallationID), platform.PublishRequest{
			Owner:  ref.OwnerLogin,
			Name:   ref.Name,
			Branch: branch,
		})
		if err != nil {
			return err
		}
		job.PublishedURL = url
		return nil
	})
	if err != nil {
		return err
	}
	e.transition(ctx, job, StatePublished, logger)
	return nil
}

// step runs fn until it succeeds, fails permanently, or exhausts the retry
// policy. Every retry counts as a job attempt.
func (e *Executor) step(ctx context.Context, job *Job, name string, logger *slog.Logger, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return derrors.As(err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return derrors.As(ctxErr)
		}
		if !derrors.IsRetryable(err) || attempt >= e.cfg.Retry.MaxAttempts {
			return err
		}

		wait := e.cfg.Retry.Backoff(attempt)
		job.Attempts++
		e.save(ctx, job, logger)
		if e.observer != nil {
			e.observer.StepRetried(name)
		}
		logger.Info("retrying step",
			"step", name,
			"attempt", attempt,
			"backoff_ms", wait.Milliseconds(),
			"code", derrors.CodeOf(err),
			"error", err)

		if err := e.sleep(ctx, wait); err != nil {
			return derrors.As(err)
		}
	}
}

func (e *Executor) push(ctx context.Context, ts oauth2.TokenSource, job *Job, ref *repository.Ref, branch string, bundle *content.Bundle, logger *slog.Logger) error {
	message := commitMessage(bundle)

	// any other bundle pushed since may have overwritten recorded files
	if err := e.store.ResetPushProgress(ctx, job.RepositoryID, job.Fingerprint); err != nil {
		return derrors.Internal(err)
	}

	if e.cfg.PushMode == PushAtomic {
		res, err := e.platform.CommitFiles(ctx, ts, platform.CommitRequest{
			Owner:   ref.OwnerLogin,
			Name:    ref.Name,
			Branch:  branch,
			Message: message,
			Files:   bundle.Files,
		})
		if err == nil {
			job.CommitSHA = res.SHA
			if !res.Changed {
				logger.Info("repository already contains the bundle")
			}
			return nil
		}
		if !errors.Is(err, platform.ErrEmptyRepository) {
			return err
		}
		// the first write to an empty repository creates its default branch
		logger.Info("repository is empty, writing files individually")
		branch = ""
	}

	pushed, err := e.store.PushedPaths(ctx, job.RepositoryID, job.Fingerprint)
	if err != nil {
		return derrors.Internal(err)
	}
	if len(pushed) > 0 {
		logger.Info("resuming push", "already_pushed", len(pushed), "files", len(bundle.Files))
	}

	for _, f := range bundle.Files {
		if pushed[f.Path] {
			continue
		}
		sha, err := e.platform.PutFile(ctx, ts, platform.PutFileRequest{
			Owner:   ref.OwnerLogin,
			Name:    ref.Name,
			Branch:  branch,
			Message: fmt.Sprintf("%s: %s", message, f.Path),
			File:    f,
		})
		if err != nil {
			return err
		}
		if err := e.store.RecordPushedPath(ctx, job.RepositoryID, job.Fingerprint, f.Path, sha); err != nil {
			return derrors.Internal(err)
		}
		if sha != "" {
			job.CommitSHA = sha
		}
	}
	return nil
}

func (e *Executor) branch(ref *repository.Ref) string {
	if e.cfg.PublishBranch != "" {
		return e.cfg.PublishBranch
	}
	if ref.DefaultBranch != "" {
		return ref.DefaultBranch
	}
	return "main"
}

func (e *Executor) transition(ctx context.Context, job *Job, state State, logger *slog.Logger) {
	from := job.State
	job.State = state
	e.save(ctx, job, logger)
	logger.Debug("job state changed", "from", from, "to", state)
}

// save persists job even when ctx is already cancelled.
func (e *Executor) save(ctx context.Context, job *Job, logger *slog.Logger) {
	job.UpdatedAt = e.now().UTC()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := e.store.SaveJob(saveCtx, job); err != nil {
		logger.Error("failed to persist job", "state", job.State, "error", err)
	}
}

func commitMessage(b *content.Bundle) string {
	return fmt.Sprintf("Publish portfolio site (%s theme, %s)", b.ThemeID, content.ShortFingerprint(b.Fingerprint))
}
