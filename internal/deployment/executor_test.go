package deployment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliodeploy/internal/derrors"
)

func TestExecutor_Publishes(t *testing.T) {
	f := newFixture(Config{})
	b := testBundle()
	job := f.newJob("job-1", b)

	got := f.exec.Run(context.Background(), job, b)

	require.Equal(t, StatePublished, got.State)
	assert.Nil(t, got.LastError)
	assert.Equal(t, "https://alice.github.io/site/", got.PublishedURL)
	assert.Equal(t, "commit1", got.CommitSHA)
	assert.Equal(t, int64(1001), got.RepositoryID)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.FinishedAt)

	assert.Equal(t, []State{
		StatePending,
		StateTokenAcquired,
		StateRepositoryVerified,
		StateContentPushed,
		StatePublished,
	}, f.store.States("job-1"))

	require.Len(t, f.platform.commits, 1)
	commit := f.platform.commits[0]
	assert.Equal(t, "main", commit.Branch)
	assert.Len(t, commit.Files, 3)
	assert.Contains(t, commit.Message, "minimal theme")
	assert.Empty(t, f.sleeper.Waits())

	stored, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePublished, stored.State)
}

func TestExecutor_RepositoryNotFound(t *testing.T) {
	f := newFixture(Config{})
	b := testBundle()
	job := f.newJob("job-1", b)
	job.RepoName = "missing"

	got := f.exec.Run(context.Background(), job, b)

	require.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, derrors.CodeRepositoryNotFound, got.LastError.Code)
	assert.False(t, got.LastError.Retryable)
	assert.Equal(t, 0, f.platform.pushCalls)
	assert.Equal(t, 0, f.platform.Writes())
}

func TestExecutor_OutOfScope(t *testing.T) {
	f := newFixture(Config{})
	f.resolver.errs = []error{derrors.OutOfScope("alice", "site")}
	b := testBundle()
	job := f.newJob("job-1", b)

	got := f.exec.Run(context.Background(), job, b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeOutOfScope, got.LastError.Code)
	assert.False(t, got.LastError.Retryable)
	assert.NotEmpty(t, got.LastError.Hint)
	assert.Equal(t, 1, f.resolver.calls)
	assert.Equal(t, 0, f.platform.pushCalls)
}

func TestExecutor_RetriesTransientPushFailures(t *testing.T) {
	f := newFixture(Config{})
	f.platform.commitErrs = []error{unavailable(), unavailable(), unavailable()}
	b := testBundle()
	job := f.newJob("job-1", b)

	got := f.exec.Run(context.Background(), job, b)

	require.Equal(t, StatePublished, got.State)
	assert.Equal(t, 4, got.Attempts)
	assert.LessOrEqual(t, got.Attempts, DefaultRetryPolicy.MaxAttempts)
	assert.Equal(t, 4, f.platform.pushCalls)
	assert.Len(t, f.platform.commits, 1)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeper.Waits())
}

func TestExecutor_RetryBound(t *testing.T) {
	f := newFixture(Config{Retry: RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}})
	f.platform.commitErrs = []error{unavailable(), unavailable(), unavailable(), unavailable()}
	b := testBundle()
	job := f.newJob("job-1", b)

	got := f.exec.Run(context.Background(), job, b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodePlatformUnavailable, got.LastError.Code)
	assert.True(t, got.LastError.Retryable)
	assert.Equal(t, 3, f.platform.pushCalls)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, f.sleeper.Waits(), 2)
	assert.Equal(t, 0, f.platform.publishCalls)
}

func TestExecutor_SkipsPublishedBundle(t *testing.T) {
	f := newFixture(Config{})
	b := testBundle()

	first := f.exec.Run(context.Background(), f.newJob("job-1", b), b)
	require.Equal(t, StatePublished, first.State)
	writes := f.platform.Writes()

	second := f.exec.Run(context.Background(), f.newJob("job-2", b), b)

	require.Equal(t, StateSkipped, second.State)
	assert.Equal(t, SkipAlreadyPublished, second.SkipReason)
	assert.Equal(t, first.PublishedURL, second.PublishedURL)
	assert.Equal(t, first.CommitSHA, second.CommitSHA)
	assert.Nil(t, second.LastError)
	assert.Equal(t, writes, f.platform.Writes())
	assert.Equal(t, 1, f.platform.publishCalls)
}

func TestExecutor_TokenFailures(t *testing.T) {
	t.Run("transient is retried", func(t *testing.T) {
		f := newFixture(Config{})
		f.tokens.errs = []error{derrors.AuthExchange(errors.New("502"), true)}
		b := testBundle()

		got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

		require.Equal(t, StatePublished, got.State)
		assert.Equal(t, 2, f.tokens.calls)
		assert.Equal(t, 2, got.Attempts)
	})

	t.Run("permanent fails immediately", func(t *testing.T) {
		f := newFixture(Config{})
		f.tokens.errs = []error{derrors.AuthExchange(errors.New("401"), false)}
		b := testBundle()

		got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

		require.Equal(t, StateFailed, got.State)
		assert.Equal(t, derrors.CodeAuthExchange, got.LastError.Code)
		assert.False(t, got.LastError.Retryable)
		assert.Equal(t, 1, f.tokens.calls)
		assert.Equal(t, 0, f.resolver.calls)
		assert.Equal(t, []State{StatePending, StateFailed}, f.store.States("job-1"))
	})
}

func TestExecutor_PushConflict(t *testing.T) {
	t.Run("retried once", func(t *testing.T) {
		f := newFixture(Config{})
		f.platform.commitErrs = []error{derrors.PushConflict(errors.New("409"))}
		b := testBundle()

		got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

		require.Equal(t, StatePublished, got.State)
		assert.Equal(t, 2, f.platform.pushCalls)
	})

	t.Run("second conflict is final", func(t *testing.T) {
		f := newFixture(Config{})
		f.platform.commitErrs = []error{
			derrors.PushConflict(errors.New("409")),
			derrors.PushConflict(errors.New("409")),
		}
		b := testBundle()

		got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

		require.Equal(t, StateFailed, got.State)
		assert.Equal(t, derrors.CodePushConflict, got.LastError.Code)
		assert.False(t, got.LastError.Retryable)
		assert.Equal(t, 2, f.platform.pushCalls)
	})
}

func TestExecutor_PublishRetried(t *testing.T) {
	f := newFixture(Config{})
	f.platform.publishErrs = []error{unavailable()}
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StatePublished, got.State)
	assert.Equal(t, 2, f.platform.publishCalls)
	assert.Len(t, f.platform.commits, 1)
}

func TestExecutor_PublishRejectedIsFinal(t *testing.T) {
	f := newFixture(Config{})
	f.platform.publishErrs = []error{derrors.PublishingNotPermitted("alice", "site", errors.New("422 Unprocessable Entity"))}
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeWriteNotPermitted, got.LastError.Code)
	assert.False(t, got.LastError.Retryable)
	assert.NotEmpty(t, got.LastError.Hint)
	assert.Equal(t, 1, f.platform.publishCalls)
	assert.Empty(t, f.sleeper.Waits())
}

func TestExecutor_PerFileResume(t *testing.T) {
	f := newFixture(Config{PushMode: PushPerFile})
	f.platform.putErrs["style.css"] = []error{derrors.WriteNotPermitted("alice", "site")}
	b := testBundle()

	first := f.exec.Run(context.Background(), f.newJob("job-1", b), b)
	require.Equal(t, StateFailed, first.State)
	assert.Equal(t, []string{"about.html", "index.html"}, f.platform.puts)

	second := f.exec.Run(context.Background(), f.newJob("job-2", b), b)

	require.Equal(t, StatePublished, second.State)
	assert.Equal(t, []string{"about.html", "index.html", "style.css"}, f.platform.puts)
	assert.Equal(t, "put3", second.CommitSHA)
	assert.Empty(t, f.platform.commits)
}

func TestExecutor_PerFileProgressDroppedByOtherBundle(t *testing.T) {
	f := newFixture(Config{PushMode: PushPerFile})
	f.tickingClock()
	f.platform.putErrs["style.css"] = []error{derrors.WriteNotPermitted("alice", "site")}
	a, b := testBundle(), otherBundle()

	first := f.exec.Run(context.Background(), f.newJob("job-a1", a), a)
	require.Equal(t, StateFailed, first.State)

	other := f.exec.Run(context.Background(), f.newJob("job-b", b), b)
	require.Equal(t, StatePublished, other.State)
	require.Len(t, f.platform.puts, 5)

	// every file of a is rewritten, not only the one that failed
	retry := f.exec.Run(context.Background(), f.newJob("job-a2", a), a)

	require.Equal(t, StatePublished, retry.State)
	assert.Equal(t, []string{"about.html", "index.html", "style.css"}, f.platform.puts[5:])
}

func TestExecutor_RedeploysBundleReplacedByAnother(t *testing.T) {
	f := newFixture(Config{})
	f.tickingClock()
	a, b := testBundle(), otherBundle()

	require.Equal(t, StatePublished, f.exec.Run(context.Background(), f.newJob("job-a1", a), a).State)
	require.Equal(t, StatePublished, f.exec.Run(context.Background(), f.newJob("job-b", b), b).State)

	again := f.exec.Run(context.Background(), f.newJob("job-a2", a), a)

	require.Equal(t, StatePublished, again.State)
	assert.Empty(t, again.SkipReason)
	assert.Len(t, f.platform.commits, 3)
}

func TestExecutor_DeadlineUsesExecutorClock(t *testing.T) {
	f := newFixture(Config{JobTimeout: time.Minute})
	f.exec.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeTimeout, got.LastError.Code)
	assert.Zero(t, f.platform.Writes())
}

func TestExecutor_EmptyRepositoryFallsBackToFiles(t *testing.T) {
	f := newFixture(Config{})
	f.platform.empty = true
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StatePublished, got.State)
	assert.Len(t, f.platform.puts, 3)
	assert.Empty(t, f.platform.commits)
}

func TestExecutor_CancelBeforePush(t *testing.T) {
	f := newFixture(Config{})
	f.resolver.block = make(chan struct{})
	b := testBundle()
	job := f.newJob("job-1", b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Job)
	go func() { done <- f.exec.Run(ctx, job, b) }()

	require.Eventually(t, func() bool {
		f.resolver.mu.Lock()
		defer f.resolver.mu.Unlock()
		return f.resolver.calls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	got := <-done
	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeCancelled, got.LastError.Code)
	assert.Equal(t, 0, f.platform.pushCalls)
}

func TestExecutor_CancelDuringPushFinishesPush(t *testing.T) {
	f := newFixture(Config{})
	f.platform.pushStarted = make(chan struct{})
	f.platform.pushRelease = make(chan struct{})
	b := testBundle()
	job := f.newJob("job-1", b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Job)
	go func() { done <- f.exec.Run(ctx, job, b) }()

	<-f.platform.pushStarted
	cancel()
	close(f.platform.pushRelease)

	got := <-done
	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeCancelled, got.LastError.Code)
	assert.Len(t, f.platform.commits, 1)
	assert.Equal(t, 0, f.platform.publishCalls)
	assert.Contains(t, f.store.States("job-1"), StateContentPushed)
}

func TestExecutor_JobTimeout(t *testing.T) {
	f := newFixture(Config{JobTimeout: 50 * time.Millisecond})
	f.platform.pushBlocksOnCtx = true
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeTimeout, got.LastError.Code)
	assert.True(t, got.LastError.Retryable)
	assert.Equal(t, 0, f.platform.publishCalls)
}

func TestExecutor_RepositoryLeaseHeld(t *testing.T) {
	f := newFixture(Config{})
	f.locks.TryLock(RepositoryLeaseKey(42, 1001), "job-other")
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeAlreadyInProgress, got.LastError.Code)
	assert.Contains(t, got.LastError.Message, "job-other")
	assert.Equal(t, 0, f.platform.pushCalls)
}

func TestExecutor_BundleMismatch(t *testing.T) {
	f := newFixture(Config{})
	b := testBundle()
	job := f.newJob("job-1", b)
	job.Fingerprint = "0000"

	got := f.exec.Run(context.Background(), job, b)

	require.Equal(t, StateFailed, got.State)
	assert.Equal(t, derrors.CodeInvalidInput, got.LastError.Code)
	assert.Equal(t, 0, f.tokens.calls)
}

func TestExecutor_PublishBranchOverride(t *testing.T) {
	f := newFixture(Config{PublishBranch: "gh-pages"})
	b := testBundle()

	got := f.exec.Run(context.Background(), f.newJob("job-1", b), b)

	require.Equal(t, StatePublished, got.State)
	assert.Equal(t, "gh-pages", f.platform.commits[0].Branch)
}

type recordingObserver struct {
	mu       sync.Mutex
	finished []State
	codes    []derrors.Code
	retried  []string
}

func (o *recordingObserver) JobFinished(state State, code derrors.Code, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, state)
	o.codes = append(o.codes, code)
}

func (o *recordingObserver) StepRetried(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried = append(o.retried, step)
}

func TestExecutor_Observer(t *testing.T) {
	f := newFixture(Config{})
	obs := &recordingObserver{}
	f.exec.SetObserver(obs)
	f.platform.commitErrs = []error{unavailable()}
	b := testBundle()

	f.exec.Run(context.Background(), f.newJob("job-1", b), b)
	job := f.newJob("job-2", b)
	job.RepoName = "missing"
	f.exec.Run(context.Background(), job, b)

	assert.Equal(t, []State{StatePublished, StateFailed}, obs.finished)
	assert.Equal(t, []derrors.Code{"", derrors.CodeRepositoryNotFound}, obs.codes)
	assert.Equal(t, []string{"push"}, obs.retried)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 16*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(6))
	assert.Equal(t, 30*time.Second, p.Backoff(60))

	assert.Equal(t, 15*time.Second, p.Envelope())
}

func TestCommitMessage(t *testing.T) {
	b := testBundle()
	msg := commitMessage(b)
	assert.Contains(t, msg, "minimal theme")
	assert.Contains(t, msg, b.Fingerprint[:12])
}
