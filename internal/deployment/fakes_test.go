package deployment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"foliodeploy/internal/auth"
	"foliodeploy/internal/content"
	"foliodeploy/internal/derrors"
	"foliodeploy/internal/platform"
	"foliodeploy/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store that also records every saved state.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]Job
	history  map[string][]State
	progress map[string]map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]Job),
		history:  make(map[string][]State),
		progress: make(map[string]map[string]bool),
	}
}

func (m *memStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	m.jobs[job.ID] = *job
	m.history[job.ID] = []State{job.State}
	return nil
}

func (m *memStore) SaveJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return derrors.NotFound("job", job.ID)
	}
	m.jobs[job.ID] = *job
	h := m.history[job.ID]
	if len(h) == 0 || h[len(h)-1] != job.State {
		m.history[job.ID] = append(h, job.State)
	}
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, derrors.NotFound("job", id)
	}
	return &j, nil
}

func (m *memStore) FindPublished(ctx context.Context, repositoryID int64, fingerprint string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Job
	for _, j := range m.jobs {
		if j.RepositoryID != repositoryID || j.State != StatePublished || j.FinishedAt == nil {
			continue
		}
		if latest == nil || !j.FinishedAt.Before(*latest.FinishedAt) {
			found := j
			latest = &found
		}
	}
	if latest == nil || latest.Fingerprint != fingerprint {
		return nil, nil
	}
	return latest, nil
}

func progressKey(repositoryID int64, fingerprint string) string {
	return fmt.Sprintf("%d/%s", repositoryID, fingerprint)
}

func (m *memStore) PushedPaths(ctx context.Context, repositoryID int64, fingerprint string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for p := range m.progress[progressKey(repositoryID, fingerprint)] {
		out[p] = true
	}
	return out, nil
}

func (m *memStore) ResetPushProgress(ctx context.Context, repositoryID int64, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := progressKey(repositoryID, fingerprint)
	prefix := fmt.Sprintf("%d/", repositoryID)
	for key := range m.progress {
		if key != keep && strings.HasPrefix(key, prefix) {
			delete(m.progress, key)
		}
	}
	return nil
}

func (m *memStore) RecordPushedPath(ctx context.Context, repositoryID int64, fingerprint, path, commitSHA string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey(repositoryID, fingerprint)
	if m.progress[key] == nil {
		m.progress[key] = make(map[string]bool)
	}
	m.progress[key][path] = true
	return nil
}

func (m *memStore) FailInterrupted(ctx context.Context, jobErr *JobError, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if !j.State.Terminal() {
			j.State = StateFailed
			j.LastError = jobErr
			j.FinishedAt = &now
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (m *memStore) States(id string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history[id]...)
}

// fakeTokens fails the first len(errs) calls with errs.
type fakeTokens struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeTokens) GetToken(ctx context.Context, id int64) (*auth.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &auth.AccessToken{Token: "t", InstallationID: id, ExpiresAt: time.Now().Add(time.Hour),
		Permissions: map[string]string{"contents": "write"}}, nil
}

func (f *fakeTokens) TokenSource(ctx context.Context, id int64) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"})
}

// fakeResolver knows a fixed set of repositories.
type fakeResolver struct {
	mu    sync.Mutex
	refs  map[string]*repository.Ref
	errs  []error
	block chan struct{}
	calls int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{refs: map[string]*repository.Ref{
		"alice/site": {OwnerLogin: "alice", Name: "site", RepositoryID: 1001, Visibility: "public", DefaultBranch: "main"},
	}}
}

func (f *fakeResolver) Validate(ctx context.Context, owner, name string, installationID int64) (*repository.Ref, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	ref, ok := f.refs[owner+"/"+name]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, derrors.RepositoryNotFound(owner, name)
	}
	return ref, nil
}

// fakePlatform records writes and can inject failures.
type fakePlatform struct {
	mu sync.Mutex

	commitErrs  []error
	putErrs     map[string][]error
	publishErrs []error
	empty       bool

	// pushStarted is closed when the first push begins; pushRelease
	// blocks the push until closed.
	pushStarted chan struct{}
	pushRelease chan struct{}
	// pushBlocksOnCtx makes the push wait for its context.
	pushBlocksOnCtx bool

	commits      []platform.CommitRequest
	puts         []string
	publishCalls int
	pushCalls    int
}

func (f *fakePlatform) beginPush(ctx context.Context) error {
	f.mu.Lock()
	f.pushCalls++
	started, release := f.pushStarted, f.pushRelease
	if f.pushCalls == 1 && started != nil {
		close(started)
	}
	blockOnCtx := f.pushBlocksOnCtx
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if blockOnCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakePlatform) CommitFiles(ctx context.Context, ts oauth2.TokenSource, req platform.CommitRequest) (*platform.CommitResult, error) {
	if err := f.beginPush(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.empty {
		return nil, platform.ErrEmptyRepository
	}
	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		return nil, err
	}
	f.commits = append(f.commits, req)
	return &platform.CommitResult{SHA: fmt.Sprintf("commit%d", len(f.commits)), Changed: true}, nil
}

func (f *fakePlatform) PutFile(ctx context.Context, ts oauth2.TokenSource, req platform.PutFileRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.putErrs[req.File.Path]; len(errs) > 0 {
		f.putErrs[req.File.Path] = errs[1:]
		return "", errs[0]
	}
	f.puts = append(f.puts, req.File.Path)
	return fmt.Sprintf("put%d", len(f.puts)), nil
}

func (f *fakePlatform) EnablePublishing(ctx context.Context, ts oauth2.TokenSource, req platform.PublishRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		return "", err
	}
	return platform.PagesURL(req.Owner, req.Name), nil
}

func (f *fakePlatform) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits) + len(f.puts)
}

// recordingSleep replaces backoff sleeps.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type fixture struct {
	store    *memStore
	tokens   *fakeTokens
	resolver *fakeResolver
	platform *fakePlatform
	locks    *LockManager
	sleeper  *recordingSleep
	exec     *Executor
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:    newMemStore(),
		tokens:   &fakeTokens{},
		resolver: newFakeResolver(),
		platform: &fakePlatform{putErrs: make(map[string][]error)},
		locks:    NewLockManager(),
		sleeper:  &recordingSleep{},
	}
	f.exec = NewExecutor(f.store, f.tokens, f.resolver, f.platform, f.locks, cfg, discardLogger())
	f.exec.sleep = f.sleeper.Sleep
	return f
}

func testBundle() *content.Bundle {
	b, err := content.Package([]content.File{
		{Path: "index.html", Content: []byte("<h1>Ada</h1>")},
		{Path: "about.html", Content: []byte("<p>About</p>")},
		{Path: "style.css", Content: []byte("body{}")},
	}, "minimal")
	if err != nil {
		panic(err)
	}
	return b
}

// otherBundle has the same paths as testBundle with different content.
func otherBundle() *content.Bundle {
	b, err := content.Package([]content.File{
		{Path: "index.html", Content: []byte("<h1>Grace</h1>")},
		{Path: "about.html", Content: []byte("<p>Other</p>")},
		{Path: "style.css", Content: []byte("body{margin:0}")},
	}, "minimal")
	if err != nil {
		panic(err)
	}
	return b
}

// tickingClock advances by a second on every reading.
func (f *fixture) tickingClock() {
	var mu sync.Mutex
	t := time.Now().UTC()
	f.exec.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func (f *fixture) newJob(id string, b *content.Bundle) *Job {
	now := time.Now().UTC()
	job := &Job{
		ID:             id,
		InstallationID: 42,
		OwnerLogin:     "alice",
		RepoName:       "site",
		Fingerprint:    b.Fingerprint,
		State:          StatePending,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		panic(err)
	}
	return job
}

func unavailable() error {
	return derrors.PlatformUnavailable(fmt.Errorf("503 Service Unavailable"))
}

// memBundles serves bundles from a map.
type memBundles map[string]*content.Bundle

func (m memBundles) GetBundle(ctx context.Context, fp string) (*content.Bundle, error) {
	b, ok := m[fp]
	if !ok {
		return nil, derrors.NotFound("bundle", fp)
	}
	return b, nil
}
