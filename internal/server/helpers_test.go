package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foliodeploy/internal/deployment"
	"foliodeploy/internal/derrors"
	"foliodeploy/internal/platform"
	"foliodeploy/internal/repository"
	"foliodeploy/internal/session"
	"foliodeploy/internal/store"
)

const testStateSecret = "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS2uW5yA7bD0fG3hK6"

type fakeDeployments struct {
	mu        sync.Mutex
	jobs      map[string]*deployment.Job
	requests  []deployment.Request
	submitErr error
	holder    string
	cancelled []string
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{jobs: make(map[string]*deployment.Job)}
}

func (f *fakeDeployments) Submit(ctx context.Context, req deployment.Request) (*deployment.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	job := &deployment.Job{
		ID:             "job-accepted",
		InstallationID: req.InstallationID,
		OwnerLogin:     req.OwnerLogin,
		RepoName:       req.RepoName,
		Fingerprint:    req.BundleRef,
		State:          deployment.StatePending,
		Attempts:       1,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeDeployments) Get(ctx context.Context, id string) (*deployment.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, derrors.NotFound("job", id)
	}
	return job, nil
}

func (f *fakeDeployments) Cancel(ctx context.Context, id string) (*deployment.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, false, derrors.NotFound("job", id)
	}
	if job.State.Terminal() {
		return job, false, nil
	}
	f.cancelled = append(f.cancelled, id)
	return job, true, nil
}

func (f *fakeDeployments) ActiveJob(installationID int64, owner, name string) (string, bool) {
	return f.holder, f.holder != ""
}

func (f *fakeDeployments) Running() int { return 0 }
func (f *fakeDeployments) Shutdown(ctx context.Context) error { return nil }

type fakeResolver struct {
	mu        sync.Mutex
	err       error
	forgotten []int64
}

func (f *fakeResolver) Validate(ctx context.Context, owner, name string, installationID int64) (*repository.Ref, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &repository.Ref{
		OwnerLogin:    owner,
		Name:          name,
		RepositoryID:  1001,
		Visibility:    "public",
		DefaultBranch: "main",
		ValidatedAt:   time.Now().UTC(),
	}, nil
}

func (f *fakeResolver) Forget(installationID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, installationID)
}

type fakeInstallations struct {
	installs map[int64]*platform.Installation
}

func (f *fakeInstallations) GetInstallation(ctx context.Context, id int64) (*platform.Installation, error) {
	inst, ok := f.installs[id]
	if !ok {
		return nil, derrors.NotFound("installation", "missing")
	}
	return inst, nil
}

type fakeTokens struct {
	invalidated []int64
	purged      int
}

func (f *fakeTokens) Invalidate(id int64) { f.invalidated = append(f.invalidated, id) }
func (f *fakeTokens) Purge() int { f.purged++; return 0 }

type testEnv struct {
	server      *Server
	store       *store.Store
	sessions    *session.Store
	deployments *fakeDeployments
	resolver    *fakeResolver
	tokens      *fakeTokens
	logs        *bytes.Buffer
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store:       st,
		sessions:    session.NewStore(st, 0),
		deployments: newFakeDeployments(),
		resolver:    &fakeResolver{},
		tokens:      &fakeTokens{},
		logs:        &bytes.Buffer{},
	}
	installs := &fakeInstallations{installs: map[int64]*platform.Installation{
		42: {ID: 42, AccountLogin: "alice", AccountType: "User", RepositorySelection: "selected"},
	}}

	env.server = NewServer(Options{
		Deployments:   env.deployments,
		Resolver:      env.resolver,
		Installations: installs,
		Records:       st,
		Tokens:        env.tokens,
		Sessions:      env.sessions,
		Logger:        slog.New(slog.NewTextHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		StateSecret:   testStateSecret,
		InstallURL: func(state string) string {
			return "https://github.com/apps/folio-deployer/installations/new?state=" + state
		},
		WizardURL: "https://folio.example.com/wizard",
		TestMode:  true,
	})
	return env
}

// boundSession creates a session that completed the install callback for
// installation 42.
func (env *testEnv) boundSession(t *testing.T, id string) string {
	t.Helper()
	installationID := int64(42)
	if err := env.sessions.Save(context.Background(), id, session.Partial{InstallationID: &installationID}); err != nil {
		t.Fatalf("Failed to bind session: %v", err)
	}
	return id
}

// do sends a request through the router. body is JSON encoded unless it
// is already a []byte.
func (env *testEnv) do(t *testing.T, method, target string, body interface{}, sessionID string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)
	return rr
}

type errorResponse struct {
	Error struct {
		Code      derrors.Code `json:"code"`
		Message   string       `json:"message"`
		Hint      string       `json:"hint"`
		Retryable bool         `json:"retryable"`
	} `json:"error"`
	JobID string `json:"jobId"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func sessionCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}
