package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"foliodeploy/internal/content"
	"foliodeploy/internal/deployment"
	"foliodeploy/internal/platform"
	"foliodeploy/internal/repository"
	"foliodeploy/internal/session"
	"foliodeploy/internal/store"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 30 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute per IP
	GlobalRateLimit = 120
	WriteRateLimit  = 10
)

// Deployments submits and tracks jobs.
type Deployments interface {
	Submit(ctx context.Context, req deployment.Request) (*deployment.Job, error)
	Get(ctx context.Context, jobID string) (*deployment.Job, error)
	Cancel(ctx context.Context, jobID string) (*deployment.Job, bool, error)
	ActiveJob(installationID int64, owner, name string) (string, bool)
	Running() int
	Shutdown(ctx context.Context) error
}

// Resolver validates repositories and drops cached answers.
type Resolver interface {
	Validate(ctx context.Context, owner, name string, installationID int64) (*repository.Ref, error)
	Forget(installationID int64)
}

// Installations looks installations up on the platform.
type Installations interface {
	GetInstallation(ctx context.Context, installationID int64) (*platform.Installation, error)
}

// Records persists bundles and installation grants.
type Records interface {
	SaveBundle(ctx context.Context, b *content.Bundle) error
	RecordInstallation(ctx context.Context, inst *store.Installation) error
	Ping(ctx context.Context) error
}

// Tokens is the part of the token cache the server manages.
type Tokens interface {
	Invalidate(installationID int64)
	Purge() int
}

// Options wires a Server.
type Options struct {
	Deployments   Deployments
	Resolver      Resolver
	Installations Installations
	Records       Records
	Tokens        Tokens
	Sessions      *session.Store
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger

	// StateSecret signs the install state.
	StateSecret string
	// InstallURL builds the platform install page URL for a signed state.
	InstallURL func(state string) string
	// WizardURL receives the user after the install callback.
	WizardURL string
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	SessionTTL    time.Duration
	// TestMode disables rate limiting.
	TestMode bool
}

// Server represents the HTTP server
type Server struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new server instance
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = session.DefaultTTL
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(requestLogger(s.logger))

	// Rate limiting middleware (only if not in test mode)
	writeLimit := func(next http.Handler) http.Handler { return next }
	if !s.opts.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, "global", s.logger))
		writeLimit = NewRateLimitMiddleware(WriteRateLimit, "write", s.logger)
	}

	r.Get("/health", s.HandleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Get("/github/install", s.HandleInstall)
	r.Get("/github/callback", s.HandleCallback)

	r.Get("/session", s.HandleGetSession)
	r.Post("/repositories/validate", s.HandleValidateRepository)
	r.With(writeLimit).Post("/bundles", s.HandleCreateBundle)
	r.With(writeLimit).Post("/deploy", s.HandleDeploy)

	r.Get("/jobs/{jobID}", s.HandleGetJob)
	r.Post("/jobs/{jobID}/cancel", s.HandleCancelJob)

	return r
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting server", "addr", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then waits for running deployments
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.opts.Deployments != nil {
		if err := s.opts.Deployments.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
