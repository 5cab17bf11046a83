package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"foliodeploy/internal/auth"
	"foliodeploy/internal/config"
	"foliodeploy/internal/deployment"
	"foliodeploy/internal/metrics"
	"foliodeploy/internal/platform"
	"foliodeploy/internal/repository"
	"foliodeploy/internal/security"
	"foliodeploy/internal/server"
	"foliodeploy/internal/session"
	"foliodeploy/internal/store"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var (
	host     string
	port     int
	logLevel string
	testMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deployment server",
	Long: `Start the HTTP server that handles app installation callbacks, repository
validation, content bundles and deployment jobs.

Jobs left unfinished by a previous run are marked failed at start up.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&host, "host", "", "Host to bind to (overrides listen.host)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides listen.port)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv(config.EnvPrefix+"TEST_MODE") == "1", "Enable test mode (no rate limiting)")
}

// loadConfig resolves the config path from the flag or the default search
// locations and loads it.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.Find()
	}
	// the file carries the state secret
	if path != "" {
		if err := security.ValidateSecurePermissions(path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if host != "" {
		cfg.Listen.Host = host
	}
	if port != 0 {
		cfg.Listen.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logFileHandle, err := setupLogging(cfg.LogFile, cfg.Level())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if logFileHandle != nil {
		defer logFileHandle.Close()
	}

	logger.Info("Starting foliodeploy", "version", version, "app_slug", cfg.AppSlug)

	// Without a usable key nothing can be deployed.
	signer, err := auth.LoadSigner(strconv.FormatInt(cfg.AppID, 10), cfg.PrivateKeyPath)
	if err != nil {
		logger.Error("Failed to load application key", "path", cfg.PrivateKeyPath, "error", err)
		return err
	}

	client, err := platform.New(platform.Options{
		BaseURL:    cfg.APIBaseURL,
		AppTokens:  signer.AppTokenSource(),
		HTTPClient: &http.Client{Timeout: cfg.Timeouts.Call},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create platform client: %w", err)
	}

	if err := prepareDatabaseFile(cfg.DatabasePath); err != nil {
		return err
	}
	logger.Info("Opening state database", "db", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open state database", "error", err)
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer st.Close()

	var svc *deployment.Service
	m := metrics.New(func() int { return svc.Running() })

	tokens := auth.NewTokenCache(signer, client, auth.CacheOptions{
		Skew:       cfg.TokenSkew,
		Logger:     logger,
		OnExchange: m.TokenExchanged,
	})
	resolver := repository.NewResolver(client, tokens, cfg.RepositoryCacheTTL, logger)

	locks := deployment.NewLockManager()
	exec := deployment.NewExecutor(st, tokens, resolver, client, locks, deployment.Config{
		Retry: deployment.RetryPolicy{
			Base:        cfg.Retry.Base,
			Cap:         cfg.Retry.Cap,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		JobTimeout:    cfg.Timeouts.Job,
		PushMode:      cfg.PushMode,
		PublishBranch: cfg.PublishBranch,
	}, logger)
	exec.SetObserver(m)
	svc = deployment.NewService(exec, st, st, locks, logger)

	recovered, err := svc.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("Marked interrupted jobs as failed", "count", recovered)
	}

	srv := server.NewServer(server.Options{
		Deployments:   svc,
		Resolver:      resolver,
		Installations: client,
		Records:       st,
		Tokens:        tokens,
		Sessions:      session.NewStore(st, cfg.SessionTTL),
		Metrics:       m.Handler(),
		Logger:        logger,
		StateSecret:   cfg.StateSecret,
		InstallURL:    cfg.InstallURL,
		WizardURL:     cfg.WizardURL,
		SecureCookies: isHTTPS(cfg.CallbackURL),
		SessionTTL:    cfg.SessionTTL,
		TestMode:      testMode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.RunJanitor(ctx, server.DefaultJanitorInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.Addr())
		errCh <- srv.Start(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "running_jobs", svc.Running())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("Shutdown failed", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// setupLogging logs JSON to stdout and, when logPath is set, to that file.
// The caller must close the returned file.
func setupLogging(logPath string, level slog.Level) (*slog.Logger, *os.File, error) {
	var w io.Writer = os.Stdout
	var file *os.File

	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "." {
			if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := security.CreateSecureFile(logPath, security.PermLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		w = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), file, nil
}

// prepareDatabaseFile creates the state database file, and its directory,
// with restricted permissions before sqlite opens it.
func prepareDatabaseFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
			return err
		}
	}
	f, err := security.CreateSecureFile(path, security.PermDBFile)
	if err != nil {
		return fmt.Errorf("failed to prepare state database: %w", err)
	}
	return f.Close()
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https"
}
