// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"foliodeploy/internal/security"
	"foliodeploy/pkg/fileutil"
)

// FileName is the configuration file looked up by Find.
const FileName = "foliodeploy.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FOLIODEPLOY_"

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8080
	DefaultDatabasePath       = "foliodeploy.db"
	DefaultLogFile            = "foliodeploy.log"
	DefaultLogLevel           = "info"
	DefaultAPIBaseURL         = "https://api.github.com/"
	DefaultCallTimeout        = 30 * time.Second
	DefaultJobTimeout         = 5 * time.Minute
	DefaultRetryBase          = time.Second
	DefaultRetryCap           = 30 * time.Second
	DefaultRetryMaxAttempts   = 5
	DefaultTokenSkew          = 60 * time.Second
	DefaultRepositoryCacheTTL = 5 * time.Minute
	DefaultSessionTTL         = 30 * 24 * time.Hour

	PushAtomic  = "atomic"
	PushPerFile = "per_file"

	// maxTokenSkew keeps the refresh margin well inside a one hour token.
	maxTokenSkew = 30 * time.Minute
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Listen is the HTTP listen address.
type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Timeouts bound single platform calls and whole jobs.
type Timeouts struct {
	Call time.Duration `yaml:"call"`
	Job  time.Duration `yaml:"job"`
}

// Retry is the backoff policy for transient failures.
type Retry struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Config holds all service configuration.
type Config struct {
	AppID          int64  `yaml:"app_id"`
	AppSlug        string `yaml:"app_slug"`
	PrivateKeyPath string `yaml:"private_key_path"`
	CallbackURL    string `yaml:"callback_url"`
	WizardURL      string `yaml:"wizard_url"`
	APIBaseURL     string `yaml:"api_base_url"`
	StateSecret    string `yaml:"state_secret"`

	Listen       Listen `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`
	LogFile      string `yaml:"log_file"`
	LogLevel     string `yaml:"log_level"`

	PushMode      string `yaml:"push_mode"`
	PublishBranch string `yaml:"publish_branch"`

	Timeouts           Timeouts      `yaml:"timeouts"`
	Retry              Retry         `yaml:"retry"`
	TokenSkew          time.Duration `yaml:"token_skew"`
	RepositoryCacheTTL time.Duration `yaml:"repository_cache_ttl"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		APIBaseURL:   DefaultAPIBaseURL,
		Listen:       Listen{Host: DefaultHost, Port: DefaultPort},
		DatabasePath: DefaultDatabasePath,
		LogFile:      DefaultLogFile,
		LogLevel:     DefaultLogLevel,
		PushMode:     PushAtomic,
		Timeouts:     Timeouts{Call: DefaultCallTimeout, Job: DefaultJobTimeout},
		Retry: Retry{
			Base:        DefaultRetryBase,
			Cap:         DefaultRetryCap,
			MaxAttempts: DefaultRetryMaxAttempts,
		},
		TokenSkew:          DefaultTokenSkew,
		RepositoryCacheTTL: DefaultRepositoryCacheTTL,
		SessionTTL:         DefaultSessionTTL,
	}
}

// Find returns the first config file in the default search paths, or "".
func Find() string {
	return fileutil.FindConfig(FileName, os.Getenv(EnvPrefix+"CONFIG_DIR"))
}

// Load reads path (optional when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"APP_SLUG":         &c.AppSlug,
		"PRIVATE_KEY_PATH": &c.PrivateKeyPath,
		"CALLBACK_URL":     &c.CallbackURL,
		"WIZARD_URL":       &c.WizardURL,
		"API_BASE_URL":     &c.APIBaseURL,
		"STATE_SECRET":     &c.StateSecret,
		"LISTEN_HOST":      &c.Listen.Host,
		"DATABASE_PATH":    &c.DatabasePath,
		"LOG_FILE":         &c.LogFile,
		"LOG_LEVEL":        &c.LogLevel,
		"PUSH_MODE":        &c.PushMode,
		"PUBLISH_BRANCH":   &c.PublishBranch,
	}
	for key, field := range strs {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"CALL_TIMEOUT":         &c.Timeouts.Call,
		"JOB_TIMEOUT":          &c.Timeouts.Job,
		"TOKEN_SKEW":           &c.TokenSkew,
		"REPOSITORY_CACHE_TTL": &c.RepositoryCacheTTL,
		"SESSION_TTL":          &c.SessionTTL,
	}
	for key, field := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*field = d
	}

	if v, ok := lookup(EnvPrefix + "APP_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sAPP_ID: %w", EnvPrefix, err)
		}
		c.AppID = id
	}
	if v, ok := lookup(EnvPrefix + "LISTEN_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sLISTEN_PORT: %w", EnvPrefix, err)
		}
		c.Listen.Port = port
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errors []string

	if c.AppID <= 0 {
		errors = append(errors, "  - app_id: must be a positive integer")
	}
	if c.AppSlug == "" {
		errors = append(errors, "  - app_slug: missing required field")
	} else if !slugPattern.MatchString(c.AppSlug) {
		errors = append(errors, fmt.Sprintf("  - app_slug: invalid slug '%s'", c.AppSlug))
	}
	if c.PrivateKeyPath == "" {
		errors = append(errors, "  - private_key_path: missing required field")
	}

	for _, u := range []struct{ key, value string }{
		{"callback_url", c.CallbackURL},
		{"wizard_url", c.WizardURL},
		{"api_base_url", c.APIBaseURL},
	} {
		if msg := checkURL(u.value); msg != "" {
			errors = append(errors, fmt.Sprintf("  - %s: %s", u.key, msg))
		}
	}

	if c.StateSecret == "" {
		errors = append(errors, "  - state_secret: missing required field")
	} else if err := security.ValidateSecret(c.StateSecret); err != nil {
		errors = append(errors, fmt.Sprintf("  - state_secret: %v", err))
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errors = append(errors, fmt.Sprintf("  - listen.port: must be between 1 and 65535, got %d", c.Listen.Port))
	}
	if c.DatabasePath == "" {
		errors = append(errors, "  - database_path: missing required field")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, fmt.Sprintf("  - log_level: %v", err))
	}

	if c.PushMode != PushAtomic && c.PushMode != PushPerFile {
		errors = append(errors, fmt.Sprintf("  - push_mode: must be '%s' or '%s', got '%s'", PushAtomic, PushPerFile, c.PushMode))
	}
	if strings.HasPrefix(c.PublishBranch, "-") {
		errors = append(errors, fmt.Sprintf("  - publish_branch: branch name cannot start with '-', got '%s'", c.PublishBranch))
	}

	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"timeouts.call", c.Timeouts.Call},
		{"timeouts.job", c.Timeouts.Job},
		{"retry.base", c.Retry.Base},
		{"retry.cap", c.Retry.Cap},
		{"repository_cache_ttl", c.RepositoryCacheTTL},
		{"session_ttl", c.SessionTTL},
	} {
		if d.value <= 0 {
			errors = append(errors, fmt.Sprintf("  - %s: must be a positive duration, got %s", d.key, d.value))
		}
	}
	if c.Retry.Base > c.Retry.Cap {
		errors = append(errors, fmt.Sprintf("  - retry.base: %s exceeds retry.cap %s", c.Retry.Base, c.Retry.Cap))
	}
	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("  - retry.max_attempts: must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.TokenSkew < 0 || c.TokenSkew > maxTokenSkew {
		errors = append(errors, fmt.Sprintf("  - token_skew: must be between 0 and %s, got %s", maxTokenSkew, c.TokenSkew))
	}
	if c.Timeouts.Call > c.Timeouts.Job && c.Timeouts.Job > 0 {
		errors = append(errors, fmt.Sprintf("  - timeouts.call: %s exceeds timeouts.job %s", c.Timeouts.Call, c.Timeouts.Job))
	}

	if len(errors) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func checkURL(raw string) string {
	if raw == "" {
		return "missing required field"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("cannot parse '%s': %v", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Sprintf("must be an absolute http(s) URL, got '%s'", raw)
	}
	if u.Host == "" {
		return fmt.Sprintf("missing host in '%s'", raw)
	}
	return ""
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen.Host, strconv.Itoa(c.Listen.Port))
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// InstallURL is where a user is sent to install the app.
func (c *Config) InstallURL(state string) string {
	return fmt.Sprintf("https://github.com/apps/%s/installations/new?state=%s", c.AppSlug, url.QueryEscape(state))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level '%s' (use debug, info, warn or error)", s)
	}
}
