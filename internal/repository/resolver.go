// Package repository turns a user-typed owner/name into a validated target.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"foliodeploy/internal/auth"
	"foliodeploy/internal/derrors"
	"foliodeploy/internal/platform"
	"foliodeploy/internal/security"
)

// DefaultTTL is how long a successful validation is reused.
const DefaultTTL = 5 * time.Minute

// Ref is a validated deployment target.
type Ref struct {
	OwnerLogin    string    `json:"ownerLogin"`
	Name          string    `json:"name"`
	RepositoryID  int64     `json:"repositoryId"`
	Visibility    string    `json:"visibility"`
	DefaultBranch string    `json:"defaultBranch"`
	ValidatedAt   time.Time `json:"validatedAt"`
}

// FullName returns owner/name.
func (r *Ref) FullName() string {
	return r.OwnerLogin + "/" + r.Name
}

// Platform is the subset of the platform client the resolver needs.
type Platform interface {
	GetInstallation(ctx context.Context, installationID int64) (*platform.Installation, error)
	GetRepository(ctx context.Context, ts oauth2.TokenSource, owner, name string) (*platform.Repository, error)
	ListInstallationRepositoryIDs(ctx context.Context, ts oauth2.TokenSource) ([]int64, error)
}

// Tokens provides installation credentials.
type Tokens interface {
	GetToken(ctx context.Context, installationID int64) (*auth.AccessToken, error)
	TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource
}

type cacheKey struct {
	installationID int64
	owner, name    string
}

type cacheEntry struct {
	ref     *Ref
	expires time.Time
}

// Resolver validates repository references and caches successes.
type Resolver struct {
	platform Platform
	tokens   Tokens
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger

	cache sync.Map // cacheKey -> cacheEntry
}

// NewResolver creates a Resolver. A ttl of zero selects DefaultTTL.
func NewResolver(p Platform, tokens Tokens, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{platform: p, tokens: tokens, ttl: ttl, now: time.Now, logger: logger}
}

// Validate checks that owner/name exists, that the installation covers
// it, and that the installation may write content to it.
func (r *Resolver) Validate(ctx context.Context, owner, name string, installationID int64) (*Ref, error) {
	if err := security.ValidateOwnerLogin(owner); err != nil {
		return nil, derrors.InvalidInput("invalid owner: %v", err)
	}
	if err := security.ValidateRepoName(name); err != nil {
		return nil, derrors.InvalidInput("invalid repository name: %v", err)
	}
	if installationID <= 0 {
		return nil, derrors.InvalidInput("installation id is required")
	}

	key := cacheKey{installationID: installationID, owner: strings.ToLower(owner), name: strings.ToLower(name)}
	if v, ok := r.cache.Load(key); ok {
		entry := v.(cacheEntry)
		if r.now().Before(entry.expires) {
			return entry.ref, nil
		}
		r.cache.CompareAndDelete(key, v)
	}

	ref, err := r.resolve(ctx, owner, name, installationID)
	if err != nil {
		r.logger.Info("repository validation failed",
			"installation_id", installationID,
			"repository", owner+"/"+name,
			"code", derrors.CodeOf(err))
		return nil, err
	}

	r.cache.Store(key, cacheEntry{ref: ref, expires: ref.ValidatedAt.Add(r.ttl)})
	return ref, nil
}

func (r *Resolver) resolve(ctx context.Context, owner, name string, installationID int64) (*Ref, error) {
	tok, err := r.tokens.GetToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := r.tokens.TokenSource(ctx, installationID)

	repo, err := r.platform.GetRepository(ctx, ts, owner, name)
	if err != nil {
		return nil, err
	}
	if repo.Archived {
		return nil, derrors.WriteNotPermitted(repo.OwnerLogin, repo.Name)
	}

	inScope, err := r.inScope(ctx, ts, installationID, repo)
	if err != nil {
		return nil, err
	}
	if !inScope {
		return nil, derrors.OutOfScope(repo.OwnerLogin, repo.Name)
	}

	if !tok.CanWrite("contents") {
		return nil, derrors.WriteNotPermitted(repo.OwnerLogin, repo.Name)
	}

	return &Ref{
		OwnerLogin:    repo.OwnerLogin,
		Name:          repo.Name,
		RepositoryID:  repo.ID,
		Visibility:    repo.Visibility(),
		DefaultBranch: repo.DefaultBranch,
		ValidatedAt:   r.now().UTC(),
	}, nil
}

// inScope reports whether the installation was granted repo. An "all"
// installation covers every repository of its account; a "selected" one
// only the repositories listed for its token.
func (r *Resolver) inScope(ctx context.Context, ts oauth2.TokenSource, installationID int64, repo *platform.Repository) (bool, error) {
	inst, err := r.platform.GetInstallation(ctx, installationID)
	if err != nil {
		return false, err
	}
	if inst.SuspendedAt != nil {
		return false, derrors.AuthExchange(fmt.Errorf("installation %d is suspended", installationID), false)
	}

	switch inst.RepositorySelection {
	case "all":
		return strings.EqualFold(inst.AccountLogin, repo.OwnerLogin), nil
	default:
		ids, err := r.platform.ListInstallationRepositoryIDs(ctx, ts)
		if err != nil {
			return false, err
		}
		return slices.Contains(ids, repo.ID), nil
	}
}

// Forget drops cached validations for an installation, for example after it
// was reinstalled with a different repository selection.
func (r *Resolver) Forget(installationID int64) {
	r.cache.Range(func(k, _ any) bool {
		if k.(cacheKey).installationID == installationID {
			r.cache.Delete(k)
		}
		return true
	})
}
