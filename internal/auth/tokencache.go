package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"foliodeploy/internal/derrors"
)

const (
	// DefaultSkew is how long before expiry a cached token stops being served.
	DefaultSkew = 60 * time.Second

	// DefaultExchangeTimeout bounds one token exchange.
	DefaultExchangeTimeout = 30 * time.Second
)

// AccessToken is a short-lived credential scoped to one installation.
type AccessToken struct {
	Token          string
	ExpiresAt      time.Time
	InstallationID int64
	// Permissions maps a permission name (contents, pages, ...) to its level
	// (read, write).
	Permissions map[string]string
}

// CanWrite reports whether the token grants write access to permission.
func (t *AccessToken) CanWrite(permission string) bool {
	return t.Permissions[permission] == "write" || t.Permissions[permission] == "admin"
}

// AssertionSigner signs application assertions.
type AssertionSigner interface {
	AppAssertion() (string, error)
}

// Exchanger trades an application assertion for an installation token.
// Errors should be derrors AUTH_EXCHANGE_FAILED values.
type Exchanger interface {
	ExchangeInstallationToken(ctx context.Context, assertion string, installationID int64) (*AccessToken, error)
}

// CacheOptions configures a TokenCache. Zero values select defaults.
type CacheOptions struct {
	Skew            time.Duration
	ExchangeTimeout time.Duration
	Logger          *slog.Logger
	// OnExchange is called after every exchange with "ok", "transient" or "permanent".
	OnExchange func(result string)
	Now        func() time.Time
}

// TokenCache returns installation tokens, exchanging a new one only when
// the cached token is missing or about to expire. Concurrent misses for
// the same installation share one exchange.
type TokenCache struct {
	signer    AssertionSigner
	exchanger Exchanger
	opts      CacheOptions
	logger    *slog.Logger

	tokens sync.Map // int64 -> *AccessToken
	group  singleflight.Group
}

// NewTokenCache creates a cache backed by signer and exchanger.
func NewTokenCache(signer AssertionSigner, exchanger Exchanger, opts CacheOptions) *TokenCache {
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		signer:    signer,
		exchanger: exchanger,
		opts:      opts,
		logger:    logger,
	}
}

// GetToken returns a token for installationID valid for at least the skew.
//
// The exchange itself is detached from ctx so an impatient caller cannot
// fail the exchange for everyone waiting on it; ctx only bounds how long
// this caller waits.
func (c *TokenCache) GetToken(ctx context.Context, installationID int64) (*AccessToken, error) {
	if tok, ok := c.cached(installationID); ok {
		return tok, nil
	}

	exchangeCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(formatID(installationID), func() (any, error) {
		// another flight may have filled the cache between our miss and now
		if tok, ok := c.cached(installationID); ok {
			return tok, nil
		}
		return c.exchange(exchangeCtx, installationID)
	})

	select {
	case <-ctx.Done():
		return nil, derrors.As(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessToken), nil
	}
}

func (c *TokenCache) exchange(ctx context.Context, installationID int64) (*AccessToken, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ExchangeTimeout)
	defer cancel()

	assertion, err := c.signer.AppAssertion()
	if err != nil {
		return nil, err
	}

	start := c.opts.Now()
	tok, err := c.exchanger.ExchangeInstallationToken(ctx, assertion, installationID)
	if err != nil {
		result := "permanent"
		if derrors.IsRetryable(err) {
			result = "transient"
		}
		c.observe(result)
		c.logger.Warn("installation token exchange failed",
			"installation_id", installationID,
			"result", result,
			"error", err)
		if derrors.CodeOf(err) == derrors.CodeTimeout {
			return nil, derrors.AuthExchange(err, true)
		}
		return nil, err
	}

	c.observe("ok")
	c.tokens.Store(installationID, tok)
	c.logger.Debug("installation token exchanged",
		"installation_id", installationID,
		"expires_at", tok.ExpiresAt.Format(time.RFC3339),
		"duration_ms", c.opts.Now().Sub(start).Milliseconds())
	return tok, nil
}

func (c *TokenCache) cached(installationID int64) (*AccessToken, bool) {
	v, ok := c.tokens.Load(installationID)
	if !ok {
		return nil, false
	}
	tok := v.(*AccessToken)
	if tok.ExpiresAt.After(c.opts.Now().Add(c.opts.Skew)) {
		return tok, true
	}
	c.tokens.CompareAndDelete(installationID, tok)
	return nil, false
}

func (c *TokenCache) observe(result string) {
	if c.opts.OnExchange != nil {
		c.opts.OnExchange(result)
	}
}

// Invalidate drops the cached token for installationID, for example after
// the platform rejected it or the installation was replaced.
func (c *TokenCache) Invalidate(installationID int64) {
	c.tokens.Delete(installationID)
}

// Purge evicts every token inside the skew window and returns how many
// were removed.
func (c *TokenCache) Purge() int {
	removed := 0
	deadline := c.opts.Now().Add(c.opts.Skew)
	c.tokens.Range(func(key, value any) bool {
		if !value.(*AccessToken).ExpiresAt.After(deadline) {
			if c.tokens.CompareAndDelete(key, value) {
				removed++
			}
		}
		return true
	})
	return removed
}

// TokenSource adapts the cache to oauth2 for one installation. Every
// request made through it sees a token that is valid beyond the skew.
func (c *TokenCache) TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource {
	return &installationTokenSource{ctx: ctx, cache: c, installationID: installationID}
}

type installationTokenSource struct {
	ctx            context.Context
	cache          *TokenCache
	installationID int64
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.cache.GetToken(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.Token,
		TokenType:   "Bearer",
		// oauth2 reuses a token until shortly before Expiry
		Expiry: tok.ExpiresAt.Add(-s.cache.opts.Skew),
	}, nil
}
