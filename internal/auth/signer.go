// Package auth proves the application's identity to the hosting platform and
// turns that proof into short-lived installation access tokens.
package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"foliodeploy/internal/derrors"
	"foliodeploy/internal/security"
)

const (
	// MaxAssertionLifetime is the longest validity window the platform accepts.
	MaxAssertionLifetime = 10 * time.Minute

	// clockDrift backdates iat so a slightly fast platform clock still
	// accepts the assertion.
	clockDrift = 60 * time.Second

	// assertionLifetime is measured from now, not from the backdated iat.
	assertionLifetime = 9 * time.Minute
)

// Claims is the claim set of an application assertion.
type Claims struct {
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Audience  string
}

// Signer produces RS256 application assertions. The private key never
// leaves the Signer.
type Signer struct {
	appID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewSigner parses a PEM encoded RSA private key.
func NewSigner(appID string, pemKey []byte) (*Signer, error) {
	if appID == "" {
		return nil, derrors.Signing(fmt.Errorf("application id is empty"))
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, derrors.Signing(fmt.Errorf("failed to parse private key: %w", err))
	}
	return &Signer{appID: appID, key: key, now: time.Now}, nil
}

// LoadSigner reads the private key at path. The file must be accessible to
// its owner only. Errors are SIGNING_FAILED and should stop the process.
func LoadSigner(appID, path string) (*Signer, error) {
	if path == "" {
		return nil, derrors.Signing(fmt.Errorf("private key path is empty"))
	}
	if err := security.EnsureSecurePermissions(path, security.PermPrivateKey); err != nil {
		return nil, derrors.Signing(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, derrors.Signing(fmt.Errorf("failed to read private key: %w", err))
	}
	return NewSigner(appID, data)
}

// AppID returns the issuer used for assertions.
func (s *Signer) AppID() string {
	return s.appID
}

// Sign returns a compact JWS for claims.
func (s *Signer) Sign(c Claims) (string, error) {
	if c.Issuer == "" {
		return "", derrors.Signing(fmt.Errorf("issuer is required"))
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return "", derrors.Signing(fmt.Errorf("expiry must be after issue time"))
	}
	if c.ExpiresAt.Sub(c.IssuedAt) > MaxAssertionLifetime {
		return "", derrors.Signing(fmt.Errorf("assertion lifetime %s exceeds %s",
			c.ExpiresAt.Sub(c.IssuedAt), MaxAssertionLifetime))
	}

	registered := jwt.RegisteredClaims{
		Issuer:    c.Issuer,
		IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
	}
	if c.Audience != "" {
		registered.Audience = jwt.ClaimStrings{c.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, registered).SignedString(s.key)
	if err != nil {
		return "", derrors.Signing(err)
	}
	return signed, nil
}

// AppClaims returns the claims of an assertion issued now.
func (s *Signer) AppClaims() Claims {
	now := s.now()
	return Claims{
		Issuer:    s.appID,
		IssuedAt:  now.Add(-clockDrift),
		ExpiresAt: now.Add(assertionLifetime),
	}
}

// AppAssertion signs a fresh application assertion.
func (s *Signer) AppAssertion() (string, error) {
	return s.Sign(s.AppClaims())
}

// Token implements oauth2.TokenSource so app-level API calls can
// authenticate with the assertion. Wrap it in oauth2.ReuseTokenSource to
// avoid re-signing on every request.
func (s *Signer) Token() (*oauth2.Token, error) {
	c := s.AppClaims()
	signed, err := s.Sign(c)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		// refresh a minute early
		Expiry: c.ExpiresAt.Add(-clockDrift),
	}, nil
}

// AppTokenSource returns a caching token source of application assertions.
func (s *Signer) AppTokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, s)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
