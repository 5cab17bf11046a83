// Package platform talks to the hosting platform's REST API (GitHub or a
// GitHub Enterprise server) on behalf of the application and its
// installations.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"foliodeploy/internal/auth"
	"foliodeploy/internal/derrors"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.github.com/"

// Installation is one grant of the application to an account.
type Installation struct {
	ID                  int64
	AccountLogin        string
	AccountType         string
	RepositorySelection string // "all" or "selected"
	Permissions         map[string]string
	SuspendedAt         *time.Time
}

// Repository is the subset of repository metadata the orchestrator uses.
type Repository struct {
	ID            int64
	OwnerLogin    string
	Name          string
	Private       bool
	DefaultBranch string
	HTMLURL       string
	Archived      bool
}

// Visibility returns "private" or "public".
func (r *Repository) Visibility() string {
	if r.Private {
		return "private"
	}
	return "public"
}

// Client is a thin wrapper over go-github that builds an authenticated
// client per call from an oauth2 token source.
type Client struct {
	baseURL   *url.URL
	appTokens oauth2.TokenSource
	http      *http.Client
	logger    *slog.Logger
}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root; DefaultBaseURL when empty.
	BaseURL string
	// AppTokens yields application assertions for app-level endpoints.
	AppTokens oauth2.TokenSource
	// HTTPClient is the base transport; http.DefaultClient when nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid api base url scheme %q", u.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: u, appTokens: opts.AppTokens, http: hc, logger: logger}, nil
}

func (c *Client) gitHub(ctx context.Context, ts oauth2.TokenSource) *github.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	hc := oauth2.NewClient(ctx, ts)
	// oauth2 keeps only the transport; the per-call timeout lives on the client.
	hc.Timeout = c.http.Timeout
	gh := github.NewClient(hc)
	gh.BaseURL = c.baseURL
	return gh
}

func (c *Client) appClient(ctx context.Context) (*github.Client, error) {
	if c.appTokens == nil {
		return nil, derrors.Signing(fmt.Errorf("no application credentials configured"))
	}
	return c.gitHub(ctx, c.appTokens), nil
}

// ExchangeInstallationToken trades an application assertion for an
// installation access token.
func (c *Client) ExchangeInstallationToken(ctx context.Context, assertion string, installationID int64) (*auth.AccessToken, error) {
	gh := c.gitHub(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: assertion}))

	tok, resp, err := gh.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, classifyExchange(resp, err)
	}
	if tok.GetToken() == "" {
		return nil, derrors.AuthExchange(fmt.Errorf("platform returned an empty token"), false)
	}

	return &auth.AccessToken{
		Token:          tok.GetToken(),
		ExpiresAt:      tok.GetExpiresAt().Time,
		InstallationID: installationID,
		Permissions:    permissionMap(tok.Permissions),
	}, nil
}

// GetInstallation looks an installation up with the application identity.
func (c *Client) GetInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	gh, err := c.appClient(ctx)
	if err != nil {
		return nil, err
	}

	inst, resp, err := gh.Apps.GetInstallation(ctx, installationID)
	if err != nil {
		if statusOf(resp, err) == http.StatusNotFound {
			return nil, derrors.NotFound("installation", fmt.Sprintf("%d", installationID))
		}
		return nil, classifyExchange(resp, err)
	}

	out := &Installation{
		ID:                  inst.GetID(),
		AccountLogin:        inst.GetAccount().GetLogin(),
		AccountType:         inst.GetAccount().GetType(),
		RepositorySelection: inst.GetRepositorySelection(),
		Permissions:         permissionMap(inst.Permissions),
	}
	if inst.SuspendedAt != nil {
		t := inst.SuspendedAt.Time
		out.SuspendedAt = &t
	}
	return out, nil
}

// ListInstallationRepositoryIDs returns the ids of every repository the
// installation token can reach.
func (c *Client) ListInstallationRepositoryIDs(ctx context.Context, ts oauth2.TokenSource) ([]int64, error) {
	gh := c.gitHub(ctx, ts)

	var ids []int64
	opts := &github.ListOptions{PerPage: 100}
	for {
		list, resp, err := gh.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, classify(resp, err, "", "")
		}
		for _, r := range list.Repositories {
			ids = append(ids, r.GetID())
		}
		if resp.NextPage == 0 {
			return ids, nil
		}
		opts.Page = resp.NextPage
	}
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, ts oauth2.TokenSource, owner, name string) (*Repository, error) {
	gh := c.gitHub(ctx, ts)

	repo, resp, err := gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classify(resp, err, owner, name)
	}
	return &Repository{
		ID:            repo.GetID(),
		OwnerLogin:    repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		Private:       repo.GetPrivate(),
		DefaultBranch: repo.GetDefaultBranch(),
		HTMLURL:       repo.GetHTMLURL(),
		Archived:      repo.GetArchived(),
	}, nil
}

func permissionMap(p *github.InstallationPermissions) map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	set := func(name string, level *string) {
		if level != nil && *level != "" {
			out[name] = *level
		}
	}
	set("contents", p.Contents)
	set("pages", p.Pages)
	set("metadata", p.Metadata)
	set("administration", p.Administration)
	set("workflows", p.Workflows)
	return out
}
