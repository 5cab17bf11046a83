package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"foliodeploy/internal/content"
	"foliodeploy/internal/derrors"
)

// ErrEmptyRepository is returned by CommitFiles when the branch has no
// commits yet, so the git data API has nothing to build on.
var ErrEmptyRepository = errors.New("repository has no commits on the target branch")

const fileMode = "100644"

// CommitRequest describes one atomic multi-file commit.
type CommitRequest struct {
	Owner   string
	Name    string
	Branch  string
	Message string
	Files   []content.File
}

// CommitResult reports the commit the branch points to after a push.
type CommitResult struct {
	SHA string
	// Changed is false when the tree was already identical and no commit
	// was created.
	Changed bool
}

// CommitFiles writes every file as a single commit on top of the branch
// head, then fast-forwards the branch. A concurrent update of the branch
// makes the fast-forward fail with PUSH_CONFLICT and nothing is changed.
func (c *Client) CommitFiles(ctx context.Context, ts oauth2.TokenSource, req CommitRequest) (*CommitResult, error) {
	gh := c.gitHub(ctx, ts)
	owner, name := req.Owner, req.Name
	ref := "refs/heads/" + req.Branch

	head, resp, err := gh.Git.GetRef(ctx, owner, name, ref)
	if err != nil {
		// 409 "Git Repository is empty", or no such branch yet
		if s := statusOf(resp, err); s == http.StatusConflict || s == http.StatusNotFound {
			return nil, ErrEmptyRepository
		}
		return nil, classify(resp, err, owner, name)
	}
	parentSHA := head.GetObject().GetSHA()

	parent, resp, err := gh.Git.GetCommit(ctx, owner, name, parentSHA)
	if err != nil {
		return nil, classify(resp, err, owner, name)
	}
	baseTree := parent.GetTree().GetSHA()

	entries := make([]*github.TreeEntry, 0, len(req.Files))
	for _, f := range req.Files {
		blob, resp, err := gh.Git.CreateBlob(ctx, owner, name, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString(f.Content)),
			Encoding: github.String("base64"),
		})
		if err != nil {
			return nil, fmt.Errorf("blob %s: %w", f.Path, classify(resp, err, owner, name))
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String(fileMode),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	tree, resp, err := gh.Git.CreateTree(ctx, owner, name, baseTree, entries)
	if err != nil {
		return nil, classify(resp, err, owner, name)
	}
	if tree.GetSHA() == baseTree {
		return &CommitResult{SHA: parentSHA, Changed: false}, nil
	}

	commit, resp, err := gh.Git.CreateCommit(ctx, owner, name, &github.Commit{
		Message: github.String(req.Message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
	}, nil)
	if err != nil {
		return nil, classify(resp, err, owner, name)
	}

	_, resp, err = gh.Git.UpdateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String(ref),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return nil, classify(resp, err, owner, name)
	}

	c.logger.Debug("commit pushed",
		"owner", owner,
		"repository", name,
		"branch", req.Branch,
		"commit_sha", commit.GetSHA(),
		"files", len(req.Files))
	return &CommitResult{SHA: commit.GetSHA(), Changed: true}, nil
}

// PutFileRequest describes a single file write through the contents API.
type PutFileRequest struct {
	Owner   string
	Name    string
	Branch  string // empty selects the default branch
	Message string
	File    content.File
}

// PutFile creates or updates one file. It returns the resulting commit SHA,
// or "" when the file already had the requested content.
func (c *Client) PutFile(ctx context.Context, ts oauth2.TokenSource, req PutFileRequest) (string, error) {
	gh := c.gitHub(ctx, ts)
	owner, name := req.Owner, req.Name

	var getOpts *github.RepositoryContentGetOptions
	if req.Branch != "" {
		getOpts = &github.RepositoryContentGetOptions{Ref: req.Branch}
	}

	var existingSHA *string
	current, _, resp, err := gh.Repositories.GetContents(ctx, owner, name, req.File.Path, getOpts)
	switch {
	case err == nil && current != nil:
		if decoded, derr := current.GetContent(); derr == nil && bytes.Equal([]byte(decoded), req.File.Content) {
			return "", nil
		}
		existingSHA = current.SHA
	case err != nil && statusOf(resp, err) != http.StatusNotFound:
		return "", classify(resp, err, owner, name)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		Content: req.File.Content,
		SHA:     existingSHA,
	}
	if req.Branch != "" {
		opts.Branch = github.String(req.Branch)
	}

	var result *github.RepositoryContentResponse
	if existingSHA == nil {
		result, resp, err = gh.Repositories.CreateFile(ctx, owner, name, req.File.Path, opts)
	} else {
		result, resp, err = gh.Repositories.UpdateFile(ctx, owner, name, req.File.Path, opts)
	}
	if err != nil {
		return "", fmt.Errorf("file %s: %w", req.File.Path, classify(resp, err, owner, name))
	}
	return result.Commit.GetSHA(), nil
}

// PublishRequest identifies the branch to serve.
type PublishRequest struct {
	Owner  string
	Name   string
	Branch string
}

// EnablePublishing turns on static hosting for the branch root and returns
// the public URL. Enabling an already enabled site is not an error.
func (c *Client) EnablePublishing(ctx context.Context, ts oauth2.TokenSource, req PublishRequest) (string, error) {
	gh := c.gitHub(ctx, ts)
	owner, name := req.Owner, req.Name

	_, resp, err := gh.Repositories.EnablePages(ctx, owner, name, &github.Pages{
		Source: &github.PagesSource{
			Branch: github.String(req.Branch),
			Path:   github.String("/"),
		},
	})
	switch status := statusOf(resp, err); {
	case err == nil, status == http.StatusConflict:
	case status == http.StatusUnprocessableEntity:
		return "", derrors.PublishingNotPermitted(owner, name, err)
	default:
		return "", classify(resp, err, owner, name)
	}

	pages, _, err := gh.Repositories.GetPagesInfo(ctx, owner, name)
	if err == nil && pages.GetHTMLURL() != "" {
		return pages.GetHTMLURL(), nil
	}
	if err != nil {
		c.logger.Debug("pages info unavailable, using conventional url",
			"owner", owner,
			"repository", name,
			"error", err)
	}
	return PagesURL(owner, name), nil
}

// PagesURL returns the conventional public URL of a repository's site.
// A repository named after the owner's pages domain is served at the root.
func PagesURL(owner, name string) string {
	domain := fmt.Sprintf("%s.github.io", strings.ToLower(owner))
	if strings.ToLower(name) == domain {
		return fmt.Sprintf("https://%s/", domain)
	}
	return fmt.Sprintf("https://%s/%s/", domain, name)
}
