package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// APIClient opens change requests through the GitHub REST API. Pushes
// still go through git, which owns the local credentials.
type APIClient struct {
	remote
	api   *gh.Client
	owner string
	repo  string
}

// NewAPIClient creates a REST-backed host for "owner/name".
func NewAPIClient(ctx context.Context, repository, token string, git GitRunner) (*APIClient, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set; set GITHUB_TOKEN or host.token")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return NewAPIClientWith(gh.NewClient(oauth2.NewClient(ctx, ts)), repository, git)
}

// NewAPIClientWith wraps an existing go-github client.
func NewAPIClientWith(api *gh.Client, repository string, git GitRunner) (*APIClient, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid repository %q: want owner/name", repository)
	}
	return &APIClient{remote: remote{git: git}, api: api, owner: owner, repo: repo}, nil
}

// CreatePR opens a pull request, reusing an open one for the same branch.
// An empty body is filled with the head commit message, like gh --fill.
func (c *APIClient) CreatePR(ctx context.Context, opts PRCreateOpts) (*PRCreateResult, error) {
	existing, _, err := c.api.PullRequests.List(ctx, c.owner, c.repo, &gh.PullRequestListOptions{
		State: "open",
		Head:  c.owner + ":" + opts.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(existing) > 0 {
		return &PRCreateResult{URL: existing[0].GetHTMLURL(), Existing: true}, nil
	}

	base := opts.Base
	if base == "" {
		repo, _, err := c.api.Repositories.Get(ctx, c.owner, c.repo)
		if err != nil {
			return nil, fmt.Errorf("get repository: %w", err)
		}
		base = repo.GetDefaultBranch()
	}

	body := opts.Body
	if strings.TrimSpace(body) == "" {
		body = c.commitBody(ctx, opts.Branch)
	}

	pr, _, err := c.api.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.String(opts.Title),
		Head:  gh.String(opts.Branch),
		Base:  gh.String(base),
		Body:  gh.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &PRCreateResult{URL: pr.GetHTMLURL()}, nil
}

// DeleteRemoteBranch deletes the branch ref through the API. A ref that is
// already gone is not an error.
func (c *APIClient) DeleteRemoteBranch(ctx context.Context, _, _, branch string) error {
	resp, err := c.api.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+branch)
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return nil
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete remote branch: %w", err)
	}
	return nil
}

// commitBody returns the message body of the branch head, or "".
func (c *APIClient) commitBody(ctx context.Context, branch string) string {
	commit, _, err := c.api.Repositories.GetCommit(ctx, c.owner, c.repo, branch, nil)
	if err != nil || commit.GetCommit() == nil {
		return ""
	}
	_, body, _ := strings.Cut(commit.GetCommit().GetMessage(), "\n")
	return strings.TrimSpace(body)
}
