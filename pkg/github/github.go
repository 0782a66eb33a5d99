// Package github creates pull requests on the configuration
// repository via the GitHub REST API.
package github

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	gh "github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// PullRequest is the subset of the API response the workflow cares
// about.
type PullRequest struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
}

type Client struct {
	client *gh.Client
	org    string
	repo   string
	logger log.Logger
}

// NewClient instantiates a client from an OAuth token.
func NewClient(token, org, repo string, logger log.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &Client{
		client: gh.NewClient(tc),
		org:    org,
		repo:   repo,
		logger: logger,
	}
}

// CreatePullRequest opens a PR from head into base and attaches the
// given labels. A label failure does not fail the PR: the change is
// already up for review at that point, so it is only logged.
func (c *Client) CreatePullRequest(ctx context.Context, title, body, head, base string, labels []string) (*PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, c.org, c.repo, &gh.NewPullRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
		Head:  gh.String(head),
		Base:  gh.String(base),
		Draft: gh.Bool(false),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating pull request %s -> %s", head, base)
	}

	result := &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
	}
	c.logger.Log("msg", "pull request created", "number", result.Number, "url", result.URL)

	if len(labels) > 0 {
		if _, _, err := c.client.Issues.AddLabelsToIssue(ctx, c.org, c.repo, result.Number, labels); err != nil {
			c.logger.Log("warning", "failed to add labels to pull request",
				"number", result.Number, "labels", fmt.Sprintf("%v", labels), "err", err)
		}
	}
	return result, nil
}
