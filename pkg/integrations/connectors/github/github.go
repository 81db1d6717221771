// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package github implements the code-host connector. The credential is a
// personal access token or GitHub App installation token.
package github

import (
	"context"

	gh "github.com/google/go-github/v60/github"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
)

// Type is the integration type this connector serves.
const Type = "github"

// Factory returns the registry entry for GitHub integrations.
func Factory() integrations.Factory {
	return integrations.Factory{
		Type: Type,
		New:  build,
	}
}

// Connector wraps an authenticated GitHub API client.
type Connector struct {
	client *gh.Client
}

func build(_ context.Context, bc integrations.BuildContext) (integrations.Connector, error) {
	if bc.Credential == "" {
		return nil, errors.NewValidation("github integrations require a token credential")
	}
	client := gh.NewClient(nil).WithAuthToken(bc.Credential)

	if base := integrations.OptionalConfigString(bc.Config, "base_url", ""); base != "" {
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, errors.NewValidation("invalid github base_url: %v", err)
		}
	}
	return &Connector{client: client}, nil
}

// Test implements integrations.Connector by fetching the authenticated user.
func (c *Connector) Test(ctx context.Context) error {
	_, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return errors.NewConnector(err, "authenticating against github")
	}
	return nil
}

// Capabilities implements integrations.Connector.
func (c *Connector) Capabilities() []model.ConnectorCapability {
	return []model.ConnectorCapability{
		{
			Name:        "list-repos",
			Description: "list repositories for an organization",
			Params:      map[string]string{"org": "organization login"},
		},
		{
			Name:        "get-repo",
			Description: "fetch one repository",
			Params:      map[string]string{"owner": "repository owner", "repo": "repository name"},
		},
		{
			Name:        "create-issue",
			Description: "open an issue",
			Params: map[string]string{
				"owner": "repository owner",
				"repo":  "repository name",
				"title": "issue title",
				"body":  "optional issue body",
			},
		},
		{
			Name:        "list-issues",
			Description: "list issues in a repository",
			Params: map[string]string{
				"owner": "repository owner",
				"repo":  "repository name",
				"state": "optional filter: open, closed or all",
			},
		},
	}
}

// Execute implements integrations.Connector.
func (c *Connector) Execute(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "list-repos":
		return c.listRepos(ctx, params)
	case "get-repo":
		return c.getRepo(ctx, params)
	case "create-issue":
		return c.createIssue(ctx, params)
	case "list-issues":
		return c.listIssues(ctx, params)
	default:
		return nil, errors.NewValidation("operation %q is not supported by %s integrations", operation, Type)
	}
}

// Close implements integrations.Connector.
func (c *Connector) Close() error { return nil }

func repoSummary(r *gh.Repository) map[string]interface{} {
	return map[string]interface{}{
		"name":      r.GetName(),
		"full_name": r.GetFullName(),
		"private":   r.GetPrivate(),
		"url":       r.GetHTMLURL(),
		"stars":     r.GetStargazersCount(),
	}
}

func issueSummary(i *gh.Issue) map[string]interface{} {
	return map[string]interface{}{
		"number": i.GetNumber(),
		"title":  i.GetTitle(),
		"state":  i.GetState(),
		"url":    i.GetHTMLURL(),
	}
}

func (c *Connector) listRepos(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	org, err := integrations.StringParam(params, "org")
	if err != nil {
		return nil, err
	}
	repos, _, err := c.client.Repositories.ListByOrg(ctx, org, &gh.RepositoryListByOrgOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, errors.NewConnector(err, "listing repositories for %s", org)
	}
	out := make([]map[string]interface{}, 0, len(repos))
	for _, r := range repos {
		out = append(out, repoSummary(r))
	}
	return map[string]interface{}{"repos": out, "count": len(out)}, nil
}

func (c *Connector) getRepo(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	owner, err := integrations.StringParam(params, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := integrations.StringParam(params, "repo")
	if err != nil {
		return nil, err
	}
	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, errors.NewConnector(err, "fetching %s/%s", owner, repo)
	}
	return repoSummary(r), nil
}

func (c *Connector) createIssue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	owner, err := integrations.StringParam(params, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := integrations.StringParam(params, "repo")
	if err != nil {
		return nil, err
	}
	title, err := integrations.StringParam(params, "title")
	if err != nil {
		return nil, err
	}
	body, err := integrations.OptionalStringParam(params, "body", "")
	if err != nil {
		return nil, err
	}

	issue, _, err := c.client.Issues.Create(ctx, owner, repo, &gh.IssueRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
	})
	if err != nil {
		return nil, errors.NewConnector(err, "creating issue in %s/%s", owner, repo)
	}
	return issueSummary(issue), nil
}

func (c *Connector) listIssues(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	owner, err := integrations.StringParam(params, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := integrations.StringParam(params, "repo")
	if err != nil {
		return nil, err
	}
	state, err := integrations.OptionalStringParam(params, "state", "open")
	if err != nil {
		return nil, err
	}

	issues, _, err := c.client.Issues.ListByRepo(ctx, owner, repo, &gh.IssueListByRepoOptions{
		State:       state,
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, errors.NewConnector(err, "listing issues in %s/%s", owner, repo)
	}
	out := make([]map[string]interface{}, 0, len(issues))
	for _, i := range issues {
		out = append(out, issueSummary(i))
	}
	return map[string]interface{}{"issues": out, "count": len(out)}, nil
}
