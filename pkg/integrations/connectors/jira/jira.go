// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package jira implements the issue-tracker connector against the Jira REST
// API (v2). Authentication is basic auth with the configured account email
// and an API token credential.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
)

// Type is the integration type this connector serves.
const Type = "jira"

// Factory returns the registry entry for Jira integrations.
func Factory() integrations.Factory {
	return integrations.Factory{
		Type:           Type,
		RequiredConfig: []string{"base_url", "email"},
		New:            build,
	}
}

// Connector speaks to one Jira site.
type Connector struct {
	baseURL string
	email   string
	token   string
	client  *http.Client
}

func build(_ context.Context, bc integrations.BuildContext) (integrations.Connector, error) {
	baseURL, err := integrations.ConfigString(bc.Config, "base_url")
	if err != nil {
		return nil, err
	}
	email, err := integrations.ConfigString(bc.Config, "email")
	if err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.NewValidation("invalid jira base_url %q", baseURL)
	}
	if bc.Credential == "" {
		return nil, errors.NewValidation("jira integrations require an API token credential")
	}
	return &Connector{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		token:   bc.Credential,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Test implements integrations.Connector by fetching the authenticated
// account.
func (c *Connector) Test(ctx context.Context) error {
	var out map[string]interface{}
	return c.do(ctx, http.MethodGet, "/rest/api/2/myself", nil, &out)
}

// Capabilities implements integrations.Connector.
func (c *Connector) Capabilities() []model.ConnectorCapability {
	return []model.ConnectorCapability{
		{
			Name:        "create-issue",
			Description: "create an issue in a project",
			Params: map[string]string{
				"project":     "project key",
				"summary":     "issue summary",
				"description": "optional description",
				"issue_type":  "optional type name, default Task",
			},
		},
		{
			Name:        "get-issue",
			Description: "fetch one issue",
			Params:      map[string]string{"key": "issue key, e.g. OPS-42"},
		},
		{
			Name:        "search",
			Description: "run a JQL search",
			Params:      map[string]string{"jql": "JQL query", "max": "optional result cap, default 20"},
		},
		{
			Name:        "add-comment",
			Description: "comment on an issue",
			Params:      map[string]string{"key": "issue key", "body": "comment body"},
		},
	}
}

// Execute implements integrations.Connector.
func (c *Connector) Execute(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "create-issue":
		return c.createIssue(ctx, params)
	case "get-issue":
		return c.getIssue(ctx, params)
	case "search":
		return c.search(ctx, params)
	case "add-comment":
		return c.addComment(ctx, params)
	default:
		return nil, errors.NewValidation("operation %q is not supported by %s integrations", operation, Type)
	}
}

// Close implements integrations.Connector.
func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Connector) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.NewConnector(err, "building jira request")
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewConnector(err, "calling jira %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.NewConnector(
			fmt.Errorf("jira returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			"calling jira %s %s", method, path)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewConnector(err, "decoding jira response")
	}
	return nil
}

func (c *Connector) createIssue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	project, err := integrations.StringParam(params, "project")
	if err != nil {
		return nil, err
	}
	summary, err := integrations.StringParam(params, "summary")
	if err != nil {
		return nil, err
	}
	description, err := integrations.OptionalStringParam(params, "description", "")
	if err != nil {
		return nil, err
	}
	issueType, err := integrations.OptionalStringParam(params, "issue_type", "Task")
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"fields": map[string]interface{}{
			"project":     map[string]string{"key": project},
			"summary":     summary,
			"description": description,
			"issuetype":   map[string]string{"name": issueType},
		},
	}
	var out struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Self string `json:"self"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", body, &out); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": out.ID, "key": out.Key, "url": out.Self}, nil
}

func (c *Connector) getIssue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := integrations.StringParam(params, "key")
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Connector) search(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	jql, err := integrations.StringParam(params, "jql")
	if err != nil {
		return nil, err
	}
	max, err := integrations.IntParam(params, "max", 20)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{"jql": jql, "maxResults": max}
	var out struct {
		Total  int                      `json:"total"`
		Issues []map[string]interface{} `json:"issues"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/search", body, &out); err != nil {
		return nil, err
	}
	return map[string]interface{}{"total": out.Total, "issues": out.Issues}, nil
}

func (c *Connector) addComment(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := integrations.StringParam(params, "key")
	if err != nil {
		return nil, err
	}
	text, err := integrations.StringParam(params, "body")
	if err != nil {
		return nil, err
	}
	var out struct {
		ID string `json:"id"`
	}
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "/comment"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": text}, &out); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": out.ID}, nil
}
