// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/integrations"
)

func newTestConnector(t *testing.T, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := build(context.Background(), integrations.BuildContext{
		Config:     map[string]interface{}{"base_url": srv.URL, "email": "ops@eden.dev"},
		Credential: "token-123",
	})
	require.NoError(t, err)
	return conn.(*Connector)
}

func TestBuildValidation(t *testing.T) {
	_, err := build(context.Background(), integrations.BuildContext{
		Config:     map[string]interface{}{"base_url": "::not-a-url", "email": "a@b"},
		Credential: "t",
	})
	assert.True(t, errors.IsValidation(err))

	_, err = build(context.Background(), integrations.BuildContext{
		Config: map[string]interface{}{"base_url": "https://jira.example.com", "email": "a@b"},
	})
	assert.True(t, errors.IsValidation(err), "missing credential must be rejected")
}

func TestTestSendsBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/myself", r.URL.Path)
		gotUser, gotPass, _ = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]string{"accountId": "abc"})
	}))

	require.NoError(t, conn.Test(context.Background()))
	assert.Equal(t, "ops@eden.dev", gotUser)
	assert.Equal(t, "token-123", gotPass)
}

func TestCreateIssue(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rest/api/2/issue", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fields := body["fields"].(map[string]interface{})
		assert.Equal(t, "incident in us-east-1", fields["summary"])
		assert.Equal(t, map[string]interface{}{"key": "OPS"}, fields["project"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "10001", "key": "OPS-42"})
	}))

	result, err := conn.Execute(context.Background(), "create-issue", map[string]interface{}{
		"project": "OPS",
		"summary": "incident in us-east-1",
	})
	require.NoError(t, err)
	out := result.(map[string]interface{})
	assert.Equal(t, "OPS-42", out["key"])
}

func TestNon2xxBecomesConnectorError(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorMessages":["field required"]}`, http.StatusBadRequest)
	}))

	_, err := conn.Execute(context.Background(), "get-issue", map[string]interface{}{"key": "OPS-1"})
	require.Error(t, err)
	assert.True(t, errors.IsConnector(err))
	assert.Contains(t, err.Error(), "400")
}

func TestUnsupportedOperation(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := conn.Execute(context.Background(), "delete-project", nil)
	assert.True(t, errors.IsValidation(err))
}

func TestMissingParam(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := conn.Execute(context.Background(), "create-issue", map[string]interface{}{"project": "OPS"})
	assert.True(t, errors.IsValidation(err))
}
