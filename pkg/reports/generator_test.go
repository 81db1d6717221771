// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/store/memory"
)

// sourceFunc adapts a function to the DataSource interface.
type sourceFunc func(ctx context.Context, ownerID, query string, params map[string]string) ([]map[string]interface{}, error)

func (f sourceFunc) Query(ctx context.Context, ownerID, query string, params map[string]string) ([]map[string]interface{}, error) {
	return f(ctx, ownerID, query, params)
}

// recordingSource replays canned rows keyed by section name and remembers
// the rendered query strings it was asked for.
type recordingSource struct {
	mu      sync.Mutex
	rows    map[string][]map[string]interface{}
	queries []string
	owners  []string
}

func (s *recordingSource) Query(_ context.Context, ownerID, query string, _ map[string]string) ([]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	s.owners = append(s.owners, ownerID)
	for name, rows := range s.rows {
		if len(query) >= len(name) && query[:len(name)] == name {
			return rows, nil
		}
	}
	return nil, nil
}

func (s *recordingSource) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func testReportsConfig(dir string) config.Reports {
	return config.Reports{
		TickInterval:     config.Duration(time.Hour),
		MaxConcurrent:    2,
		ExecutionTimeout: config.Duration(time.Minute),
		ArtifactDir:      dir,
		ShutdownGrace:    config.Duration(5 * time.Second),
	}
}

func seedTemplate(t *testing.T, stores *store.Stores, owner string) *model.ReportTemplate {
	t.Helper()
	now := time.Now().UTC()
	tpl := &model.ReportTemplate{
		ID:      uuid.NewString(),
		OwnerID: owner,
		Name:    "daily-activity",
		Title:   "Activity for {{team}}",
		Queries: []model.ReportQuery{
			{Name: "events", Query: "events team={{team}} since={{since}}"},
			{Name: "deliveries", Query: "deliveries since={{since}}"},
		},
		Params:    map[string]string{"team": "core", "since": "24h"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, stores.ReportTemplates.Save(context.Background(), tpl))
	return tpl
}

func seedReport(t *testing.T, stores *store.Stores, tpl *model.ReportTemplate, format model.ReportFormat) *model.Report {
	t.Helper()
	now := time.Now().UTC()
	r := &model.Report{
		ID:         uuid.NewString(),
		OwnerID:    tpl.OwnerID,
		Name:       "daily",
		TemplateID: tpl.ID,
		Schedule:   "0 8 * * *",
		Timezone:   "UTC",
		Format:     format,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, stores.Reports.Save(context.Background(), r))
	return r
}

func newExecution(r *model.Report) *model.ReportExecution {
	return &model.ReportExecution{
		ID:        uuid.NewString(),
		ReportID:  r.ID,
		OwnerID:   r.OwnerID,
		Trigger:   model.TriggerScheduled,
		Status:    model.ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
}

func TestGenerateBindsParams(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportJSON)
	// Report params override the template defaults.
	r.Params = map[string]string{"team": "platform"}

	src := &recordingSource{}
	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, src)

	art, err := gen.Generate(context.Background(), r, newExecution(r))
	require.NoError(t, err)
	require.NotNil(t, art)

	assert.Equal(t, []string{
		"events team=platform since=24h",
		"deliveries since=24h",
	}, src.seen())
	assert.Equal(t, []string{"owner-1", "owner-1"}, src.owners)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Activity for platform", doc.Title)
}

func TestGenerateJSONArtifact(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportJSON)
	ex := newExecution(r)

	src := &recordingSource{rows: map[string][]map[string]interface{}{
		"events":     {{"name": "deploy", "count": 3}},
		"deliveries": {{"status": "ok"}},
	}}
	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, src)

	art, err := gen.Generate(context.Background(), r, ex)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s-%s.json", r.ID, ex.ID), filepath.Base(art.Path))

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), art.Bytes)

	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, r.ID, doc.ReportID)
	assert.Equal(t, ex.ID, doc.ExecutionID)
	require.Len(t, doc.Sections, 2)
	assert.Equal(t, "events", doc.Sections[0].Name)
	require.Len(t, doc.Sections[0].Rows, 1)
	assert.Equal(t, "deploy", doc.Sections[0].Rows[0]["name"])
	assert.EqualValues(t, 3, doc.Sections[0].Rows[0]["count"])
	assert.Equal(t, "deliveries", doc.Sections[1].Name)
}

func TestGenerateCSVArtifact(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	tpl.Queries = append(tpl.Queries, model.ReportQuery{Name: "empty", Query: "empty"})
	require.NoError(t, stores.ReportTemplates.Update(context.Background(), tpl))
	r := seedReport(t, stores, tpl, model.ReportCSV)

	src := &recordingSource{rows: map[string][]map[string]interface{}{
		"events": {
			{"name": "deploy", "count": 3},
			{"name": "alert", "count": 1, "extra": true},
		},
		"deliveries": {{"status": "ok"}},
	}}
	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, src)

	art, err := gen.Generate(context.Background(), r, newExecution(r))
	require.NoError(t, err)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)

	// Columns are the sorted union of the section's row keys; missing cells
	// render empty; sections are separated by a blank record.
	want := "# events\n" +
		"count,extra,name\n" +
		"3,,deploy\n" +
		"1,true,alert\n" +
		"\n" +
		"# deliveries\n" +
		"status\n" +
		"ok\n" +
		"\n" +
		"# empty\n"
	assert.Equal(t, want, string(data))
}

func TestGenerateHTMLEscapes(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportHTML)
	r.Params = map[string]string{"team": "<b>core</b>"}

	src := &recordingSource{rows: map[string][]map[string]interface{}{
		"events": {{"payload": "<script>alert(1)</script>"}},
	}}
	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, src)

	art, err := gen.Generate(context.Background(), r, newExecution(r))
	require.NoError(t, err)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	html := string(data)

	assert.Contains(t, html, "<h2>events</h2>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "Activity for &lt;b&gt;core&lt;/b&gt;")
}

func TestGenerateQueryFailure(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportJSON)

	dir := t.TempDir()
	src := sourceFunc(func(_ context.Context, _, query string, _ map[string]string) ([]map[string]interface{}, error) {
		if query == "deliveries since=24h" {
			return nil, fmt.Errorf("backend unavailable")
		}
		return nil, nil
	})
	gen := newGenerator(testReportsConfig(dir), stores.ReportTemplates, src)

	_, err := gen.Generate(context.Background(), r, newExecution(r))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `query "deliveries"`)
	assert.Contains(t, err.Error(), "backend unavailable")

	// A failed run leaves no artifact behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerateUnknownFormat(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportFormat("yaml"))

	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, &recordingSource{})
	_, err := gen.Generate(context.Background(), r, newExecution(r))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestGenerateMissingTemplate(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportJSON)
	r.TemplateID = uuid.NewString()

	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, &recordingSource{})
	_, err := gen.Generate(context.Background(), r, newExecution(r))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestGenerateWithoutSource(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportJSON)

	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, nil)
	_, err := gen.Generate(context.Background(), r, newExecution(r))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data source")
}

func TestGenerateHonorsCancellation(t *testing.T) {
	stores := memory.New()
	tpl := seedTemplate(t, stores, "owner-1")
	r := seedReport(t, stores, tpl, model.ReportJSON)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := newGenerator(testReportsConfig(t.TempDir()), stores.ReportTemplates, &recordingSource{})
	_, err := gen.Generate(ctx, r, newExecution(r))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFormatCell(t *testing.T) {
	at := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{true, "true"},
		{42, "42"},
		{int64(-9), "-9"},
		{3.5, "3.5"},
		{float64(1000000), "1e+06"},
		{at, "2025-06-01T08:30:00Z"},
		{[]string{"a", "b"}, `["a","b"]`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatCell(tc.in), "formatCell(%v)", tc.in)
	}
}
