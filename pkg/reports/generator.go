// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/store"
)

// DataSource resolves report queries into rows. The hub binds a source that
// answers queries over the platform's own stores; tests bind fakes.
type DataSource interface {
	Query(ctx context.Context, ownerID, query string, params map[string]string) ([]map[string]interface{}, error)
}

// document is a generated report before encoding.
type document struct {
	Title       string    `json:"title"`
	ReportID    string    `json:"report_id"`
	ExecutionID string    `json:"execution_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Sections    []section `json:"sections"`
}

// section holds the rows one template query produced.
type section struct {
	Name string                   `json:"name"`
	Rows []map[string]interface{} `json:"rows"`
}

// artifact locates a rendered report on disk.
type artifact struct {
	Path  string
	Bytes int64
}

type generator struct {
	cfg       config.Reports
	templates store.ReportTemplateStore
	source    DataSource
}

func newGenerator(cfg config.Reports, templates store.ReportTemplateStore, source DataSource) *generator {
	return &generator{cfg: cfg, templates: templates, source: source}
}

// Generate runs the report's template queries against the data source and
// writes the encoded artifact. Template params are defaults, report params
// override them, and the merged set binds {{name}} placeholders in the
// title and in every query string.
func (g *generator) Generate(ctx context.Context, r *model.Report, ex *model.ReportExecution) (*artifact, error) {
	tpl, err := g.templates.FindByID(ctx, r.TemplateID)
	if err != nil {
		return nil, err
	}
	if g.source == nil {
		return nil, fmt.Errorf("no data source is bound")
	}
	params := mergeParams(tpl.Params, r.Params)

	doc := &document{
		Title:       notify.Render(tpl.Title, params),
		ReportID:    r.ID,
		ExecutionID: ex.ID,
		GeneratedAt: timeNow().UTC(),
		Sections:    make([]section, 0, len(tpl.Queries)),
	}
	for _, q := range tpl.Queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := g.source.Query(ctx, r.OwnerID, notify.Render(q.Query, params), params)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", q.Name, err)
		}
		doc.Sections = append(doc.Sections, section{Name: q.Name, Rows: rows})
	}

	data, err := renderDocument(doc, r.Format)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(g.cfg.ArtifactDir, fmt.Sprintf("%s-%s.%s", r.ID, ex.ID, r.Format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	return &artifact{Path: path, Bytes: int64(len(data))}, nil
}

func mergeParams(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func renderDocument(doc *document, format model.ReportFormat) ([]byte, error) {
	switch format {
	case model.ReportJSON:
		return renderJSON(doc)
	case model.ReportCSV:
		return renderCSV(doc)
	case model.ReportHTML:
		return renderHTML(doc)
	default:
		return nil, errors.NewValidation("unknown report format %q", format)
	}
}

func renderJSON(doc *document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return append(data, '\n'), nil
}

// renderCSV writes one block per section: a comment line with the section
// name, a header of the section's columns sorted by name, then the rows.
// Blocks are separated by a blank line.
func renderCSV(doc *document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for i, sec := range doc.Sections {
		if i > 0 {
			w.Flush()
			buf.WriteByte('\n')
		}
		if err := w.Write([]string{"# " + sec.Name}); err != nil {
			return nil, err
		}
		cols := sectionColumns(sec)
		if len(cols) == 0 {
			continue
		}
		if err := w.Write(cols); err != nil {
			return nil, err
		}
		for _, row := range sec.Rows {
			record := make([]string, len(cols))
			for j, c := range cols {
				record[j] = formatCell(row[c])
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return buf.Bytes(), nil
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"cell":    formatCell,
	"columns": sectionColumns,
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Generated at {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
{{- range .Sections}}
<h2>{{.Name}}</h2>
<table>
{{- $cols := columns .}}
<tr>{{range $cols}}<th>{{.}}</th>{{end}}</tr>
{{- range $row := .Rows}}
<tr>{{range $cols}}<td>{{cell (index $row .)}}</td>{{end}}</tr>
{{- end}}
</table>
{{- end}}
</body>
</html>
`))

func renderHTML(doc *document) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return buf.Bytes(), nil
}

// sectionColumns is the sorted union of the keys in a section's rows.
func sectionColumns(sec section) []string {
	seen := make(map[string]struct{})
	for _, row := range sec.Rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// formatCell renders one row value for CSV and HTML output. Numbers use
// the shortest decimal form.
func formatCell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
