// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
)

const reportTemplateCols = `id, owner_id, name, title, queries, params, created_at, updated_at`

type reportTemplateRow struct {
	ID        string    `db:"id"`
	OwnerID   string    `db:"owner_id"`
	Name      string    `db:"name"`
	Title     string    `db:"title"`
	Queries   []byte    `db:"queries"`
	Params    []byte    `db:"params"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *reportTemplateRow) toModel() (*model.ReportTemplate, error) {
	tpl := &model.ReportTemplate{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Name:      r.Name,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Queries) > 0 {
		if err := json.Unmarshal(r.Queries, &tpl.Queries); err != nil {
			return nil, fmt.Errorf("decoding queries of report template %s: %w", r.ID, err)
		}
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &tpl.Params); err != nil {
			return nil, fmt.Errorf("decoding params of report template %s: %w", r.ID, err)
		}
	}
	return tpl, nil
}

type reportTemplateStore struct {
	db *sqlx.DB
}

func (s *reportTemplateStore) Save(ctx context.Context, tpl *model.ReportTemplate) error {
	queries, err := encodeList(tpl.Queries)
	if err != nil {
		return err
	}
	params, err := encodeMap(tpl.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_templates (`+reportTemplateCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tpl.ID, tpl.OwnerID, tpl.Name, tpl.Title, queries, params, tpl.CreatedAt, tpl.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("report template name %q is already in use", tpl.Name)
	}
	return err
}

func (s *reportTemplateStore) Update(ctx context.Context, tpl *model.ReportTemplate) error {
	queries, err := encodeList(tpl.Queries)
	if err != nil {
		return err
	}
	params, err := encodeMap(tpl.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_templates
		SET name = $2, title = $3, queries = $4, params = $5, updated_at = $6
		WHERE id = $1`,
		tpl.ID, tpl.Name, tpl.Title, queries, params, tpl.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("report template name %q is already in use", tpl.Name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("report template", tpl.ID)
	}
	return nil
}

func (s *reportTemplateStore) FindByID(ctx context.Context, id string) (*model.ReportTemplate, error) {
	var row reportTemplateRow
	err := s.db.GetContext(ctx, &row, `SELECT `+reportTemplateCols+` FROM report_templates WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("report template", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *reportTemplateStore) FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.ReportTemplate, error) {
	var row reportTemplateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+reportTemplateCols+` FROM report_templates WHERE owner_id = $1 AND name = $2`, ownerID, name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("report template", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *reportTemplateStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.ReportTemplate, error) {
	opts = opts.Normalize()
	var rows []reportTemplateRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reportTemplateCols+` FROM report_templates
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ReportTemplate, 0, len(rows))
	for i := range rows {
		tpl, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

func (s *reportTemplateStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM report_templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("report template", id)
	}
	return nil
}

const reportCols = `id, owner_id, name, template_id, schedule, timezone, format, params, recipients, enabled, next_run_at, last_run_at, created_at, updated_at`

type reportRow struct {
	ID         string       `db:"id"`
	OwnerID    string       `db:"owner_id"`
	Name       string       `db:"name"`
	TemplateID string       `db:"template_id"`
	Schedule   string       `db:"schedule"`
	Timezone   string       `db:"timezone"`
	Format     string       `db:"format"`
	Params     []byte       `db:"params"`
	Recipients []byte       `db:"recipients"`
	Enabled    bool         `db:"enabled"`
	NextRunAt  sql.NullTime `db:"next_run_at"`
	LastRunAt  sql.NullTime `db:"last_run_at"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

func (r *reportRow) toModel() (*model.Report, error) {
	rep := &model.Report{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Name:       r.Name,
		TemplateID: r.TemplateID,
		Schedule:   r.Schedule,
		Timezone:   r.Timezone,
		Format:     model.ReportFormat(r.Format),
		Enabled:    r.Enabled,
		NextRunAt:  fromNullTime(r.NextRunAt),
		LastRunAt:  fromNullTime(r.LastRunAt),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &rep.Params); err != nil {
			return nil, fmt.Errorf("decoding params of report %s: %w", r.ID, err)
		}
	}
	if len(r.Recipients) > 0 {
		if err := json.Unmarshal(r.Recipients, &rep.Recipients); err != nil {
			return nil, fmt.Errorf("decoding recipients of report %s: %w", r.ID, err)
		}
	}
	return rep, nil
}

type reportStore struct {
	db *sqlx.DB
}

func (s *reportStore) Save(ctx context.Context, r *model.Report) error {
	params, err := encodeMap(r.Params)
	if err != nil {
		return err
	}
	recipients, err := encodeList(r.Recipients)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (`+reportCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.OwnerID, r.Name, r.TemplateID, r.Schedule, r.Timezone, r.Format,
		params, recipients, r.Enabled, nullTime(r.NextRunAt), nullTime(r.LastRunAt),
		r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("report name %q is already in use", r.Name)
	}
	return err
}

func (s *reportStore) Update(ctx context.Context, r *model.Report) error {
	params, err := encodeMap(r.Params)
	if err != nil {
		return err
	}
	recipients, err := encodeList(r.Recipients)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET name = $2, template_id = $3, schedule = $4, timezone = $5, format = $6,
		    params = $7, recipients = $8, enabled = $9, next_run_at = $10,
		    last_run_at = $11, updated_at = $12
		WHERE id = $1`,
		r.ID, r.Name, r.TemplateID, r.Schedule, r.Timezone, r.Format,
		params, recipients, r.Enabled, nullTime(r.NextRunAt), nullTime(r.LastRunAt), r.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("report name %q is already in use", r.Name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("report", r.ID)
	}
	return nil
}

func (s *reportStore) FindByID(ctx context.Context, id string) (*model.Report, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row, `SELECT `+reportCols+` FROM reports WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("report", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *reportStore) FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Report, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+reportCols+` FROM reports WHERE owner_id = $1 AND name = $2`, ownerID, name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("report", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *reportStore) list(ctx context.Context, query string, args ...interface{}) ([]*model.Report, error) {
	var rows []reportRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Report, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *reportStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Report, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+reportCols+` FROM reports
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
}

func (s *reportStore) ListEnabled(ctx context.Context) ([]*model.Report, error) {
	return s.list(ctx, `SELECT `+reportCols+` FROM reports WHERE enabled ORDER BY created_at DESC`)
}

func (s *reportStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("report", id)
	}
	return nil
}

const executionCols = `id, report_id, owner_id, trigger, status, scheduled_for, started_at, finished_at, artifact_path, artifact_bytes, error`

type executionRow struct {
	ID            string       `db:"id"`
	ReportID      string       `db:"report_id"`
	OwnerID       string       `db:"owner_id"`
	Trigger       string       `db:"trigger"`
	Status        string       `db:"status"`
	ScheduledFor  sql.NullTime `db:"scheduled_for"`
	StartedAt     time.Time    `db:"started_at"`
	FinishedAt    sql.NullTime `db:"finished_at"`
	ArtifactPath  string       `db:"artifact_path"`
	ArtifactBytes int64        `db:"artifact_bytes"`
	Error         string       `db:"error"`
}

func (r *executionRow) toModel() *model.ReportExecution {
	return &model.ReportExecution{
		ID:            r.ID,
		ReportID:      r.ReportID,
		OwnerID:       r.OwnerID,
		Trigger:       model.ExecutionTrigger(r.Trigger),
		Status:        model.ExecutionStatus(r.Status),
		ScheduledFor:  fromNullTime(r.ScheduledFor),
		StartedAt:     r.StartedAt,
		FinishedAt:    fromNullTime(r.FinishedAt),
		ArtifactPath:  r.ArtifactPath,
		ArtifactBytes: r.ArtifactBytes,
		Error:         r.Error,
	}
}

type executionStore struct {
	db *sqlx.DB
}

func (s *executionStore) Save(ctx context.Context, ex *model.ReportExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_executions (`+executionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ex.ID, ex.ReportID, ex.OwnerID, ex.Trigger, ex.Status, nullTime(ex.ScheduledFor),
		ex.StartedAt, nullTime(ex.FinishedAt), ex.ArtifactPath, ex.ArtifactBytes, ex.Error)
	if isUniqueViolation(err) {
		return errors.NewConflict("execution %s already exists", ex.ID)
	}
	return err
}

func (s *executionStore) Update(ctx context.Context, ex *model.ReportExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_executions
		SET status = $2, finished_at = $3, artifact_path = $4, artifact_bytes = $5, error = $6
		WHERE id = $1 AND status = 'running'`,
		ex.ID, ex.Status, nullTime(ex.FinishedAt), ex.ArtifactPath, ex.ArtifactBytes, ex.Error)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM report_executions WHERE id = $1`, ex.ID)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFound("execution", ex.ID)
		}
		if err != nil {
			return err
		}
		return errors.NewConflict("execution %s is %s and cannot change", ex.ID, status)
	}
	return nil
}

func (s *executionStore) FindByID(ctx context.Context, id string) (*model.ReportExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+executionCols+` FROM report_executions WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *executionStore) list(ctx context.Context, query string, args ...interface{}) ([]*model.ReportExecution, error) {
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.ReportExecution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *executionStore) ListByReport(ctx context.Context, reportID string, opts store.ListOptions) ([]*model.ReportExecution, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+executionCols+` FROM report_executions
		WHERE report_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`, reportID, opts.Limit, opts.Offset)
}

func (s *executionStore) ListRunning(ctx context.Context) ([]*model.ReportExecution, error) {
	return s.list(ctx, `
		SELECT `+executionCols+` FROM report_executions
		WHERE status = 'running'
		ORDER BY started_at DESC`)
}

func (s *executionStore) FindByTimeRange(ctx context.Context, from, to time.Time, opts store.ListOptions) ([]*model.ReportExecution, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+executionCols+` FROM report_executions
		WHERE started_at >= $1 AND started_at < $2
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`, from, to, opts.Limit, opts.Offset)
}

func (s *executionStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM report_executions
		WHERE status <> 'running' AND finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
