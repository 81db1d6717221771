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

const notificationTemplateCols = `id, owner_id, name, channel, subject, body, required_params, created_at, updated_at`

type notificationTemplateRow struct {
	ID             string    `db:"id"`
	OwnerID        string    `db:"owner_id"`
	Name           string    `db:"name"`
	Channel        string    `db:"channel"`
	Subject        string    `db:"subject"`
	Body           string    `db:"body"`
	RequiredParams []byte    `db:"required_params"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *notificationTemplateRow) toModel() (*model.NotificationTemplate, error) {
	tpl := &model.NotificationTemplate{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Name:      r.Name,
		Channel:   model.NotificationChannel(r.Channel),
		Subject:   r.Subject,
		Body:      r.Body,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.RequiredParams) > 0 {
		if err := json.Unmarshal(r.RequiredParams, &tpl.RequiredParams); err != nil {
			return nil, fmt.Errorf("decoding required params of template %s: %w", r.ID, err)
		}
	}
	return tpl, nil
}

type notificationTemplateStore struct {
	db *sqlx.DB
}

func (s *notificationTemplateStore) Save(ctx context.Context, tpl *model.NotificationTemplate) error {
	params, err := encodeList(tpl.RequiredParams)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_templates (`+notificationTemplateCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tpl.ID, tpl.OwnerID, tpl.Name, tpl.Channel, tpl.Subject, tpl.Body, params, tpl.CreatedAt, tpl.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("template name %q is already in use", tpl.Name)
	}
	return err
}

func (s *notificationTemplateStore) Update(ctx context.Context, tpl *model.NotificationTemplate) error {
	params, err := encodeList(tpl.RequiredParams)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_templates
		SET name = $2, channel = $3, subject = $4, body = $5, required_params = $6, updated_at = $7
		WHERE id = $1`,
		tpl.ID, tpl.Name, tpl.Channel, tpl.Subject, tpl.Body, params, tpl.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("template name %q is already in use", tpl.Name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("template", tpl.ID)
	}
	return nil
}

func (s *notificationTemplateStore) FindByID(ctx context.Context, id string) (*model.NotificationTemplate, error) {
	var row notificationTemplateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+notificationTemplateCols+` FROM notification_templates WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *notificationTemplateStore) FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.NotificationTemplate, error) {
	var row notificationTemplateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+notificationTemplateCols+` FROM notification_templates
		WHERE owner_id = $1 AND name = $2`, ownerID, name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("template", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *notificationTemplateStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.NotificationTemplate, error) {
	opts = opts.Normalize()
	var rows []notificationTemplateRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+notificationTemplateCols+` FROM notification_templates
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]*model.NotificationTemplate, 0, len(rows))
	for i := range rows {
		tpl, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

func (s *notificationTemplateStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("template", id)
	}
	return nil
}

const notificationCols = `id, owner_id, template_id, channel, recipients, params, subject, body, priority, status, results, metadata, scheduled_at, created_at, updated_at`

type notificationRow struct {
	ID          string    `db:"id"`
	OwnerID     string    `db:"owner_id"`
	TemplateID  string    `db:"template_id"`
	Channel     string    `db:"channel"`
	Recipients  []byte    `db:"recipients"`
	Params      []byte    `db:"params"`
	Subject     string    `db:"subject"`
	Body        string    `db:"body"`
	Priority    string    `db:"priority"`
	Status      string    `db:"status"`
	Results     []byte    `db:"results"`
	Metadata    []byte    `db:"metadata"`
	ScheduledAt time.Time `db:"scheduled_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *notificationRow) toModel() (*model.NotificationDelivery, error) {
	d := &model.NotificationDelivery{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		TemplateID:  r.TemplateID,
		Channel:     model.NotificationChannel(r.Channel),
		Subject:     r.Subject,
		Body:        r.Body,
		Priority:    model.NotificationPriority(r.Priority),
		Status:      model.NotificationStatus(r.Status),
		ScheduledAt: r.ScheduledAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	fields := []struct {
		name string
		raw  []byte
		dst  interface{}
	}{
		{"recipients", r.Recipients, &d.Recipients},
		{"params", r.Params, &d.Params},
		{"results", r.Results, &d.Results},
		{"metadata", r.Metadata, &d.Metadata},
	}
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decoding %s of notification %s: %w", f.name, r.ID, err)
		}
	}
	return d, nil
}

type notificationStore struct {
	db *sqlx.DB
}

func (s *notificationStore) encode(d *model.NotificationDelivery) (recipients, params, results, metadata []byte, err error) {
	if recipients, err = encodeList(d.Recipients); err != nil {
		return
	}
	if params, err = encodeMap(d.Params); err != nil {
		return
	}
	if results, err = encodeList(d.Results); err != nil {
		return
	}
	metadata, err = encodeMap(d.Metadata)
	return
}

func (s *notificationStore) Save(ctx context.Context, d *model.NotificationDelivery) error {
	recipients, params, results, metadata, err := s.encode(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (`+notificationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.OwnerID, d.TemplateID, d.Channel, recipients, params, d.Subject, d.Body,
		d.Priority, d.Status, results, metadata, d.ScheduledAt, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("notification %s already exists", d.ID)
	}
	return err
}

func (s *notificationStore) Update(ctx context.Context, d *model.NotificationDelivery) error {
	recipients, params, results, metadata, err := s.encode(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET recipients = $2, params = $3, status = $4, results = $5, metadata = $6, updated_at = $7
		WHERE id = $1 AND status NOT IN ('sent', 'cancelled')`,
		d.ID, recipients, params, d.Status, results, metadata, d.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM notification_deliveries WHERE id = $1`, d.ID)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFound("notification", d.ID)
		}
		if err != nil {
			return err
		}
		return errors.NewConflict("notification %s is %s and cannot change", d.ID, status)
	}
	return nil
}

func (s *notificationStore) FindByID(ctx context.Context, id string) (*model.NotificationDelivery, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+notificationCols+` FROM notification_deliveries WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("notification", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *notificationStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.NotificationDelivery, error) {
	opts = opts.Normalize()
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+notificationCols+` FROM notification_deliveries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]*model.NotificationDelivery, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *notificationStore) ListPending(ctx context.Context, limit int) ([]*model.NotificationDelivery, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+notificationCols+` FROM notification_deliveries
		WHERE status IN ('queued', 'sending')
		ORDER BY scheduled_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.NotificationDelivery, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *notificationStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_deliveries
		WHERE status NOT IN ('queued', 'sending') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
