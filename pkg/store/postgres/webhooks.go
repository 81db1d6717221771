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

const webhookCols = `id, owner_id, name, target_url, secret, event_types, max_attempts, rate_limit, active, created_at, updated_at`

type webhookRow struct {
	ID          string    `db:"id"`
	OwnerID     string    `db:"owner_id"`
	Name        string    `db:"name"`
	TargetURL   string    `db:"target_url"`
	Secret      string    `db:"secret"`
	EventTypes  []byte    `db:"event_types"`
	MaxAttempts int       `db:"max_attempts"`
	RateLimit   float64   `db:"rate_limit"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *webhookRow) toModel() (*model.Webhook, error) {
	wh := &model.Webhook{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		TargetURL:   r.TargetURL,
		Secret:      r.Secret,
		MaxAttempts: r.MaxAttempts,
		RateLimit:   r.RateLimit,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.EventTypes) > 0 {
		if err := json.Unmarshal(r.EventTypes, &wh.EventTypes); err != nil {
			return nil, fmt.Errorf("decoding event types of webhook %s: %w", r.ID, err)
		}
	}
	return wh, nil
}

type webhookStore struct {
	db *sqlx.DB
}

func (s *webhookStore) Save(ctx context.Context, wh *model.Webhook) error {
	types, err := encodeList(wh.EventTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (`+webhookCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wh.ID, wh.OwnerID, wh.Name, wh.TargetURL, wh.Secret, types,
		wh.MaxAttempts, wh.RateLimit, wh.Active, wh.CreatedAt, wh.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("webhook name %q is already in use", wh.Name)
	}
	return err
}

func (s *webhookStore) Update(ctx context.Context, wh *model.Webhook) error {
	types, err := encodeList(wh.EventTypes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks
		SET name = $2, target_url = $3, secret = $4, event_types = $5,
		    max_attempts = $6, rate_limit = $7, active = $8, updated_at = $9
		WHERE id = $1`,
		wh.ID, wh.Name, wh.TargetURL, wh.Secret, types,
		wh.MaxAttempts, wh.RateLimit, wh.Active, wh.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("webhook name %q is already in use", wh.Name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("webhook", wh.ID)
	}
	return nil
}

func (s *webhookStore) FindByID(ctx context.Context, id string) (*model.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row, `SELECT `+webhookCols+` FROM webhooks WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("webhook", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *webhookStore) FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+webhookCols+` FROM webhooks WHERE owner_id = $1 AND name = $2`, ownerID, name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("webhook", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *webhookStore) list(ctx context.Context, query string, args ...interface{}) ([]*model.Webhook, error) {
	var rows []webhookRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Webhook, 0, len(rows))
	for i := range rows {
		wh, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, nil
}

func (s *webhookStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Webhook, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+webhookCols+` FROM webhooks
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
}

func (s *webhookStore) ListActive(ctx context.Context) ([]*model.Webhook, error) {
	return s.list(ctx, `
		SELECT `+webhookCols+` FROM webhooks WHERE active ORDER BY created_at DESC`)
}

func (s *webhookStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("webhook", id)
	}
	return nil
}

const deliveryCols = `id, webhook_id, owner_id, event_id, event_type, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at`

type deliveryRow struct {
	ID            string       `db:"id"`
	WebhookID     string       `db:"webhook_id"`
	OwnerID       string       `db:"owner_id"`
	EventID       string       `db:"event_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        string       `db:"status"`
	Attempts      []byte       `db:"attempts"`
	MaxAttempts   int          `db:"max_attempts"`
	NextAttemptAt sql.NullTime `db:"next_attempt_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *deliveryRow) toModel() (*model.WebhookDelivery, error) {
	d := &model.WebhookDelivery{
		ID:            r.ID,
		WebhookID:     r.WebhookID,
		OwnerID:       r.OwnerID,
		EventID:       r.EventID,
		EventType:     r.EventType,
		Payload:       r.Payload,
		Status:        model.DeliveryStatus(r.Status),
		MaxAttempts:   r.MaxAttempts,
		NextAttemptAt: fromNullTime(r.NextAttemptAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Attempts) > 0 {
		if err := json.Unmarshal(r.Attempts, &d.Attempts); err != nil {
			return nil, fmt.Errorf("decoding attempts of delivery %s: %w", r.ID, err)
		}
	}
	return d, nil
}

type deliveryStore struct {
	db *sqlx.DB
}

func (s *deliveryStore) Save(ctx context.Context, d *model.WebhookDelivery) error {
	attempts, err := encodeList(d.Attempts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.WebhookID, d.OwnerID, d.EventID, d.EventType, d.Payload, d.Status,
		attempts, d.MaxAttempts, nullTime(d.NextAttemptAt), d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("delivery %s already exists", d.ID)
	}
	return err
}

func (s *deliveryStore) Update(ctx context.Context, d *model.WebhookDelivery) error {
	attempts, err := encodeList(d.Attempts)
	if err != nil {
		return err
	}
	// The status guard keeps terminal rows immutable without a read-
	// modify-write race.
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, next_attempt_at = $4, updated_at = $5
		WHERE id = $1 AND status = 'pending'`,
		d.ID, d.Status, attempts, nullTime(d.NextAttemptAt), d.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM webhook_deliveries WHERE id = $1`, d.ID)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFound("delivery", d.ID)
		}
		if err != nil {
			return err
		}
		return errors.NewConflict("delivery %s is %s and cannot change", d.ID, status)
	}
	return nil
}

func (s *deliveryStore) FindByID(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("delivery", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *deliveryStore) list(ctx context.Context, query string, args ...interface{}) ([]*model.WebhookDelivery, error) {
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.WebhookDelivery, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *deliveryStore) ListByWebhook(ctx context.Context, webhookID string, opts store.ListOptions) ([]*model.WebhookDelivery, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, webhookID, opts.Limit, opts.Offset)
}

func (s *deliveryStore) ListPending(ctx context.Context, limit int) ([]*model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	return s.list(ctx, `
		SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
}

func (s *deliveryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status <> 'pending' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
