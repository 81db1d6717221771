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

const eventCols = `id, type, source, owner_id, payload, metadata, published_at`

type eventRow struct {
	ID          string    `db:"id"`
	Type        string    `db:"type"`
	Source      string    `db:"source"`
	OwnerID     string    `db:"owner_id"`
	Payload     []byte    `db:"payload"`
	Metadata    []byte    `db:"metadata"`
	PublishedAt time.Time `db:"published_at"`
}

func (r *eventRow) toModel() (*model.Event, error) {
	ev := &model.Event{
		ID:          r.ID,
		Type:        r.Type,
		Source:      r.Source,
		OwnerID:     r.OwnerID,
		PublishedAt: r.PublishedAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of event %s: %w", r.ID, err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of event %s: %w", r.ID, err)
		}
	}
	return ev, nil
}

type eventStore struct {
	db *sqlx.DB
}

func (s *eventStore) Save(ctx context.Context, ev *model.Event) error {
	payload, err := encodeMap(ev.Payload)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.Source, ev.OwnerID, payload, metadata, ev.PublishedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("event %s already exists", ev.ID)
	}
	return err
}

func (s *eventStore) FindByID(ctx context.Context, id string) (*model.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT `+eventCols+` FROM events WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("event", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *eventStore) list(ctx context.Context, query string, args ...interface{}) ([]*model.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *eventStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Event, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE owner_id = $1
		ORDER BY published_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
}

func (s *eventStore) FindByTimeRange(ctx context.Context, from, to time.Time, opts store.ListOptions) ([]*model.Event, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE published_at >= $1 AND published_at < $2
		ORDER BY published_at DESC
		LIMIT $3 OFFSET $4`, from, to, opts.Limit, opts.Offset)
}

func (s *eventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const subscriptionCols = `id, owner_id, pattern, filters, kind, webhook_id, active, delivered, dropped, last_event_at, created_at`

type subscriptionRow struct {
	ID          string       `db:"id"`
	OwnerID     string       `db:"owner_id"`
	Pattern     string       `db:"pattern"`
	Filters     []byte       `db:"filters"`
	Kind        string       `db:"kind"`
	WebhookID   string       `db:"webhook_id"`
	Active      bool         `db:"active"`
	Delivered   uint64       `db:"delivered"`
	Dropped     uint64       `db:"dropped"`
	LastEventAt sql.NullTime `db:"last_event_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r *subscriptionRow) toModel() (*model.Subscription, error) {
	sub := &model.Subscription{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Pattern:     r.Pattern,
		Kind:        model.SubscriptionKind(r.Kind),
		WebhookID:   r.WebhookID,
		Active:      r.Active,
		Delivered:   r.Delivered,
		Dropped:     r.Dropped,
		LastEventAt: fromNullTime(r.LastEventAt),
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Filters) > 0 {
		if err := json.Unmarshal(r.Filters, &sub.Filters); err != nil {
			return nil, fmt.Errorf("decoding filters of subscription %s: %w", r.ID, err)
		}
	}
	return sub, nil
}

type subscriptionStore struct {
	db *sqlx.DB
}

func (s *subscriptionStore) Save(ctx context.Context, sub *model.Subscription) error {
	filters, err := encodeList(sub.Filters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.OwnerID, sub.Pattern, filters, sub.Kind, sub.WebhookID,
		sub.Active, sub.Delivered, sub.Dropped, nullTime(sub.LastEventAt), sub.CreatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("subscription %s already exists", sub.ID)
	}
	return err
}

func (s *subscriptionStore) Update(ctx context.Context, sub *model.Subscription) error {
	filters, err := encodeList(sub.Filters)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET pattern = $2, filters = $3, kind = $4, webhook_id = $5, active = $6,
		    delivered = $7, dropped = $8, last_event_at = $9
		WHERE id = $1`,
		sub.ID, sub.Pattern, filters, sub.Kind, sub.WebhookID,
		sub.Active, sub.Delivered, sub.Dropped, nullTime(sub.LastEventAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("subscription", sub.ID)
	}
	return nil
}

func (s *subscriptionStore) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("subscription", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *subscriptionStore) list(ctx context.Context, query string, args ...interface{}) ([]*model.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *subscriptionStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Subscription, error) {
	opts = opts.Normalize()
	return s.list(ctx, `
		SELECT `+subscriptionCols+` FROM subscriptions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
}

func (s *subscriptionStore) ListActive(ctx context.Context) ([]*model.Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionCols+` FROM subscriptions WHERE active ORDER BY created_at DESC`)
}

func (s *subscriptionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("subscription", id)
	}
	return nil
}
