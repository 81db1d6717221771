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

const integrationCols = `id, owner_id, name, type, config, credential_ref, status, created_at, updated_at`

type integrationRow struct {
	ID            string    `db:"id"`
	OwnerID       string    `db:"owner_id"`
	Name          string    `db:"name"`
	Type          string    `db:"type"`
	Config        []byte    `db:"config"`
	CredentialRef string    `db:"credential_ref"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *integrationRow) toModel() (*model.Integration, error) {
	in := &model.Integration{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		Type:          r.Type,
		CredentialRef: r.CredentialRef,
		Status:        model.IntegrationStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &in.Config); err != nil {
			return nil, fmt.Errorf("decoding config of integration %s: %w", r.ID, err)
		}
	}
	return in, nil
}

func encodeMap(m interface{}) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}

func encodeList(l interface{}) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("[]"), nil
	}
	return data, nil
}

type integrationStore struct {
	db *sqlx.DB
}

func (s *integrationStore) Save(ctx context.Context, in *model.Integration) error {
	cfg, err := encodeMap(in.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (`+integrationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.OwnerID, in.Name, in.Type, cfg, in.CredentialRef, in.Status, in.CreatedAt, in.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("integration name %q is already in use", in.Name)
	}
	return err
}

func (s *integrationStore) Update(ctx context.Context, in *model.Integration) error {
	cfg, err := encodeMap(in.Config)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations
		SET name = $2, type = $3, config = $4, credential_ref = $5, status = $6, updated_at = $7
		WHERE id = $1`,
		in.ID, in.Name, in.Type, cfg, in.CredentialRef, in.Status, in.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewConflict("integration name %q is already in use", in.Name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("integration", in.ID)
	}
	return nil
}

func (s *integrationStore) FindByID(ctx context.Context, id string) (*model.Integration, error) {
	var row integrationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+integrationCols+` FROM integrations WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("integration", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *integrationStore) FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Integration, error) {
	var row integrationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+integrationCols+` FROM integrations WHERE owner_id = $1 AND name = $2`, ownerID, name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("integration", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *integrationStore) ListByOwner(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Integration, error) {
	opts = opts.Normalize()
	var rows []integrationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+integrationCols+` FROM integrations
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Integration, 0, len(rows))
	for i := range rows {
		in, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *integrationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("integration", id)
	}
	return nil
}

func (s *integrationStore) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM integrations WHERE owner_id = $1`, ownerID)
	return n, err
}
