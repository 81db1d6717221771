// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
)

// The row mapping and the status guards are the only logic that lives in
// this package; everything behavioral runs against the memory backend. These
// tests drive the mapping layer over a stub driver so no database is needed.

func newMockStores(t *testing.T) (*store.Stores, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestWebhookFindByIDMapsRow(t *testing.T) {
	st, mock := newMockStores(t)
	now := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "name", "target_url", "secret", "event_types",
		"max_attempts", "rate_limit", "active", "created_at", "updated_at",
	}).AddRow(
		"wh-1", "user-a", "orders", "https://example.com/hook", "s3cret",
		[]byte(`["orders.created","orders.cancelled"]`),
		5, 2.5, true, now, now,
	)
	mock.ExpectQuery("SELECT .+ FROM webhooks WHERE id").
		WithArgs("wh-1").
		WillReturnRows(rows)

	wh, err := st.Webhooks.FindByID(context.Background(), "wh-1")
	require.NoError(t, err)
	assert.Equal(t, "user-a", wh.OwnerID)
	assert.Equal(t, "https://example.com/hook", wh.TargetURL)
	assert.Equal(t, []string{"orders.created", "orders.cancelled"}, wh.EventTypes)
	assert.Equal(t, 2.5, wh.RateLimit)
	assert.True(t, wh.Active)
	assert.Equal(t, now, wh.CreatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookFindByIDNotFound(t *testing.T) {
	st, mock := newMockStores(t)

	mock.ExpectQuery("SELECT .+ FROM webhooks WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := st.Webhooks.FindByID(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookSaveMapsUniqueViolation(t *testing.T) {
	st, mock := newMockStores(t)

	mock.ExpectExec("INSERT INTO webhooks").
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.Webhooks.Save(context.Background(), &model.Webhook{
		ID:      "wh-1",
		OwnerID: "user-a",
		Name:    "orders",
	})
	assert.True(t, errors.IsConflict(err), "got %v", err)
	assert.Contains(t, err.Error(), "orders")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookUpdateMissingRow(t *testing.T) {
	st, mock := newMockStores(t)

	mock.ExpectExec("UPDATE webhooks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Webhooks.Update(context.Background(), &model.Webhook{ID: "gone"})
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryUpdateGuardsTerminalRows(t *testing.T) {
	st, mock := newMockStores(t)

	// The guarded UPDATE touches nothing, so the store re-reads the status
	// to tell a terminal row from a missing one.
	mock.ExpectExec("UPDATE webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM webhook_deliveries WHERE id").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("delivered"))

	err := st.Deliveries.Update(context.Background(), &model.WebhookDelivery{
		ID:     "d-1",
		Status: model.DeliveryCancelled,
	})
	assert.True(t, errors.IsConflict(err), "got %v", err)
	assert.Contains(t, err.Error(), "delivered")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryUpdateMissingRow(t *testing.T) {
	st, mock := newMockStores(t)

	mock.ExpectExec("UPDATE webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM webhook_deliveries WHERE id").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	err := st.Deliveries.Update(context.Background(), &model.WebhookDelivery{ID: "gone"})
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryListPendingMapsNullNextAttempt(t *testing.T) {
	st, mock := newMockStores(t)
	now := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "webhook_id", "owner_id", "event_id", "event_type", "payload",
		"status", "attempts", "max_attempts", "next_attempt_at", "created_at", "updated_at",
	}).AddRow(
		"d-1", "wh-1", "user-a", "ev-1", "orders.created", []byte(`{"n":1}`),
		"pending", []byte(`[{"number":1,"status_code":500,"at":"2026-01-02T03:04:05Z","duration_ns":1000}]`),
		3, nil, now, now,
	)
	mock.ExpectQuery("SELECT .+ FROM webhook_deliveries WHERE status = 'pending'").
		WillReturnRows(rows)

	out, err := st.Deliveries.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	d := out[0]
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.True(t, d.NextAttemptAt.IsZero())
	require.Len(t, d.Attempts, 1)
	assert.Equal(t, 500, d.Attempts[0].StatusCode)
	assert.Equal(t, []byte(`{"n":1}`), d.Payload)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryDeleteTerminalBefore(t *testing.T) {
	st, mock := newMockStores(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec("DELETE FROM webhook_deliveries").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.Deliveries.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, mock.ExpectationsWereMet())
}
