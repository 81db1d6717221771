// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package postgres implements the repositories on PostgreSQL via sqlx.
// Structured fields (configs, payloads, attempt lists) are stored as JSONB;
// uniqueness lives in the schema and surfaces as conflict errors.
package postgres

import (
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to postgres and applies the pool settings.
func Open(cfg config.Storage) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())
	return db, nil
}

// Migrate applies pending schema migrations from the embedded sources.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("building migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		log.Infof("Database schema at version %d (dirty=%v)", version, dirty)
	}
	return nil
}

// New wires every repository over one shared connection pool.
func New(db *sqlx.DB) *store.Stores {
	return &store.Stores{
		Integrations:          &integrationStore{db: db},
		Webhooks:              &webhookStore{db: db},
		Deliveries:            &deliveryStore{db: db},
		NotificationTemplates: &notificationTemplateStore{db: db},
		Notifications:         &notificationStore{db: db},
		Subscriptions:         &subscriptionStore{db: db},
		Events:                &eventStore{db: db},
		ReportTemplates:       &reportTemplateStore{db: db},
		Reports:               &reportStore{db: db},
		Executions:            &executionStore{db: db},
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullTime maps zero times to NULL columns and back.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
