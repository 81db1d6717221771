// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store defines the repository contracts the hub engines persist
// through. Two backends implement them: memory (tests, single-node dev) and
// postgres. Implementations return the shared error taxonomy: NewNotFound
// for missing rows, NewConflict for uniqueness and illegal-transition
// violations.
package store

import (
	"context"
	"time"

	"github.com/eden-vertex/vertex/pkg/model"
)

// ListOptions pages list queries. A zero Limit means the backend default.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListLimit caps unpaginated list queries.
const DefaultListLimit = 50

// Normalize clamps the options to sane bounds.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// IntegrationStore persists integrations. (owner, name) is unique.
type IntegrationStore interface {
	Save(ctx context.Context, in *model.Integration) error
	Update(ctx context.Context, in *model.Integration) error
	FindByID(ctx context.Context, id string) (*model.Integration, error)
	FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Integration, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.Integration, error)
	Delete(ctx context.Context, id string) error
	CountByOwner(ctx context.Context, ownerID string) (int, error)
}

// WebhookStore persists webhooks. (owner, name) is unique.
type WebhookStore interface {
	Save(ctx context.Context, wh *model.Webhook) error
	Update(ctx context.Context, wh *model.Webhook) error
	FindByID(ctx context.Context, id string) (*model.Webhook, error)
	FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Webhook, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.Webhook, error)
	// ListActive returns every active webhook, for event fan-out.
	ListActive(ctx context.Context) ([]*model.Webhook, error)
	Delete(ctx context.Context, id string) error
}

// DeliveryStore persists webhook deliveries. Updates against a delivery in
// a terminal status fail with a conflict.
type DeliveryStore interface {
	Save(ctx context.Context, d *model.WebhookDelivery) error
	Update(ctx context.Context, d *model.WebhookDelivery) error
	FindByID(ctx context.Context, id string) (*model.WebhookDelivery, error)
	ListByWebhook(ctx context.Context, webhookID string, opts ListOptions) ([]*model.WebhookDelivery, error)
	// ListPending returns non-terminal deliveries, oldest first; used to
	// resume after a restart.
	ListPending(ctx context.Context, limit int) ([]*model.WebhookDelivery, error)
	// DeleteTerminalBefore prunes terminal deliveries updated before cutoff
	// and returns how many went away.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// NotificationTemplateStore persists notification templates. (owner, name)
// is unique.
type NotificationTemplateStore interface {
	Save(ctx context.Context, tpl *model.NotificationTemplate) error
	Update(ctx context.Context, tpl *model.NotificationTemplate) error
	FindByID(ctx context.Context, id string) (*model.NotificationTemplate, error)
	FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.NotificationTemplate, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.NotificationTemplate, error)
	Delete(ctx context.Context, id string) error
}

// NotificationStore persists notification deliveries.
type NotificationStore interface {
	Save(ctx context.Context, d *model.NotificationDelivery) error
	Update(ctx context.Context, d *model.NotificationDelivery) error
	FindByID(ctx context.Context, id string) (*model.NotificationDelivery, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.NotificationDelivery, error)
	// ListPending returns queued and mid-send deliveries, oldest scheduled
	// first, for requeueing after a restart.
	ListPending(ctx context.Context, limit int) ([]*model.NotificationDelivery, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SubscriptionStore persists broker subscriptions.
type SubscriptionStore interface {
	Save(ctx context.Context, sub *model.Subscription) error
	Update(ctx context.Context, sub *model.Subscription) error
	FindByID(ctx context.Context, id string) (*model.Subscription, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.Subscription, error)
	ListActive(ctx context.Context) ([]*model.Subscription, error)
	Delete(ctx context.Context, id string) error
}

// EventStore keeps a queryable record of published events.
type EventStore interface {
	Save(ctx context.Context, ev *model.Event) error
	FindByID(ctx context.Context, id string) (*model.Event, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.Event, error)
	FindByTimeRange(ctx context.Context, from, to time.Time, opts ListOptions) ([]*model.Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ReportTemplateStore persists report templates. (owner, name) is unique.
type ReportTemplateStore interface {
	Save(ctx context.Context, tpl *model.ReportTemplate) error
	Update(ctx context.Context, tpl *model.ReportTemplate) error
	FindByID(ctx context.Context, id string) (*model.ReportTemplate, error)
	FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.ReportTemplate, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.ReportTemplate, error)
	Delete(ctx context.Context, id string) error
}

// ReportStore persists scheduled reports. (owner, name) is unique.
type ReportStore interface {
	Save(ctx context.Context, r *model.Report) error
	Update(ctx context.Context, r *model.Report) error
	FindByID(ctx context.Context, id string) (*model.Report, error)
	FindByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Report, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*model.Report, error)
	ListEnabled(ctx context.Context) ([]*model.Report, error)
	Delete(ctx context.Context, id string) error
}

// ExecutionStore persists report executions. Updates against a terminal
// execution fail with a conflict.
type ExecutionStore interface {
	Save(ctx context.Context, ex *model.ReportExecution) error
	Update(ctx context.Context, ex *model.ReportExecution) error
	FindByID(ctx context.Context, id string) (*model.ReportExecution, error)
	ListByReport(ctx context.Context, reportID string, opts ListOptions) ([]*model.ReportExecution, error)
	ListRunning(ctx context.Context) ([]*model.ReportExecution, error)
	FindByTimeRange(ctx context.Context, from, to time.Time, opts ListOptions) ([]*model.ReportExecution, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Stores bundles every repository so the composition root passes one handle
// around.
type Stores struct {
	Integrations          IntegrationStore
	Webhooks              WebhookStore
	Deliveries            DeliveryStore
	NotificationTemplates NotificationTemplateStore
	Notifications         NotificationStore
	Subscriptions         SubscriptionStore
	Events                EventStore
	ReportTemplates       ReportTemplateStore
	Reports               ReportStore
	Executions            ExecutionStore
}
