// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package hub composes the integration engine, webhook deliverer,
// notification engine, event broker and report scheduler behind one
// owner-scoped facade. Callers never pass a user id: every operation
// resolves the acting owner from the request identity, and every
// state-changing operation publishes exactly one lifecycle event once its
// write has committed.
package hub

import (
	"context"
	"fmt"

	"github.com/eden-vertex/vertex/pkg/auth"
	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/reports"
	"github.com/eden-vertex/vertex/pkg/util/log"
	"github.com/eden-vertex/vertex/pkg/webhook"
)

// eventSource marks lifecycle events the facade publishes about itself.
const eventSource = "hub"

// typeEventDelivered is published when a webhook delivery lands. Deliveries
// of this type publish nothing, which keeps the meta traffic one hop deep.
const typeEventDelivered = "event.delivered"

// Service is the composition layer the API serves.
type Service struct {
	integrations *integrations.Engine
	webhooks     *webhook.Service
	notify       *notify.Service
	events       *events.Service
	reports      *reports.Service

	// systemSub is the broker subscription that fans published events out
	// to webhooks. Set by Start.
	systemSub string
}

// New wires the facade over fully constructed subsystems and hooks the
// delivery engine so landed webhook deliveries surface as events. Call
// Start before use.
func New(ie *integrations.Engine, ws *webhook.Service, ns *notify.Service, es *events.Service, rs *reports.Service) *Service {
	s := &Service{
		integrations: ie,
		webhooks:     ws,
		notify:       ns,
		events:       es,
		reports:      rs,
	}
	ws.OnDelivered(s.deliveryLanded)
	return s
}

// Start brings the subsystems up in dependency order: deliverers first,
// then the broker with its webhook fan-out, then the scheduler that feeds
// them. A failed start winds the already started subsystems back down.
func (s *Service) Start(ctx context.Context) error {
	steps := []struct {
		name  string
		start func(context.Context) error
		stop  func()
	}{
		{"webhook deliverer", s.webhooks.Start, s.webhooks.Stop},
		{"notification engine", s.notify.Start, s.notify.Stop},
		{"event broker", s.startBroker, s.events.Stop},
		{"report scheduler", s.reports.Start, s.reports.Stop},
	}
	for i, step := range steps {
		if err := step.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				steps[j].stop()
			}
			return fmt.Errorf("starting the %s: %w", step.name, err)
		}
	}
	log.Info("hub started")
	return nil
}

// startBroker starts the event service and attaches the system fan-out
// that turns matched events into webhook deliveries.
func (s *Service) startBroker(ctx context.Context) error {
	if err := s.events.Start(ctx); err != nil {
		return err
	}
	sub, err := s.events.SubscribeHandler("", "**", nil, s.fanOut)
	if err != nil {
		s.events.Stop()
		return err
	}
	s.systemSub = sub.ID
	return nil
}

// Stop winds the subsystems down in reverse order. The report scheduler
// goes first so nothing schedules new work into the draining engines.
func (s *Service) Stop() {
	s.reports.Stop()
	s.events.Stop()
	s.notify.Stop()
	s.webhooks.Stop()
	s.integrations.Stop()
	log.Info("hub stopped")
}

// fanOut bridges the broker to the delivery engine: every published event
// is offered to the active webhooks whose patterns match its type.
func (s *Service) fanOut(ctx context.Context, ev *model.Event) error {
	_, err := s.webhooks.DispatchEvent(ctx, ev)
	return err
}

// deliveryLanded publishes event.delivered for the delivery's owner.
func (s *Service) deliveryLanded(ctx context.Context, d *model.WebhookDelivery) {
	if d.EventType == typeEventDelivered {
		return
	}
	s.emit(ctx, d.OwnerID, typeEventDelivered, map[string]interface{}{
		"delivery_id": d.ID,
		"webhook_id":  d.WebhookID,
		"event_id":    d.EventID,
		"event_type":  d.EventType,
		"attempts":    d.AttemptCount(),
	})
}

// owner resolves the acting owner from the request identity.
func owner(ctx context.Context) (string, error) {
	id, err := auth.FromContext(ctx)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// emit publishes one lifecycle event as the acting owner. Lifecycle events
// are advisory; a publish failure is logged and never fails the operation
// that already committed.
func (s *Service) emit(ctx context.Context, ownerID, eventType string, payload map[string]interface{}) {
	if _, err := s.events.Publish(ctx, ownerID, events.PublishInput{
		Type:    eventType,
		Source:  eventSource,
		Payload: payload,
	}); err != nil {
		log.Warnf("publishing %s: %v", eventType, err)
	}
}

// Stats is a point-in-time snapshot of the hub's moving parts.
type Stats struct {
	Events  events.Stats  `json:"events"`
	Reports reports.Stats `json:"reports"`
}

// Stats aggregates the subsystem counters the status endpoint reports.
func (s *Service) Stats() Stats {
	return Stats{
		Events:  s.events.Stats(),
		Reports: s.reports.Stats(),
	}
}
