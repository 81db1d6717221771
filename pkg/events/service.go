// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// Service validates and owner-scopes broker operations. Webhook-backed
// subscriptions are durable rows; handler subscriptions live only as long as
// the process.
type Service struct {
	cfg    config.Events
	events store.EventStore
	subs   store.SubscriptionStore
	broker *Broker
}

// NewService wires a broker over the given stores. webhooks may be nil when
// the webhook service is not running; webhook subscriptions then fail to
// deliver and are counted as errors.
func NewService(cfg config.Events, events store.EventStore, subs store.SubscriptionStore, webhooks WebhookDispatcher) *Service {
	return &Service{
		cfg:    cfg,
		events: events,
		subs:   subs,
		broker: NewBroker(cfg, events, subs, webhooks),
	}
}

// Start brings the broker up and reattaches persisted subscriptions.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Start(); err != nil {
		return err
	}
	return s.broker.resume(ctx)
}

// Stop shuts the broker down. Buffered, undelivered events are dropped.
func (s *Service) Stop() {
	s.broker.Stop()
}

// Stats exposes broker counters for the status endpoint.
func (s *Service) Stats() Stats {
	return s.broker.Stats()
}

// PublishInput is one event offered to the broker.
type PublishInput struct {
	Type     string                 `json:"type"`
	Source   string                 `json:"source,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// Publish persists the event and offers it for fan-out. Publishing is
// best-effort: when the queue stays full past the publish timeout the stored
// event exists but reaches no subscriber, and the drop is counted.
func (s *Service) Publish(ctx context.Context, ownerID string, in PublishInput) (*model.Event, error) {
	typ := strings.TrimSpace(in.Type)
	if typ == "" {
		return nil, errors.NewValidation("event type is required")
	}
	if _, err := model.CanonicalJSON(in.Payload); err != nil {
		return nil, errors.NewValidation("event payload cannot be canonicalized: %v", err)
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "api"
	}

	ev := &model.Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Source:      source,
		OwnerID:     ownerID,
		Payload:     in.Payload,
		Metadata:    in.Metadata,
		PublishedAt: timeNow().UTC(),
	}
	if err := s.events.Save(ctx, ev); err != nil {
		return nil, err
	}
	s.broker.offer(ev)
	return ev, nil
}

// SubscribeInput registers a durable webhook-backed subscription.
type SubscribeInput struct {
	Pattern   string                     `json:"pattern"`
	Filters   []model.SubscriptionFilter `json:"filters,omitempty"`
	WebhookID string                     `json:"webhook_id"`
}

// Subscribe persists a webhook subscription and attaches it to the broker.
// The caller checks that the webhook exists and belongs to ownerID; the hub
// does that before delegating here.
func (s *Service) Subscribe(ctx context.Context, ownerID string, in SubscribeInput) (*model.Subscription, error) {
	pattern := strings.TrimSpace(in.Pattern)
	if pattern == "" {
		return nil, errors.NewValidation("subscription pattern is required")
	}
	m, err := newMatcher(pattern, in.Filters)
	if err != nil {
		return nil, err
	}
	if in.WebhookID == "" {
		return nil, errors.NewValidation("webhook_id is required")
	}

	sub := &model.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Pattern:   pattern,
		Filters:   in.Filters,
		Kind:      model.SubscriptionWebhook,
		WebhookID: in.WebhookID,
		Active:    true,
		CreatedAt: timeNow().UTC(),
	}
	if err := s.subs.Save(ctx, sub); err != nil {
		return nil, err
	}
	if err := s.broker.attach(sub, m, nil); err != nil {
		// The row is saved; resume attaches it on the next start.
		log.Warnf("subscription %s saved but not attached: %v", sub.ID, err)
	}
	log.Infof("subscription %s registered: %s -> webhook %s", sub.ID, sub.Pattern, sub.WebhookID)
	return sub, nil
}

// SubscribeHandler attaches an in-process callback subscription. These are
// runtime-only: not persisted, gone after a restart, and invisible to
// ListSubscriptions.
func (s *Service) SubscribeHandler(ownerID, pattern string, filters []model.SubscriptionFilter, h Handler) (*model.Subscription, error) {
	if h == nil {
		return nil, errors.NewValidation("a handler is required")
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.NewValidation("subscription pattern is required")
	}
	m, err := newMatcher(pattern, filters)
	if err != nil {
		return nil, err
	}

	sub := &model.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Pattern:   pattern,
		Filters:   filters,
		Kind:      model.SubscriptionHandler,
		Active:    true,
		CreatedAt: timeNow().UTC(),
	}
	if err := s.broker.attach(sub, m, h); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe detaches a subscription and deletes its row when durable.
func (s *Service) Unsubscribe(ctx context.Context, ownerID, id string) error {
	row, err := s.subs.FindByID(ctx, id)
	switch {
	case err == nil:
		if ownerID != "" && row.OwnerID != ownerID {
			return errors.NewForbidden("subscription %s does not belong to the caller", id)
		}
		s.broker.detach(ctx, id)
		if err := s.subs.Delete(ctx, id); err != nil && !errors.IsNotFound(err) {
			return err
		}
		log.Infof("subscription %s removed", id)
		return nil
	case errors.IsNotFound(err):
		// Runtime-only handler subscription.
		live := s.broker.lookup(id)
		if live == nil {
			return err
		}
		if ownerID != "" && live.OwnerID != ownerID {
			return errors.NewForbidden("subscription %s does not belong to the caller", id)
		}
		s.broker.detach(ctx, id)
		return nil
	default:
		return err
	}
}

// GetSubscription returns one owned subscription with live delivery counters
// folded in.
func (s *Service) GetSubscription(ctx context.Context, ownerID, id string) (*model.Subscription, error) {
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && sub.OwnerID != ownerID {
		return nil, errors.NewForbidden("subscription %s does not belong to the caller", id)
	}
	s.mergeLive(sub)
	return sub, nil
}

// ListSubscriptions returns the owner's durable subscriptions, newest first,
// with live delivery counters folded in.
func (s *Service) ListSubscriptions(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Subscription, error) {
	subs, err := s.subs.ListByOwner(ctx, ownerID, opts)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		s.mergeLive(sub)
	}
	return subs, nil
}

// mergeLive adds this process's unflushed counters onto the stored row.
func (s *Service) mergeLive(sub *model.Subscription) {
	delivered, dropped, last, ok := s.broker.liveStats(sub.ID)
	if !ok {
		return
	}
	sub.Delivered += delivered
	sub.Dropped += dropped
	if last.After(sub.LastEventAt) {
		sub.LastEventAt = last
	}
}

// GetEvent returns one stored event. Callers see their own events and
// system events.
func (s *Service) GetEvent(ctx context.Context, ownerID, id string) (*model.Event, error) {
	ev, err := s.events.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && ev.OwnerID != "" && ev.OwnerID != ownerID {
		return nil, errors.NewForbidden("event %s does not belong to the caller", id)
	}
	return ev, nil
}

// ListEvents returns the owner's published events, newest first.
func (s *Service) ListEvents(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Event, error) {
	return s.events.ListByOwner(ctx, ownerID, opts)
}

// ListEventsByTime returns events published in [from, to), newest first.
func (s *Service) ListEventsByTime(ctx context.Context, from, to time.Time, opts store.ListOptions) ([]*model.Event, error) {
	return s.events.FindByTimeRange(ctx, from, to, opts)
}
