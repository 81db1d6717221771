// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"
	"strings"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// PublishEvent publishes a caller event on the broker. The published event
// is its own record, so no extra lifecycle event is emitted.
func (s *Service) PublishEvent(ctx context.Context, in events.PublishInput) (*model.Event, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.events.Publish(ctx, ownerID, in)
}

// Subscribe binds one of the caller's webhooks to an event-type pattern.
// The webhook must exist and belong to the caller; the broker itself does
// not check that.
func (s *Service) Subscribe(ctx context.Context, in events.SubscribeInput) (*model.Subscription, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.WebhookID) == "" {
		return nil, errors.NewValidation("a webhook id is required")
	}
	if _, err := s.webhooks.Get(ctx, ownerID, in.WebhookID); err != nil {
		return nil, err
	}
	sub, err := s.events.Subscribe(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "subscription.created", map[string]interface{}{
		"subscription_id": sub.ID,
		"pattern":         sub.Pattern,
		"webhook_id":      sub.WebhookID,
	})
	return sub, nil
}

// Unsubscribe removes one of the caller's subscriptions.
func (s *Service) Unsubscribe(ctx context.Context, id string) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return err
	}
	if err := s.events.Unsubscribe(ctx, ownerID, id); err != nil {
		return err
	}
	s.emit(ctx, ownerID, "subscription.deleted", map[string]interface{}{
		"subscription_id": id,
	})
	return nil
}

// GetSubscription returns one of the caller's subscriptions with live
// delivery counters folded in.
func (s *Service) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.events.GetSubscription(ctx, ownerID, id)
}

// ListSubscriptions returns the caller's durable subscriptions, newest
// first.
func (s *Service) ListSubscriptions(ctx context.Context, opts store.ListOptions) ([]*model.Subscription, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.events.ListSubscriptions(ctx, ownerID, opts)
}

// GetEvent returns one of the caller's stored events.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.events.GetEvent(ctx, ownerID, id)
}

// ListEvents returns the caller's stored events, newest first.
func (s *Service) ListEvents(ctx context.Context, opts store.ListOptions) ([]*model.Event, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, ownerID, opts)
}

// SubscribeLive attaches an in-process handler for the caller's live event
// stream and returns a detach function. The broker scopes dispatch to the
// caller's own events. Live subscriptions are not persisted, emit no
// lifecycle event and vanish on restart.
func (s *Service) SubscribeLive(ctx context.Context, pattern string, filters []model.SubscriptionFilter, h events.Handler) (func(), error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := s.events.SubscribeHandler(ownerID, pattern, filters, h)
	if err != nil {
		return nil, err
	}
	detach := func() {
		if err := s.events.Unsubscribe(context.Background(), ownerID, sub.ID); err != nil && !errors.IsNotFound(err) {
			log.Debugf("detaching live subscription %s: %v", sub.ID, err)
		}
	}
	return detach, nil
}
