// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"

	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/webhook"
)

// CreateWebhook registers a delivery target for the caller.
func (s *Service) CreateWebhook(ctx context.Context, in webhook.RegisterInput) (*model.Webhook, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	wh, err := s.webhooks.Register(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "webhook.created", webhookPayload(wh))
	return wh, nil
}

// GetWebhook returns one of the caller's webhooks.
func (s *Service) GetWebhook(ctx context.Context, id string) (*model.Webhook, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.webhooks.Get(ctx, ownerID, id)
}

// ListWebhooks returns the caller's webhooks, newest first.
func (s *Service) ListWebhooks(ctx context.Context, opts store.ListOptions) ([]*model.Webhook, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.webhooks.List(ctx, ownerID, opts)
}

// UpdateWebhook applies a patch to one of the caller's webhooks.
func (s *Service) UpdateWebhook(ctx context.Context, id string, patch webhook.UpdatePatch) (*model.Webhook, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	wh, err := s.webhooks.Update(ctx, ownerID, id, patch)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "webhook.updated", webhookPayload(wh))
	return wh, nil
}

// DeleteWebhook removes one of the caller's webhooks. Delivery history is
// kept until the retention sweep.
func (s *Service) DeleteWebhook(ctx context.Context, id string) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return err
	}
	if err := s.webhooks.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.emit(ctx, ownerID, "webhook.deleted", map[string]interface{}{
		"webhook_id": id,
	})
	return nil
}

// DeliverWebhook enqueues an ad-hoc payload against one of the caller's
// webhooks, outside of any published event.
func (s *Service) DeliverWebhook(ctx context.Context, webhookID, eventType string, payload map[string]interface{}) (*model.WebhookDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.webhooks.Deliver(ctx, ownerID, webhookID, eventType, payload)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "webhook.delivery.enqueued", deliveryPayload(d))
	return d, nil
}

// GetWebhookDelivery returns one of the caller's deliveries.
func (s *Service) GetWebhookDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.webhooks.GetDelivery(ctx, ownerID, id)
}

// ListWebhookDeliveries returns the delivery history of one of the
// caller's webhooks, newest first.
func (s *Service) ListWebhookDeliveries(ctx context.Context, webhookID string, opts store.ListOptions) ([]*model.WebhookDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.webhooks.ListDeliveries(ctx, ownerID, webhookID, opts)
}

// CancelWebhookDelivery stops a pending delivery before its next attempt.
func (s *Service) CancelWebhookDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.webhooks.CancelDelivery(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "webhook.delivery.cancelled", deliveryPayload(d))
	return d, nil
}

func webhookPayload(wh *model.Webhook) map[string]interface{} {
	return map[string]interface{}{
		"webhook_id": wh.ID,
		"name":       wh.Name,
		"target_url": wh.TargetURL,
		"active":     wh.Active,
	}
}

func deliveryPayload(d *model.WebhookDelivery) map[string]interface{} {
	return map[string]interface{}{
		"delivery_id": d.ID,
		"webhook_id":  d.WebhookID,
		"event_type":  d.EventType,
		"status":      string(d.Status),
	}
}
