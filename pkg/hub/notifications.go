// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"

	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/store"
)

// CreateNotificationTemplate registers a notification template for the
// caller.
func (s *Service) CreateNotificationTemplate(ctx context.Context, in notify.TemplateInput) (*model.NotificationTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := s.notify.CreateTemplate(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "notification.template.created", notificationTemplatePayload(tpl))
	return tpl, nil
}

// GetNotificationTemplate returns one of the caller's templates.
func (s *Service) GetNotificationTemplate(ctx context.Context, id string) (*model.NotificationTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.notify.GetTemplate(ctx, ownerID, id)
}

// ListNotificationTemplates returns the caller's templates, newest first.
func (s *Service) ListNotificationTemplates(ctx context.Context, opts store.ListOptions) ([]*model.NotificationTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.notify.ListTemplates(ctx, ownerID, opts)
}

// UpdateNotificationTemplate applies a patch to one of the caller's
// templates.
func (s *Service) UpdateNotificationTemplate(ctx context.Context, id string, patch notify.TemplatePatch) (*model.NotificationTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := s.notify.UpdateTemplate(ctx, ownerID, id, patch)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "notification.template.updated", notificationTemplatePayload(tpl))
	return tpl, nil
}

// DeleteNotificationTemplate removes one of the caller's templates.
func (s *Service) DeleteNotificationTemplate(ctx context.Context, id string) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return err
	}
	if err := s.notify.DeleteTemplate(ctx, ownerID, id); err != nil {
		return err
	}
	s.emit(ctx, ownerID, "notification.template.deleted", map[string]interface{}{
		"template_id": id,
	})
	return nil
}

// SendNotification renders and enqueues a notification for the caller.
// Delivery itself is asynchronous; the published notification.sent event
// records the accepted send.
func (s *Service) SendNotification(ctx context.Context, in notify.SendInput) (*model.NotificationDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.notify.Send(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "notification.sent", map[string]interface{}{
		"notification_id": d.ID,
		"channel":         string(d.Channel),
		"recipient_count": len(d.Recipients),
		"priority":        string(d.Priority),
	})
	return d, nil
}

// GetNotification returns one of the caller's notification deliveries.
func (s *Service) GetNotification(ctx context.Context, id string) (*model.NotificationDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.notify.Get(ctx, ownerID, id)
}

// ListNotifications returns the caller's notification deliveries, newest
// first.
func (s *Service) ListNotifications(ctx context.Context, opts store.ListOptions) ([]*model.NotificationDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.notify.List(ctx, ownerID, opts)
}

// CancelNotification stops a queued notification before a worker picks it
// up.
func (s *Service) CancelNotification(ctx context.Context, id string) (*model.NotificationDelivery, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.notify.Cancel(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "notification.cancelled", map[string]interface{}{
		"notification_id": d.ID,
		"channel":         string(d.Channel),
	})
	return d, nil
}

func notificationTemplatePayload(tpl *model.NotificationTemplate) map[string]interface{} {
	return map[string]interface{}{
		"template_id": tpl.ID,
		"name":        tpl.Name,
		"channel":     string(tpl.Channel),
	}
}
