// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package notify

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

// Service manages notification templates and sends. All operations taking
// an ownerID enforce that the caller owns the resource; an empty ownerID is
// the system acting on its own behalf.
type Service struct {
	cfg        config.Notifications
	templates  store.NotificationTemplateStore
	deliveries store.NotificationStore
	engine     *Engine
}

// NewService wires a Service and its engine over the given stores.
func NewService(cfg config.Notifications, templates store.NotificationTemplateStore, deliveries store.NotificationStore) *Service {
	return &Service{
		cfg:        cfg,
		templates:  templates,
		deliveries: deliveries,
		engine:     NewEngine(cfg, deliveries),
	}
}

// Start brings up the engine and requeues deliveries that were unresolved
// when the previous process stopped.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.Start(); err != nil {
		return err
	}
	return s.engine.resume(ctx)
}

// Stop halts the engine. Unresolved deliveries stay in the store.
func (s *Service) Stop() {
	s.engine.Stop()
}

// TemplateInput carries the caller-supplied fields of a template.
type TemplateInput struct {
	Name           string   `json:"name"`
	Channel        string   `json:"channel"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body"`
	RequiredParams []string `json:"required_params,omitempty"`
}

// CreateTemplate registers a notification template. Required parameters
// must all appear as placeholders in the subject or body.
func (s *Service) CreateTemplate(ctx context.Context, ownerID string, in TemplateInput) (*model.NotificationTemplate, error) {
	tpl := &model.NotificationTemplate{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           strings.TrimSpace(in.Name),
		Channel:        model.NotificationChannel(in.Channel),
		Subject:        in.Subject,
		Body:           in.Body,
		RequiredParams: in.RequiredParams,
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}
	now := time.Now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if err := s.templates.Save(ctx, tpl); err != nil {
		return nil, err
	}
	log.Infof("notification template %s (%s) registered on channel %s", tpl.Name, tpl.ID, tpl.Channel)
	return tpl, nil
}

// TemplatePatch updates a subset of template fields. Nil pointers keep the
// stored value; a non-nil RequiredParams replaces the whole list.
type TemplatePatch struct {
	Name           *string  `json:"name,omitempty"`
	Channel        *string  `json:"channel,omitempty"`
	Subject        *string  `json:"subject,omitempty"`
	Body           *string  `json:"body,omitempty"`
	RequiredParams []string `json:"required_params,omitempty"`
}

// UpdateTemplate applies patch to an owned template and revalidates the
// whole template.
func (s *Service) UpdateTemplate(ctx context.Context, ownerID, id string, patch TemplatePatch) (*model.NotificationTemplate, error) {
	tpl, err := s.loadTemplate(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		tpl.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Channel != nil {
		tpl.Channel = model.NotificationChannel(*patch.Channel)
	}
	if patch.Subject != nil {
		tpl.Subject = *patch.Subject
	}
	if patch.Body != nil {
		tpl.Body = *patch.Body
	}
	if patch.RequiredParams != nil {
		tpl.RequiredParams = patch.RequiredParams
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}
	tpl.UpdatedAt = time.Now()
	if err := s.templates.Update(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplate returns an owned template.
func (s *Service) GetTemplate(ctx context.Context, ownerID, id string) (*model.NotificationTemplate, error) {
	return s.loadTemplate(ctx, ownerID, id)
}

// ListTemplates returns the owner's templates, newest first.
func (s *Service) ListTemplates(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.NotificationTemplate, error) {
	return s.templates.ListByOwner(ctx, ownerID, opts)
}

// DeleteTemplate removes an owned template. Past deliveries keep their
// rendered content.
func (s *Service) DeleteTemplate(ctx context.Context, ownerID, id string) error {
	if _, err := s.loadTemplate(ctx, ownerID, id); err != nil {
		return err
	}
	return s.templates.Delete(ctx, id)
}

// SendInput describes one notification. Either TemplateID or an inline
// Channel and Body must be set; params fill {{name}} placeholders either
// way.
type SendInput struct {
	TemplateID  string                 `json:"template_id,omitempty"`
	Channel     string                 `json:"channel,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	Body        string                 `json:"body,omitempty"`
	Recipients  []string               `json:"recipients"`
	Params      map[string]string      `json:"params,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	ScheduledAt time.Time              `json:"scheduled_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Send validates, renders and enqueues a notification. Rendering happens
// here so callers get template errors synchronously; the stored delivery
// carries the final subject and body.
func (s *Service) Send(ctx context.Context, ownerID string, in SendInput) (*model.NotificationDelivery, error) {
	if len(in.Recipients) == 0 {
		return nil, errors.NewValidation("at least one recipient is required")
	}
	for _, r := range in.Recipients {
		if strings.TrimSpace(r) == "" {
			return nil, errors.NewValidation("recipients must be non-empty")
		}
	}
	priority, err := model.ParsePriority(in.Priority)
	if err != nil {
		return nil, errors.NewValidation("%s", err)
	}

	var (
		channel       model.NotificationChannel
		subject, body string
	)
	if in.TemplateID != "" {
		tpl, err := s.loadTemplate(ctx, ownerID, in.TemplateID)
		if err != nil {
			return nil, err
		}
		channel = tpl.Channel
		subject, body, err = RenderTemplate(tpl, in.Params)
		if err != nil {
			return nil, err
		}
	} else {
		channel = model.NotificationChannel(in.Channel)
		if !model.KnownChannel(channel) {
			return nil, errors.NewValidation("unknown notification channel %q", in.Channel)
		}
		if in.Body == "" {
			return nil, errors.NewValidation("inline notifications require a body")
		}
		subject = Render(in.Subject, in.Params)
		body = Render(in.Body, in.Params)
	}

	now := time.Now()
	scheduledAt := in.ScheduledAt
	if scheduledAt.Before(now) {
		scheduledAt = now
	}

	d := &model.NotificationDelivery{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		TemplateID:  in.TemplateID,
		Channel:     channel,
		Recipients:  in.Recipients,
		Params:      in.Params,
		Subject:     subject,
		Body:        body,
		Priority:    priority,
		Status:      model.NotificationQueued,
		Metadata:    in.Metadata,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deliveries.Save(ctx, d); err != nil {
		return nil, err
	}
	tlmNotifications.WithLabelValues("created").Inc()

	if err := s.engine.enqueue(d); err != nil {
		// The row is saved; it will be picked up by resume after a restart.
		log.Warnf("notification %s saved but not enqueued: %v", d.ID, err)
	}
	return d, nil
}

// Get returns an owned notification delivery.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*model.NotificationDelivery, error) {
	return s.loadDelivery(ctx, ownerID, id)
}

// List returns the owner's notification deliveries, newest first.
func (s *Service) List(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.NotificationDelivery, error) {
	return s.deliveries.ListByOwner(ctx, ownerID, opts)
}

// Cancel stops a queued notification. Deliveries a worker already picked up
// cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (*model.NotificationDelivery, error) {
	d, err := s.loadDelivery(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if d.Status != model.NotificationQueued {
		return nil, errors.NewConflict("notification %s is already %s", id, d.Status)
	}
	d.Status = model.NotificationCancelled
	d.UpdatedAt = time.Now()
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	tlmNotifications.WithLabelValues("cancelled").Inc()
	return d, nil
}

func (s *Service) loadTemplate(ctx context.Context, ownerID, id string) (*model.NotificationTemplate, error) {
	tpl, err := s.templates.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && tpl.OwnerID != ownerID {
		return nil, errors.NewForbidden("template %s does not belong to the caller", id)
	}
	return tpl, nil
}

func (s *Service) loadDelivery(ctx context.Context, ownerID, id string) (*model.NotificationDelivery, error) {
	d, err := s.deliveries.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && d.OwnerID != ownerID {
		return nil, errors.NewForbidden("notification %s does not belong to the caller", id)
	}
	return d, nil
}

func validateTemplate(tpl *model.NotificationTemplate) error {
	if tpl.Name == "" {
		return errors.NewValidation("template name is required")
	}
	if !model.KnownChannel(tpl.Channel) {
		return errors.NewValidation("unknown notification channel %q", tpl.Channel)
	}
	if tpl.Body == "" {
		return errors.NewValidation("template body is required")
	}
	declared := make(map[string]struct{})
	for _, name := range Placeholders(tpl.Subject) {
		declared[name] = struct{}{}
	}
	for _, name := range Placeholders(tpl.Body) {
		declared[name] = struct{}{}
	}
	for _, name := range tpl.RequiredParams {
		if _, ok := declared[name]; !ok {
			return errors.NewValidation("required parameter %q is not a placeholder in the template", name)
		}
	}
	return nil
}
