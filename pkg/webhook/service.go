// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webhook

import (
	"context"
	"net/url"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// Service registers webhooks and feeds the delivery engine. All operations
// taking an ownerID enforce that the caller owns the resource; an empty
// ownerID is the system acting on its own behalf.
type Service struct {
	cfg        config.Webhooks
	webhooks   store.WebhookStore
	deliveries store.DeliveryStore
	engine     *Engine
}

// NewService wires a Service and its engine over the given stores.
func NewService(cfg config.Webhooks, webhooks store.WebhookStore, deliveries store.DeliveryStore) *Service {
	return &Service{
		cfg:        cfg,
		webhooks:   webhooks,
		deliveries: deliveries,
		engine:     NewEngine(cfg, deliveries),
	}
}

// OnDelivered registers fn to run after each delivery reaches delivered
// status. It must be called before Start.
func (s *Service) OnDelivered(fn func(context.Context, *model.WebhookDelivery)) {
	s.engine.OnDelivered(fn)
}

// Start brings up the delivery engine and re-enqueues deliveries that were
// pending when the previous process stopped.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.Start(); err != nil {
		return err
	}
	return s.resume(ctx)
}

// Stop halts the delivery engine. Pending deliveries stay in the store.
func (s *Service) Stop() {
	s.engine.Stop()
}

func (s *Service) resume(ctx context.Context) error {
	pending, err := s.deliveries.ListPending(ctx, s.cfg.RetryQueueLimit)
	if err != nil {
		return err
	}

	resumed := 0
	for _, d := range pending {
		wh, err := s.webhooks.FindByID(ctx, d.WebhookID)
		if err != nil {
			// The webhook is gone; the delivery can never complete.
			d.Status = model.DeliveryFailed
			d.NextAttemptAt = time.Time{}
			d.UpdatedAt = time.Now()
			if uerr := s.deliveries.Update(ctx, d); uerr != nil {
				log.Warnf("webhook delivery %s: marking orphan failed: %v", d.ID, uerr)
			}
			tlmDeliveries.WithLabelValues("orphaned").Inc()
			continue
		}
		if d.AttemptCount() >= d.MaxAttempts {
			// The process died between the last attempt and its bookkeeping.
			d.Status = model.DeliveryExhausted
			d.NextAttemptAt = time.Time{}
			d.UpdatedAt = time.Now()
			if uerr := s.deliveries.Update(ctx, d); uerr != nil {
				log.Warnf("webhook delivery %s: marking exhausted on resume: %v", d.ID, uerr)
			}
			tlmDeliveries.WithLabelValues("exhausted").Inc()
			continue
		}
		if err := s.engine.enqueue(s.transactionFor(d, wh)); err != nil {
			return err
		}
		resumed++
	}
	if resumed > 0 {
		log.Infof("resumed %d pending webhook deliveries", resumed)
	}
	return nil
}

// RegisterInput carries the caller-supplied fields of a new webhook.
type RegisterInput struct {
	Name        string   `json:"name"`
	TargetURL   string   `json:"target_url"`
	Secret      string   `json:"secret"`
	EventTypes  []string `json:"event_types"`
	MaxAttempts int      `json:"max_attempts"`
	RateLimit   float64  `json:"rate_limit"`
}

// Register validates and persists a new webhook owned by ownerID. The
// webhook starts active.
func (s *Service) Register(ctx context.Context, ownerID string, in RegisterInput) (*model.Webhook, error) {
	if err := validateWebhook(in.Name, in.TargetURL, in.Secret, in.EventTypes, in.MaxAttempts, in.RateLimit); err != nil {
		return nil, err
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	now := time.Now()
	wh := &model.Webhook{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        in.Name,
		TargetURL:   in.TargetURL,
		Secret:      in.Secret,
		EventTypes:  in.EventTypes,
		MaxAttempts: maxAttempts,
		RateLimit:   in.RateLimit,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.webhooks.Save(ctx, wh); err != nil {
		return nil, err
	}
	log.Infof("registered webhook %s (%q) for %s", wh.ID, wh.Name, wh.TargetURL)
	return wh, nil
}

// UpdatePatch carries partial webhook updates; nil fields stay unchanged.
type UpdatePatch struct {
	Name        *string  `json:"name"`
	TargetURL   *string  `json:"target_url"`
	Secret      *string  `json:"secret"`
	EventTypes  []string `json:"event_types"`
	MaxAttempts *int     `json:"max_attempts"`
	RateLimit   *float64 `json:"rate_limit"`
	Active      *bool    `json:"active"`
}

// Update applies a patch to an owned webhook. The patched webhook is
// revalidated as a whole.
func (s *Service) Update(ctx context.Context, ownerID, id string, patch UpdatePatch) (*model.Webhook, error) {
	wh, err := s.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		wh.Name = *patch.Name
	}
	if patch.TargetURL != nil {
		wh.TargetURL = *patch.TargetURL
	}
	if patch.Secret != nil {
		wh.Secret = *patch.Secret
	}
	if patch.EventTypes != nil {
		wh.EventTypes = patch.EventTypes
	}
	if patch.MaxAttempts != nil {
		wh.MaxAttempts = *patch.MaxAttempts
	}
	if patch.RateLimit != nil {
		wh.RateLimit = *patch.RateLimit
	}
	if patch.Active != nil {
		wh.Active = *patch.Active
	}

	if err := validateWebhook(wh.Name, wh.TargetURL, wh.Secret, wh.EventTypes, wh.MaxAttempts, wh.RateLimit); err != nil {
		return nil, err
	}
	wh.UpdatedAt = time.Now()
	if err := s.webhooks.Update(ctx, wh); err != nil {
		return nil, err
	}
	return wh, nil
}

// Get returns an owned webhook.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*model.Webhook, error) {
	return s.load(ctx, ownerID, id)
}

// List returns the caller's webhooks, newest first.
func (s *Service) List(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Webhook, error) {
	return s.webhooks.ListByOwner(ctx, ownerID, opts)
}

// Delete removes an owned webhook. Its delivery history is kept until the
// retention sweep prunes it.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.load(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.webhooks.Delete(ctx, id); err != nil {
		return err
	}
	log.Infof("deleted webhook %s", id)
	return nil
}

// DispatchEvent fans an event out to every active webhook whose pattern set
// matches its type. Webhooks only see events published by their own owner or
// by the system. Returns the deliveries created.
func (s *Service) DispatchEvent(ctx context.Context, ev *model.Event) ([]*model.WebhookDelivery, error) {
	webhooks, err := s.webhooks.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var out []*model.WebhookDelivery
	for _, wh := range webhooks {
		if ev.OwnerID != "" && wh.OwnerID != ev.OwnerID {
			continue
		}
		if !matchesType(wh.EventTypes, ev.Type) {
			continue
		}
		d, err := s.Dispatch(ctx, wh, ev)
		if err != nil {
			log.Warnf("dispatching event %s to webhook %s: %v", ev.ID, wh.ID, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Dispatch creates a pending delivery of ev against wh and hands it to the
// engine. The payload is canonicalized once here; retries all sign and send
// the exact same bytes.
func (s *Service) Dispatch(ctx context.Context, wh *model.Webhook, ev *model.Event) (*model.WebhookDelivery, error) {
	if !wh.Active {
		return nil, errors.NewValidation("webhook %s is not active", wh.ID)
	}
	payload, err := model.CanonicalJSON(ev.Payload)
	if err != nil {
		return nil, errors.NewValidation("event payload cannot be canonicalized: %v", err)
	}

	maxAttempts := wh.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	now := time.Now()
	d := &model.WebhookDelivery{
		ID:            uuid.NewString(),
		WebhookID:     wh.ID,
		OwnerID:       wh.OwnerID,
		EventID:       ev.ID,
		EventType:     ev.Type,
		Payload:       payload,
		Status:        model.DeliveryPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deliveries.Save(ctx, d); err != nil {
		return nil, err
	}
	tlmDeliveries.WithLabelValues("created").Inc()

	if err := s.engine.enqueue(s.transactionFor(d, wh)); err != nil {
		// The row is saved; it will resume when the engine next starts.
		log.Warnf("webhook delivery %s saved but not enqueued: %v", d.ID, err)
	}
	return d, nil
}

// DispatchTo enqueues ev against one webhook looked up by id. The event
// broker uses this for webhook-backed subscriptions; a deleted webhook
// surfaces as not-found so the caller can retire the subscription.
func (s *Service) DispatchTo(ctx context.Context, webhookID string, ev *model.Event) error {
	wh, err := s.webhooks.FindByID(ctx, webhookID)
	if err != nil {
		return err
	}
	_, err = s.Dispatch(ctx, wh, ev)
	return err
}

// Deliver enqueues an ad-hoc payload against an owned webhook, outside of
// any published event. eventType defaults to "webhook.manual".
func (s *Service) Deliver(ctx context.Context, ownerID, webhookID, eventType string, payload map[string]interface{}) (*model.WebhookDelivery, error) {
	wh, err := s.load(ctx, ownerID, webhookID)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		eventType = "webhook.manual"
	}
	ev := &model.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      "webhook.deliver",
		OwnerID:     wh.OwnerID,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
	return s.Dispatch(ctx, wh, ev)
}

// GetDelivery returns one owned delivery record.
func (s *Service) GetDelivery(ctx context.Context, ownerID, id string) (*model.WebhookDelivery, error) {
	d, err := s.deliveries.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && d.OwnerID != ownerID {
		return nil, errors.NewForbidden("delivery %s does not belong to the caller", id)
	}
	return d, nil
}

// ListDeliveries returns the delivery history of an owned webhook, newest
// first.
func (s *Service) ListDeliveries(ctx context.Context, ownerID, webhookID string, opts store.ListOptions) ([]*model.WebhookDelivery, error) {
	if _, err := s.load(ctx, ownerID, webhookID); err != nil {
		return nil, err
	}
	return s.deliveries.ListByWebhook(ctx, webhookID, opts)
}

// CancelDelivery stops a pending delivery. Terminal deliveries cannot be
// cancelled; the workers observe the new status before their next attempt.
func (s *Service) CancelDelivery(ctx context.Context, ownerID, id string) (*model.WebhookDelivery, error) {
	d, err := s.GetDelivery(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, errors.NewConflict("delivery %s is already %s", id, d.Status)
	}

	d.Status = model.DeliveryCancelled
	d.NextAttemptAt = time.Time{}
	d.UpdatedAt = time.Now()
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	tlmDeliveries.WithLabelValues("cancelled").Inc()
	log.Infof("cancelled webhook delivery %s", id)
	return d, nil
}

func (s *Service) load(ctx context.Context, ownerID, id string) (*model.Webhook, error) {
	wh, err := s.webhooks.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && wh.OwnerID != ownerID {
		return nil, errors.NewForbidden("webhook %s does not belong to the caller", id)
	}
	return wh, nil
}

func (s *Service) transactionFor(d *model.WebhookDelivery, wh *model.Webhook) *transaction {
	nextFlush := d.NextAttemptAt
	if nextFlush.IsZero() {
		nextFlush = d.CreatedAt
	}
	return &transaction{
		deliveryID:  d.ID,
		target:      wh.TargetURL,
		secret:      []byte(wh.Secret),
		eventID:     d.EventID,
		eventType:   d.EventType,
		payload:     d.Payload,
		maxAttempts: d.MaxAttempts,
		rateLimit:   wh.RateLimit,
		createdAt:   d.CreatedAt,
		nextFlush:   nextFlush,
	}
}

func validateWebhook(name, targetURL, secret string, eventTypes []string, maxAttempts int, rateLimit float64) error {
	if name == "" {
		return errors.NewValidation("webhook name must not be empty")
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return errors.NewValidation("target URL %q does not parse: %v", targetURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewValidation("target URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.NewValidation("target URL %q has no host", targetURL)
	}
	if secret == "" {
		return errors.NewValidation("webhook secret must not be empty")
	}
	if len(eventTypes) == 0 {
		return errors.NewValidation("webhook needs at least one event type pattern")
	}
	for _, p := range eventTypes {
		if _, err := glob.Compile(p, '.'); err != nil {
			return errors.NewValidation("event type pattern %q does not compile: %v", p, err)
		}
	}
	if maxAttempts < 0 {
		return errors.NewValidation("max_attempts must not be negative")
	}
	if rateLimit < 0 {
		return errors.NewValidation("rate_limit must not be negative")
	}
	return nil
}

// matchesType reports whether any pattern matches the event type. Patterns
// were validated at registration; one that no longer compiles never matches.
func matchesType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			continue
		}
		if g.Match(eventType) {
			return true
		}
	}
	return false
}
