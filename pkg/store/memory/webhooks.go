// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
)

type webhookStore struct {
	mu   sync.RWMutex
	byID map[string]*model.Webhook
}

func newWebhookStore() *webhookStore {
	return &webhookStore{byID: make(map[string]*model.Webhook)}
}

func cloneWebhook(in *model.Webhook) *model.Webhook {
	out := *in
	out.EventTypes = cloneStringSlice(in.EventTypes)
	return &out
}

func (s *webhookStore) Save(_ context.Context, wh *model.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[wh.ID]; ok {
		return errors.NewConflict("webhook %s already exists", wh.ID)
	}
	for _, other := range s.byID {
		if other.OwnerID == wh.OwnerID && other.Name == wh.Name {
			return errors.NewConflict("webhook name %q is already in use", wh.Name)
		}
	}
	s.byID[wh.ID] = cloneWebhook(wh)
	return nil
}

func (s *webhookStore) Update(_ context.Context, wh *model.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[wh.ID]; !ok {
		return errors.NewNotFound("webhook", wh.ID)
	}
	for _, other := range s.byID {
		if other.ID != wh.ID && other.OwnerID == wh.OwnerID && other.Name == wh.Name {
			return errors.NewConflict("webhook name %q is already in use", wh.Name)
		}
	}
	s.byID[wh.ID] = cloneWebhook(wh)
	return nil
}

func (s *webhookStore) FindByID(_ context.Context, id string) (*model.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wh, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("webhook", id)
	}
	return cloneWebhook(wh), nil
}

func (s *webhookStore) FindByOwnerAndName(_ context.Context, ownerID, name string) (*model.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wh := range s.byID {
		if wh.OwnerID == ownerID && wh.Name == name {
			return cloneWebhook(wh), nil
		}
	}
	return nil, errors.NewNotFound("webhook", name)
}

func (s *webhookStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Webhook
	for _, wh := range s.byID {
		if wh.OwnerID == ownerID {
			out = append(out, cloneWebhook(wh))
		}
	}
	sortNewestFirst(out, func(w *model.Webhook) time.Time { return w.CreatedAt })
	return paginate(out, opts), nil
}

func (s *webhookStore) ListActive(_ context.Context) ([]*model.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Webhook
	for _, wh := range s.byID {
		if wh.Active {
			out = append(out, cloneWebhook(wh))
		}
	}
	sortNewestFirst(out, func(w *model.Webhook) time.Time { return w.CreatedAt })
	return out, nil
}

func (s *webhookStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return errors.NewNotFound("webhook", id)
	}
	delete(s.byID, id)
	return nil
}

type deliveryStore struct {
	mu   sync.RWMutex
	byID map[string]*model.WebhookDelivery
}

func newDeliveryStore() *deliveryStore {
	return &deliveryStore{byID: make(map[string]*model.WebhookDelivery)}
}

func cloneDelivery(in *model.WebhookDelivery) *model.WebhookDelivery {
	out := *in
	if in.Payload != nil {
		out.Payload = make([]byte, len(in.Payload))
		copy(out.Payload, in.Payload)
	}
	if in.Attempts != nil {
		out.Attempts = make([]model.DeliveryAttempt, len(in.Attempts))
		copy(out.Attempts, in.Attempts)
	}
	return &out
}

func (s *deliveryStore) Save(_ context.Context, d *model.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[d.ID]; ok {
		return errors.NewConflict("delivery %s already exists", d.ID)
	}
	s.byID[d.ID] = cloneDelivery(d)
	return nil
}

func (s *deliveryStore) Update(_ context.Context, d *model.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[d.ID]
	if !ok {
		return errors.NewNotFound("delivery", d.ID)
	}
	if current.Status.Terminal() {
		return errors.NewConflict("delivery %s is %s and cannot change", d.ID, current.Status)
	}
	if !current.Status.CanTransition(d.Status) {
		return errors.NewConflict("delivery %s cannot move from %s to %s", d.ID, current.Status, d.Status)
	}
	s.byID[d.ID] = cloneDelivery(d)
	return nil
}

func (s *deliveryStore) FindByID(_ context.Context, id string) (*model.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("delivery", id)
	}
	return cloneDelivery(d), nil
}

func (s *deliveryStore) ListByWebhook(_ context.Context, webhookID string, opts store.ListOptions) ([]*model.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WebhookDelivery
	for _, d := range s.byID {
		if d.WebhookID == webhookID {
			out = append(out, cloneDelivery(d))
		}
	}
	sortNewestFirst(out, func(d *model.WebhookDelivery) time.Time { return d.CreatedAt })
	return paginate(out, opts), nil
}

func (s *deliveryStore) ListPending(_ context.Context, limit int) ([]*model.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WebhookDelivery
	for _, d := range s.byID {
		if !d.Status.Terminal() {
			out = append(out, cloneDelivery(d))
		}
	}
	// Oldest first so resumption drains in FIFO order.
	sortNewestFirst(out, func(d *model.WebhookDelivery) time.Time { return d.CreatedAt })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *deliveryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.byID {
		if d.Status.Terminal() && d.UpdatedAt.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}
