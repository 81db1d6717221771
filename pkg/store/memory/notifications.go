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

type notificationTemplateStore struct {
	mu   sync.RWMutex
	byID map[string]*model.NotificationTemplate
}

func newNotificationTemplateStore() *notificationTemplateStore {
	return &notificationTemplateStore{byID: make(map[string]*model.NotificationTemplate)}
}

func cloneNotificationTemplate(in *model.NotificationTemplate) *model.NotificationTemplate {
	out := *in
	out.RequiredParams = cloneStringSlice(in.RequiredParams)
	return &out
}

func (s *notificationTemplateStore) Save(_ context.Context, tpl *model.NotificationTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tpl.ID]; ok {
		return errors.NewConflict("template %s already exists", tpl.ID)
	}
	for _, other := range s.byID {
		if other.OwnerID == tpl.OwnerID && other.Name == tpl.Name {
			return errors.NewConflict("template name %q is already in use", tpl.Name)
		}
	}
	s.byID[tpl.ID] = cloneNotificationTemplate(tpl)
	return nil
}

func (s *notificationTemplateStore) Update(_ context.Context, tpl *model.NotificationTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tpl.ID]; !ok {
		return errors.NewNotFound("template", tpl.ID)
	}
	for _, other := range s.byID {
		if other.ID != tpl.ID && other.OwnerID == tpl.OwnerID && other.Name == tpl.Name {
			return errors.NewConflict("template name %q is already in use", tpl.Name)
		}
	}
	s.byID[tpl.ID] = cloneNotificationTemplate(tpl)
	return nil
}

func (s *notificationTemplateStore) FindByID(_ context.Context, id string) (*model.NotificationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("template", id)
	}
	return cloneNotificationTemplate(tpl), nil
}

func (s *notificationTemplateStore) FindByOwnerAndName(_ context.Context, ownerID, name string) (*model.NotificationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tpl := range s.byID {
		if tpl.OwnerID == ownerID && tpl.Name == name {
			return cloneNotificationTemplate(tpl), nil
		}
	}
	return nil, errors.NewNotFound("template", name)
}

func (s *notificationTemplateStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.NotificationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NotificationTemplate
	for _, tpl := range s.byID {
		if tpl.OwnerID == ownerID {
			out = append(out, cloneNotificationTemplate(tpl))
		}
	}
	sortNewestFirst(out, func(t *model.NotificationTemplate) time.Time { return t.CreatedAt })
	return paginate(out, opts), nil
}

func (s *notificationTemplateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return errors.NewNotFound("template", id)
	}
	delete(s.byID, id)
	return nil
}

type notificationStore struct {
	mu   sync.RWMutex
	byID map[string]*model.NotificationDelivery
}

func newNotificationStore() *notificationStore {
	return &notificationStore{byID: make(map[string]*model.NotificationDelivery)}
}

func cloneNotification(in *model.NotificationDelivery) *model.NotificationDelivery {
	out := *in
	out.Recipients = cloneStringSlice(in.Recipients)
	out.Params = cloneStringMap(in.Params)
	out.Metadata = cloneAnyMap(in.Metadata)
	if in.Results != nil {
		out.Results = make([]model.RecipientResult, len(in.Results))
		copy(out.Results, in.Results)
	}
	return &out
}

func (s *notificationStore) Save(_ context.Context, d *model.NotificationDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[d.ID]; ok {
		return errors.NewConflict("notification %s already exists", d.ID)
	}
	s.byID[d.ID] = cloneNotification(d)
	return nil
}

func (s *notificationStore) Update(_ context.Context, d *model.NotificationDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[d.ID]
	if !ok {
		return errors.NewNotFound("notification", d.ID)
	}
	if current.Status.Final() {
		return errors.NewConflict("notification %s is %s and cannot change", d.ID, current.Status)
	}
	if current.Status != d.Status && !current.Status.CanTransition(d.Status) {
		return errors.NewConflict("notification %s cannot move from %s to %s", d.ID, current.Status, d.Status)
	}
	s.byID[d.ID] = cloneNotification(d)
	return nil
}

func (s *notificationStore) ListPending(_ context.Context, limit int) ([]*model.NotificationDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NotificationDelivery
	for _, d := range s.byID {
		if d.Status == model.NotificationQueued || d.Status == model.NotificationSending {
			out = append(out, cloneNotification(d))
		}
	}
	// Oldest first so resumption drains in FIFO order.
	sortNewestFirst(out, func(d *model.NotificationDelivery) time.Time { return d.ScheduledAt })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *notificationStore) FindByID(_ context.Context, id string) (*model.NotificationDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("notification", id)
	}
	return cloneNotification(d), nil
}

func (s *notificationStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.NotificationDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NotificationDelivery
	for _, d := range s.byID {
		if d.OwnerID == ownerID {
			out = append(out, cloneNotification(d))
		}
	}
	sortNewestFirst(out, func(d *model.NotificationDelivery) time.Time { return d.CreatedAt })
	return paginate(out, opts), nil
}

func (s *notificationStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
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
