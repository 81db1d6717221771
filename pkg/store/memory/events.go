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

type eventStore struct {
	mu   sync.RWMutex
	byID map[string]*model.Event
}

func newEventStore() *eventStore {
	return &eventStore{byID: make(map[string]*model.Event)}
}

func cloneEvent(in *model.Event) *model.Event {
	out := *in
	out.Payload = cloneAnyMap(in.Payload)
	out.Metadata = cloneStringMap(in.Metadata)
	return &out
}

func (s *eventStore) Save(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ev.ID]; ok {
		return errors.NewConflict("event %s already exists", ev.ID)
	}
	s.byID[ev.ID] = cloneEvent(ev)
	return nil
}

func (s *eventStore) FindByID(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("event", id)
	}
	return cloneEvent(ev), nil
}

func (s *eventStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Event
	for _, ev := range s.byID {
		if ev.OwnerID == ownerID {
			out = append(out, cloneEvent(ev))
		}
	}
	sortNewestFirst(out, func(e *model.Event) time.Time { return e.PublishedAt })
	return paginate(out, opts), nil
}

func (s *eventStore) FindByTimeRange(_ context.Context, from, to time.Time, opts store.ListOptions) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Event
	for _, ev := range s.byID {
		if !ev.PublishedAt.Before(from) && ev.PublishedAt.Before(to) {
			out = append(out, cloneEvent(ev))
		}
	}
	sortNewestFirst(out, func(e *model.Event) time.Time { return e.PublishedAt })
	return paginate(out, opts), nil
}

func (s *eventStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ev := range s.byID {
		if ev.PublishedAt.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

type subscriptionStore struct {
	mu   sync.RWMutex
	byID map[string]*model.Subscription
}

func newSubscriptionStore() *subscriptionStore {
	return &subscriptionStore{byID: make(map[string]*model.Subscription)}
}

func cloneSubscription(in *model.Subscription) *model.Subscription {
	out := *in
	if in.Filters != nil {
		out.Filters = make([]model.SubscriptionFilter, len(in.Filters))
		copy(out.Filters, in.Filters)
	}
	return &out
}

func (s *subscriptionStore) Save(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sub.ID]; ok {
		return errors.NewConflict("subscription %s already exists", sub.ID)
	}
	s.byID[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *subscriptionStore) Update(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sub.ID]; !ok {
		return errors.NewNotFound("subscription", sub.ID)
	}
	s.byID[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *subscriptionStore) FindByID(_ context.Context, id string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("subscription", id)
	}
	return cloneSubscription(sub), nil
}

func (s *subscriptionStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range s.byID {
		if sub.OwnerID == ownerID {
			out = append(out, cloneSubscription(sub))
		}
	}
	sortNewestFirst(out, func(s *model.Subscription) time.Time { return s.CreatedAt })
	return paginate(out, opts), nil
}

func (s *subscriptionStore) ListActive(_ context.Context) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range s.byID {
		if sub.Active {
			out = append(out, cloneSubscription(sub))
		}
	}
	sortNewestFirst(out, func(s *model.Subscription) time.Time { return s.CreatedAt })
	return out, nil
}

func (s *subscriptionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return errors.NewNotFound("subscription", id)
	}
	delete(s.byID, id)
	return nil
}
