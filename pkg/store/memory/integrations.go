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

type integrationStore struct {
	mu   sync.RWMutex
	byID map[string]*model.Integration
}

func newIntegrationStore() *integrationStore {
	return &integrationStore{byID: make(map[string]*model.Integration)}
}

func cloneIntegration(in *model.Integration) *model.Integration {
	out := *in
	out.Config = cloneAnyMap(in.Config)
	return &out
}

func (s *integrationStore) Save(_ context.Context, in *model.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[in.ID]; ok {
		return errors.NewConflict("integration %s already exists", in.ID)
	}
	for _, other := range s.byID {
		if other.OwnerID == in.OwnerID && other.Name == in.Name {
			return errors.NewConflict("integration name %q is already in use", in.Name)
		}
	}
	s.byID[in.ID] = cloneIntegration(in)
	return nil
}

func (s *integrationStore) Update(_ context.Context, in *model.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[in.ID]; !ok {
		return errors.NewNotFound("integration", in.ID)
	}
	for _, other := range s.byID {
		if other.ID != in.ID && other.OwnerID == in.OwnerID && other.Name == in.Name {
			return errors.NewConflict("integration name %q is already in use", in.Name)
		}
	}
	s.byID[in.ID] = cloneIntegration(in)
	return nil
}

func (s *integrationStore) FindByID(_ context.Context, id string) (*model.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("integration", id)
	}
	return cloneIntegration(in), nil
}

func (s *integrationStore) FindByOwnerAndName(_ context.Context, ownerID, name string) (*model.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, in := range s.byID {
		if in.OwnerID == ownerID && in.Name == name {
			return cloneIntegration(in), nil
		}
	}
	return nil, errors.NewNotFound("integration", name)
}

func (s *integrationStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Integration
	for _, in := range s.byID {
		if in.OwnerID == ownerID {
			out = append(out, cloneIntegration(in))
		}
	}
	sortNewestFirst(out, func(i *model.Integration) time.Time { return i.CreatedAt })
	return paginate(out, opts), nil
}

func (s *integrationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return errors.NewNotFound("integration", id)
	}
	delete(s.byID, id)
	return nil
}

func (s *integrationStore) CountByOwner(_ context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, in := range s.byID {
		if in.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}
