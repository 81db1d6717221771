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

type reportTemplateStore struct {
	mu   sync.RWMutex
	byID map[string]*model.ReportTemplate
}

func newReportTemplateStore() *reportTemplateStore {
	return &reportTemplateStore{byID: make(map[string]*model.ReportTemplate)}
}

func cloneReportTemplate(in *model.ReportTemplate) *model.ReportTemplate {
	out := *in
	out.Params = cloneStringMap(in.Params)
	if in.Queries != nil {
		out.Queries = make([]model.ReportQuery, len(in.Queries))
		copy(out.Queries, in.Queries)
	}
	return &out
}

func (s *reportTemplateStore) Save(_ context.Context, tpl *model.ReportTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tpl.ID]; ok {
		return errors.NewConflict("report template %s already exists", tpl.ID)
	}
	for _, other := range s.byID {
		if other.OwnerID == tpl.OwnerID && other.Name == tpl.Name {
			return errors.NewConflict("report template name %q is already in use", tpl.Name)
		}
	}
	s.byID[tpl.ID] = cloneReportTemplate(tpl)
	return nil
}

func (s *reportTemplateStore) Update(_ context.Context, tpl *model.ReportTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tpl.ID]; !ok {
		return errors.NewNotFound("report template", tpl.ID)
	}
	for _, other := range s.byID {
		if other.ID != tpl.ID && other.OwnerID == tpl.OwnerID && other.Name == tpl.Name {
			return errors.NewConflict("report template name %q is already in use", tpl.Name)
		}
	}
	s.byID[tpl.ID] = cloneReportTemplate(tpl)
	return nil
}

func (s *reportTemplateStore) FindByID(_ context.Context, id string) (*model.ReportTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("report template", id)
	}
	return cloneReportTemplate(tpl), nil
}

func (s *reportTemplateStore) FindByOwnerAndName(_ context.Context, ownerID, name string) (*model.ReportTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tpl := range s.byID {
		if tpl.OwnerID == ownerID && tpl.Name == name {
			return cloneReportTemplate(tpl), nil
		}
	}
	return nil, errors.NewNotFound("report template", name)
}

func (s *reportTemplateStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.ReportTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ReportTemplate
	for _, tpl := range s.byID {
		if tpl.OwnerID == ownerID {
			out = append(out, cloneReportTemplate(tpl))
		}
	}
	sortNewestFirst(out, func(t *model.ReportTemplate) time.Time { return t.CreatedAt })
	return paginate(out, opts), nil
}

func (s *reportTemplateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return errors.NewNotFound("report template", id)
	}
	delete(s.byID, id)
	return nil
}

type reportStore struct {
	mu   sync.RWMutex
	byID map[string]*model.Report
}

func newReportStore() *reportStore {
	return &reportStore{byID: make(map[string]*model.Report)}
}

func cloneReport(in *model.Report) *model.Report {
	out := *in
	out.Params = cloneStringMap(in.Params)
	out.Recipients = cloneStringSlice(in.Recipients)
	return &out
}

func (s *reportStore) Save(_ context.Context, r *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[r.ID]; ok {
		return errors.NewConflict("report %s already exists", r.ID)
	}
	for _, other := range s.byID {
		if other.OwnerID == r.OwnerID && other.Name == r.Name {
			return errors.NewConflict("report name %q is already in use", r.Name)
		}
	}
	s.byID[r.ID] = cloneReport(r)
	return nil
}

func (s *reportStore) Update(_ context.Context, r *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[r.ID]; !ok {
		return errors.NewNotFound("report", r.ID)
	}
	for _, other := range s.byID {
		if other.ID != r.ID && other.OwnerID == r.OwnerID && other.Name == r.Name {
			return errors.NewConflict("report name %q is already in use", r.Name)
		}
	}
	s.byID[r.ID] = cloneReport(r)
	return nil
}

func (s *reportStore) FindByID(_ context.Context, id string) (*model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("report", id)
	}
	return cloneReport(r), nil
}

func (s *reportStore) FindByOwnerAndName(_ context.Context, ownerID, name string) (*model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.byID {
		if r.OwnerID == ownerID && r.Name == name {
			return cloneReport(r), nil
		}
	}
	return nil, errors.NewNotFound("report", name)
}

func (s *reportStore) ListByOwner(_ context.Context, ownerID string, opts store.ListOptions) ([]*model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Report
	for _, r := range s.byID {
		if r.OwnerID == ownerID {
			out = append(out, cloneReport(r))
		}
	}
	sortNewestFirst(out, func(r *model.Report) time.Time { return r.CreatedAt })
	return paginate(out, opts), nil
}

func (s *reportStore) ListEnabled(_ context.Context) ([]*model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Report
	for _, r := range s.byID {
		if r.Enabled {
			out = append(out, cloneReport(r))
		}
	}
	sortNewestFirst(out, func(r *model.Report) time.Time { return r.CreatedAt })
	return out, nil
}

func (s *reportStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return errors.NewNotFound("report", id)
	}
	delete(s.byID, id)
	return nil
}

type executionStore struct {
	mu   sync.RWMutex
	byID map[string]*model.ReportExecution
}

func newExecutionStore() *executionStore {
	return &executionStore{byID: make(map[string]*model.ReportExecution)}
}

func cloneExecution(in *model.ReportExecution) *model.ReportExecution {
	out := *in
	return &out
}

func (s *executionStore) Save(_ context.Context, ex *model.ReportExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ex.ID]; ok {
		return errors.NewConflict("execution %s already exists", ex.ID)
	}
	s.byID[ex.ID] = cloneExecution(ex)
	return nil
}

func (s *executionStore) Update(_ context.Context, ex *model.ReportExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[ex.ID]
	if !ok {
		return errors.NewNotFound("execution", ex.ID)
	}
	if current.Status.Terminal() {
		return errors.NewConflict("execution %s is %s and cannot change", ex.ID, current.Status)
	}
	if current.Status != ex.Status && !current.Status.CanTransition(ex.Status) {
		return errors.NewConflict("execution %s cannot move from %s to %s", ex.ID, current.Status, ex.Status)
	}
	s.byID[ex.ID] = cloneExecution(ex)
	return nil
}

func (s *executionStore) FindByID(_ context.Context, id string) (*model.ReportExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFound("execution", id)
	}
	return cloneExecution(ex), nil
}

func (s *executionStore) ListRunning(_ context.Context) ([]*model.ReportExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ReportExecution
	for _, ex := range s.byID {
		if ex.Status == model.ExecutionRunning {
			out = append(out, cloneExecution(ex))
		}
	}
	sortNewestFirst(out, func(e *model.ReportExecution) time.Time { return e.StartedAt })
	return out, nil
}

func (s *executionStore) ListByReport(_ context.Context, reportID string, opts store.ListOptions) ([]*model.ReportExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ReportExecution
	for _, ex := range s.byID {
		if ex.ReportID == reportID {
			out = append(out, cloneExecution(ex))
		}
	}
	sortNewestFirst(out, func(e *model.ReportExecution) time.Time { return e.StartedAt })
	return paginate(out, opts), nil
}

func (s *executionStore) FindByTimeRange(_ context.Context, from, to time.Time, opts store.ListOptions) ([]*model.ReportExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ReportExecution
	for _, ex := range s.byID {
		if !ex.StartedAt.Before(from) && ex.StartedAt.Before(to) {
			out = append(out, cloneExecution(ex))
		}
	}
	sortNewestFirst(out, func(e *model.ReportExecution) time.Time { return e.StartedAt })
	return paginate(out, opts), nil
}

func (s *executionStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ex := range s.byID {
		if ex.Status.Terminal() && ex.FinishedAt.Before(cutoff) && !ex.FinishedAt.IsZero() {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}
