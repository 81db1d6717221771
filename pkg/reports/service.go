// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reports

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// Service owns report templates, scheduled reports and their executions.
// Every read and write is owner scoped; an empty owner acts as the system
// and bypasses the check.
type Service struct {
	cfg       config.Reports
	templates store.ReportTemplateStore
	reports   store.ReportStore
	execs     store.ExecutionStore
	scheduler *Scheduler
}

// NewService wires the service and its scheduler. source answers template
// queries; notifier and publisher receive completion side effects and may
// be nil.
func NewService(cfg config.Reports, templates store.ReportTemplateStore, reports store.ReportStore, execs store.ExecutionStore, source DataSource, notifier Notifier, publisher Publisher) *Service {
	return &Service{
		cfg:       cfg,
		templates: templates,
		reports:   reports,
		execs:     execs,
		scheduler: NewScheduler(cfg, reports, templates, execs, source, notifier, publisher),
	}
}

// Start brings up the scheduler. Executions left running by an unclean
// shutdown are failed before the first tick.
func (s *Service) Start(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.scheduler.resume(ctx)
}

// Stop halts the scheduler, waiting out the shutdown grace period.
func (s *Service) Stop() {
	s.scheduler.Stop()
}

// Stats exposes scheduler activity for the status endpoint.
func (s *Service) Stats() Stats {
	return s.scheduler.Stats()
}

// TemplateInput is the create payload for a report template.
type TemplateInput struct {
	Name    string              `json:"name"`
	Title   string              `json:"title"`
	Queries []model.ReportQuery `json:"queries"`
	Params  map[string]string   `json:"params,omitempty"`
}

// CreateTemplate validates and stores a report template.
func (s *Service) CreateTemplate(ctx context.Context, ownerID string, in TemplateInput) (*model.ReportTemplate, error) {
	tpl := &model.ReportTemplate{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    strings.TrimSpace(in.Name),
		Title:   in.Title,
		Queries: in.Queries,
		Params:  in.Params,
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}
	now := timeNow().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if err := s.templates.Save(ctx, tpl); err != nil {
		return nil, err
	}
	log.Infof("report template %s created: %s", tpl.ID, tpl.Name)
	return tpl, nil
}

func validateTemplate(tpl *model.ReportTemplate) error {
	if tpl.Name == "" {
		return errors.NewValidation("a template name is required")
	}
	if strings.TrimSpace(tpl.Title) == "" {
		return errors.NewValidation("a template title is required")
	}
	if len(tpl.Queries) == 0 {
		return errors.NewValidation("at least one query is required")
	}
	seen := make(map[string]struct{}, len(tpl.Queries))
	for i, q := range tpl.Queries {
		if strings.TrimSpace(q.Name) == "" {
			return errors.NewValidation("query %d has no name", i+1)
		}
		if strings.TrimSpace(q.Query) == "" {
			return errors.NewValidation("query %q is empty", q.Name)
		}
		if _, ok := seen[q.Name]; ok {
			return errors.NewValidation("query name %q is used twice", q.Name)
		}
		seen[q.Name] = struct{}{}
	}
	return nil
}

// TemplatePatch carries optional updates; nil fields keep current values.
type TemplatePatch struct {
	Name    *string              `json:"name"`
	Title   *string              `json:"title"`
	Queries *[]model.ReportQuery `json:"queries"`
	Params  *map[string]string   `json:"params"`
}

// UpdateTemplate applies the patch and revalidates the whole template.
func (s *Service) UpdateTemplate(ctx context.Context, ownerID, id string, patch TemplatePatch) (*model.ReportTemplate, error) {
	tpl, err := s.loadTemplate(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		tpl.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Title != nil {
		tpl.Title = *patch.Title
	}
	if patch.Queries != nil {
		tpl.Queries = *patch.Queries
	}
	if patch.Params != nil {
		tpl.Params = *patch.Params
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}
	tpl.UpdatedAt = timeNow().UTC()
	if err := s.templates.Update(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplate returns an owned template.
func (s *Service) GetTemplate(ctx context.Context, ownerID, id string) (*model.ReportTemplate, error) {
	return s.loadTemplate(ctx, ownerID, id)
}

// ListTemplates returns the owner's templates, newest first.
func (s *Service) ListTemplates(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.ReportTemplate, error) {
	return s.templates.ListByOwner(ctx, ownerID, opts)
}

// DeleteTemplate removes a template. It refuses while any report still
// references it.
func (s *Service) DeleteTemplate(ctx context.Context, ownerID, id string) error {
	tpl, err := s.loadTemplate(ctx, ownerID, id)
	if err != nil {
		return err
	}
	referencing, err := s.reports.ListByOwner(ctx, tpl.OwnerID, store.ListOptions{})
	if err != nil {
		return err
	}
	for _, r := range referencing {
		if r.TemplateID == tpl.ID {
			return errors.NewConflict("template %s is used by report %q", tpl.ID, r.Name)
		}
	}
	return s.templates.Delete(ctx, id)
}

// ReportInput is the create payload for a scheduled report.
type ReportInput struct {
	Name       string             `json:"name"`
	TemplateID string             `json:"template_id"`
	Schedule   string             `json:"schedule"`
	Timezone   string             `json:"timezone,omitempty"`
	Format     model.ReportFormat `json:"format,omitempty"`
	Params     map[string]string  `json:"params,omitempty"`
	Recipients []string           `json:"recipients,omitempty"`
	Enabled    *bool              `json:"enabled,omitempty"`
}

// CreateReport validates the schedule, binds the report to one of the
// owner's templates and computes the first run time. Reports default to
// enabled and JSON output.
func (s *Service) CreateReport(ctx context.Context, ownerID string, in ReportInput) (*model.Report, error) {
	r := &model.Report{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       strings.TrimSpace(in.Name),
		TemplateID: in.TemplateID,
		Schedule:   strings.TrimSpace(in.Schedule),
		Timezone:   in.Timezone,
		Format:     in.Format,
		Params:     in.Params,
		Recipients: in.Recipients,
		Enabled:    true,
	}
	if in.Enabled != nil {
		r.Enabled = *in.Enabled
	}
	if r.Format == "" {
		r.Format = model.ReportJSON
	}
	sched, err := s.validateReport(ctx, r)
	if err != nil {
		return nil, err
	}
	now := timeNow().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Enabled {
		r.NextRunAt = sched.Next(now).UTC()
	}
	if err := s.reports.Save(ctx, r); err != nil {
		return nil, err
	}
	log.Infof("report %s scheduled: %s (%q in %s)", r.ID, r.Name, r.Schedule, timezoneOf(r))
	return r, nil
}

// validateReport checks everything but name uniqueness, which the store
// owns. It returns the compiled schedule so callers can compute run times.
func (s *Service) validateReport(ctx context.Context, r *model.Report) (cron.Schedule, error) {
	if r.Name == "" {
		return nil, errors.NewValidation("a report name is required")
	}
	if !model.KnownReportFormat(r.Format) {
		return nil, errors.NewValidation("unknown report format %q", r.Format)
	}
	for _, rcpt := range r.Recipients {
		if strings.TrimSpace(rcpt) == "" {
			return nil, errors.NewValidation("recipients must be non-empty")
		}
	}
	if r.TemplateID == "" {
		return nil, errors.NewValidation("a template id is required")
	}
	if _, err := s.loadTemplate(ctx, r.OwnerID, r.TemplateID); err != nil {
		return nil, err
	}
	return ParseSchedule(r.Schedule, r.Timezone)
}

func timezoneOf(r *model.Report) string {
	if r.Timezone == "" {
		return "UTC"
	}
	return r.Timezone
}

// ReportPatch carries optional updates; nil fields keep current values.
type ReportPatch struct {
	Name       *string             `json:"name"`
	TemplateID *string             `json:"template_id"`
	Schedule   *string             `json:"schedule"`
	Timezone   *string             `json:"timezone"`
	Format     *model.ReportFormat `json:"format"`
	Params     *map[string]string  `json:"params"`
	Recipients *[]string           `json:"recipients"`
	Enabled    *bool               `json:"enabled"`
}

// UpdateReport applies the patch and recomputes the next run time when the
// schedule, the timezone or the enabled flag changed. Disabling a report
// clears its next run time.
func (s *Service) UpdateReport(ctx context.Context, ownerID, id string, patch ReportPatch) (*model.Report, error) {
	r, err := s.loadReport(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	reschedule := false
	if patch.Name != nil {
		r.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.TemplateID != nil {
		r.TemplateID = *patch.TemplateID
	}
	if patch.Schedule != nil {
		r.Schedule = strings.TrimSpace(*patch.Schedule)
		reschedule = true
	}
	if patch.Timezone != nil {
		r.Timezone = *patch.Timezone
		reschedule = true
	}
	if patch.Format != nil {
		r.Format = *patch.Format
	}
	if patch.Params != nil {
		r.Params = *patch.Params
	}
	if patch.Recipients != nil {
		r.Recipients = *patch.Recipients
	}
	if patch.Enabled != nil && *patch.Enabled != r.Enabled {
		r.Enabled = *patch.Enabled
		reschedule = true
	}
	sched, err := s.validateReport(ctx, r)
	if err != nil {
		return nil, err
	}
	now := timeNow().UTC()
	if reschedule {
		if r.Enabled {
			r.NextRunAt = sched.Next(now).UTC()
		} else {
			r.NextRunAt = time.Time{}
		}
	}
	r.UpdatedAt = now
	if err := s.reports.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetReport returns an owned report.
func (s *Service) GetReport(ctx context.Context, ownerID, id string) (*model.Report, error) {
	return s.loadReport(ctx, ownerID, id)
}

// ListReports returns the owner's reports, newest first.
func (s *Service) ListReports(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Report, error) {
	return s.reports.ListByOwner(ctx, ownerID, opts)
}

// DeleteReport removes a report. Its execution history stays behind for
// the retention sweep.
func (s *Service) DeleteReport(ctx context.Context, ownerID, id string) error {
	if _, err := s.loadReport(ctx, ownerID, id); err != nil {
		return err
	}
	return s.reports.Delete(ctx, id)
}

// RunInput tunes one manual run.
type RunInput struct {
	Params map[string]string `json:"params,omitempty"`
}

// RunNow starts a manual execution, subject to the same per-report and
// worker-pool limits as scheduled runs. The execution is returned while
// still running; disabled reports can be run manually.
func (s *Service) RunNow(ctx context.Context, ownerID, id string, in RunInput) (*model.ReportExecution, error) {
	r, err := s.loadReport(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if len(in.Params) > 0 {
		r.Params = mergeParams(r.Params, in.Params)
	}
	return s.scheduler.begin(ctx, r, model.TriggerManual, timeNow().UTC())
}

// GetExecution returns an owned execution.
func (s *Service) GetExecution(ctx context.Context, ownerID, id string) (*model.ReportExecution, error) {
	return s.loadExecution(ctx, ownerID, id)
}

// ListExecutions returns the newest-first run history of an owned report.
func (s *Service) ListExecutions(ctx context.Context, ownerID, reportID string, opts store.ListOptions) ([]*model.ReportExecution, error) {
	if _, err := s.loadReport(ctx, ownerID, reportID); err != nil {
		return nil, err
	}
	return s.execs.ListByReport(ctx, reportID, opts)
}

// CancelExecution aborts a run. A live execution is interrupted and
// finalized by its runner, so the returned record may briefly still read
// as running.
func (s *Service) CancelExecution(ctx context.Context, ownerID, id string) (*model.ReportExecution, error) {
	ex, err := s.loadExecution(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return nil, errors.NewConflict("execution %s is already %s", ex.ID, ex.Status)
	}
	if err := s.scheduler.interrupt(ctx, ex); err != nil {
		return nil, err
	}
	return s.execs.FindByID(ctx, id)
}

func (s *Service) loadTemplate(ctx context.Context, ownerID, id string) (*model.ReportTemplate, error) {
	tpl, err := s.templates.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && tpl.OwnerID != ownerID {
		return nil, errors.NewForbidden("report template %s does not belong to the caller", id)
	}
	return tpl, nil
}

func (s *Service) loadReport(ctx context.Context, ownerID, id string) (*model.Report, error) {
	r, err := s.reports.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && r.OwnerID != ownerID {
		return nil, errors.NewForbidden("report %s does not belong to the caller", id)
	}
	return r, nil
}

func (s *Service) loadExecution(ctx context.Context, ownerID, id string) (*model.ReportExecution, error) {
	ex, err := s.execs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && ex.OwnerID != ownerID {
		return nil, errors.NewForbidden("execution %s does not belong to the caller", id)
	}
	return ex, nil
}
