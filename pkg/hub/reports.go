// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"

	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/reports"
	"github.com/eden-vertex/vertex/pkg/store"
)

// CreateReportTemplate registers a report template for the caller.
func (s *Service) CreateReportTemplate(ctx context.Context, in reports.TemplateInput) (*model.ReportTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := s.reports.CreateTemplate(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "report.template.created", reportTemplatePayload(tpl))
	return tpl, nil
}

// GetReportTemplate returns one of the caller's report templates.
func (s *Service) GetReportTemplate(ctx context.Context, id string) (*model.ReportTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.reports.GetTemplate(ctx, ownerID, id)
}

// ListReportTemplates returns the caller's report templates, newest first.
func (s *Service) ListReportTemplates(ctx context.Context, opts store.ListOptions) ([]*model.ReportTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.reports.ListTemplates(ctx, ownerID, opts)
}

// UpdateReportTemplate applies a patch to one of the caller's report
// templates.
func (s *Service) UpdateReportTemplate(ctx context.Context, id string, patch reports.TemplatePatch) (*model.ReportTemplate, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := s.reports.UpdateTemplate(ctx, ownerID, id, patch)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "report.template.updated", reportTemplatePayload(tpl))
	return tpl, nil
}

// DeleteReportTemplate removes one of the caller's report templates. A
// template still referenced by a report cannot go away.
func (s *Service) DeleteReportTemplate(ctx context.Context, id string) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return err
	}
	if err := s.reports.DeleteTemplate(ctx, ownerID, id); err != nil {
		return err
	}
	s.emit(ctx, ownerID, "report.template.deleted", map[string]interface{}{
		"template_id": id,
	})
	return nil
}

// CreateReport schedules a report for the caller.
func (s *Service) CreateReport(ctx context.Context, in reports.ReportInput) (*model.Report, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.reports.CreateReport(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "report.created", reportPayload(r))
	return r, nil
}

// GetReport returns one of the caller's reports.
func (s *Service) GetReport(ctx context.Context, id string) (*model.Report, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.reports.GetReport(ctx, ownerID, id)
}

// ListReports returns the caller's reports, newest first.
func (s *Service) ListReports(ctx context.Context, opts store.ListOptions) ([]*model.Report, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.reports.ListReports(ctx, ownerID, opts)
}

// UpdateReport applies a patch to one of the caller's reports and
// reschedules it when the schedule or timezone changed.
func (s *Service) UpdateReport(ctx context.Context, id string, patch reports.ReportPatch) (*model.Report, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.reports.UpdateReport(ctx, ownerID, id, patch)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "report.updated", reportPayload(r))
	return r, nil
}

// DeleteReport removes one of the caller's reports. Execution history is
// kept until the retention sweep.
func (s *Service) DeleteReport(ctx context.Context, id string) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return err
	}
	if err := s.reports.DeleteReport(ctx, ownerID, id); err != nil {
		return err
	}
	s.emit(ctx, ownerID, "report.deleted", map[string]interface{}{
		"report_id": id,
	})
	return nil
}

// RunReport starts a manual execution of one of the caller's reports. The
// run's completion or failure publishes its own event from the scheduler;
// the lifecycle event here records that an execution was accepted.
func (s *Service) RunReport(ctx context.Context, id string, in reports.RunInput) (*model.ReportExecution, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	ex, err := s.reports.RunNow(ctx, ownerID, id, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "report.execution.started", executionPayload(ex))
	return ex, nil
}

// GetReportExecution returns one of the caller's executions.
func (s *Service) GetReportExecution(ctx context.Context, id string) (*model.ReportExecution, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.reports.GetExecution(ctx, ownerID, id)
}

// ListReportExecutions returns the execution history of one of the
// caller's reports, newest first.
func (s *Service) ListReportExecutions(ctx context.Context, reportID string, opts store.ListOptions) ([]*model.ReportExecution, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.reports.ListExecutions(ctx, ownerID, reportID, opts)
}

// CancelReportExecution stops a running execution.
func (s *Service) CancelReportExecution(ctx context.Context, id string) (*model.ReportExecution, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	ex, err := s.reports.CancelExecution(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "report.execution.cancelled", executionPayload(ex))
	return ex, nil
}

func reportTemplatePayload(tpl *model.ReportTemplate) map[string]interface{} {
	return map[string]interface{}{
		"template_id": tpl.ID,
		"name":        tpl.Name,
	}
}

func reportPayload(r *model.Report) map[string]interface{} {
	return map[string]interface{}{
		"report_id": r.ID,
		"name":      r.Name,
		"schedule":  r.Schedule,
		"enabled":   r.Enabled,
	}
}

func executionPayload(ex *model.ReportExecution) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": ex.ID,
		"report_id":    ex.ReportID,
		"trigger":      string(ex.Trigger),
		"status":       string(ex.Status),
	}
}
