// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/reports"
)

func (s *Server) installReportRoutes(r *mux.Router) {
	r.HandleFunc("/reports/templates", s.createReportTemplate).Methods("POST")
	r.HandleFunc("/reports/templates", s.listReportTemplates).Methods("GET")
	r.HandleFunc("/reports/templates/{id}", s.getReportTemplate).Methods("GET")
	r.HandleFunc("/reports/templates/{id}", s.updateReportTemplate).Methods("PUT")
	r.HandleFunc("/reports/templates/{id}", s.deleteReportTemplate).Methods("DELETE")
	r.HandleFunc("/reports/executions/{id}", s.getExecution).Methods("GET")
	r.HandleFunc("/reports/executions/{id}/cancel", s.cancelExecution).Methods("POST")
	r.HandleFunc("/reports", s.createReport).Methods("POST")
	r.HandleFunc("/reports", s.listReports).Methods("GET")
	r.HandleFunc("/reports/{id}", s.getReport).Methods("GET")
	r.HandleFunc("/reports/{id}", s.updateReport).Methods("PUT")
	r.HandleFunc("/reports/{id}", s.deleteReport).Methods("DELETE")
	r.HandleFunc("/reports/{id}/run", s.runReport).Methods("POST")
	r.HandleFunc("/reports/{id}/executions", s.listExecutions).Methods("GET")
}

type createReportTemplateRequest struct {
	Name    string              `json:"name" validate:"required"`
	Title   string              `json:"title"`
	Queries []model.ReportQuery `json:"queries" validate:"required,min=1"`
	Params  map[string]string   `json:"params"`
}

type createReportRequest struct {
	Name       string             `json:"name" validate:"required"`
	TemplateID string             `json:"template_id" validate:"required"`
	Schedule   string             `json:"schedule" validate:"required"`
	Timezone   string             `json:"timezone"`
	Format     model.ReportFormat `json:"format" validate:"omitempty,oneof=json csv html"`
	Params     map[string]string  `json:"params"`
	Recipients []string           `json:"recipients"`
	Enabled    *bool              `json:"enabled"`
}

func (s *Server) createReportTemplate(w http.ResponseWriter, r *http.Request) {
	var req createReportTemplateRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tpl, err := s.hub.CreateReportTemplate(r.Context(), reports.TemplateInput{
		Name:    req.Name,
		Title:   req.Title,
		Queries: req.Queries,
		Params:  req.Params,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tpl)
}

func (s *Server) listReportTemplates(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	tpls, err := s.hub.ListReportTemplates(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, tpls, opts)
}

func (s *Server) getReportTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.hub.GetReportTemplate(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

func (s *Server) updateReportTemplate(w http.ResponseWriter, r *http.Request) {
	var patch reports.TemplatePatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, err)
		return
	}
	tpl, err := s.hub.UpdateReportTemplate(r.Context(), pathID(r), patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

func (s *Server) deleteReportTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteReportTemplate(r.Context(), pathID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	rep, err := s.hub.CreateReport(r.Context(), reports.ReportInput{
		Name:       req.Name,
		TemplateID: req.TemplateID,
		Schedule:   req.Schedule,
		Timezone:   req.Timezone,
		Format:     req.Format,
		Params:     req.Params,
		Recipients: req.Recipients,
		Enabled:    req.Enabled,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rep)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	reps, err := s.hub.ListReports(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, reps, opts)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.hub.GetReport(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) updateReport(w http.ResponseWriter, r *http.Request) {
	var patch reports.ReportPatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, err)
		return
	}
	rep, err := s.hub.UpdateReport(r.Context(), pathID(r), patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) deleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteReport(r.Context(), pathID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// runReport starts a manual execution. The run completes asynchronously;
// the response carries the execution while still running.
func (s *Server) runReport(w http.ResponseWriter, r *http.Request) {
	var in reports.RunInput
	if r.ContentLength != 0 {
		if err := decodeBody(r, &in); err != nil {
			respondError(w, err)
			return
		}
	}
	ex, err := s.hub.RunReport(r.Context(), pathID(r), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ex)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	exs, err := s.hub.ListReportExecutions(r.Context(), pathID(r), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, exs, opts)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.hub.GetReportExecution(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.hub.CancelReportExecution(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}
