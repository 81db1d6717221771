// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/notify"
)

func (s *Server) installNotificationRoutes(r *mux.Router) {
	r.HandleFunc("/notifications/templates", s.createNotificationTemplate).Methods("POST")
	r.HandleFunc("/notifications/templates", s.listNotificationTemplates).Methods("GET")
	r.HandleFunc("/notifications/templates/{id}", s.getNotificationTemplate).Methods("GET")
	r.HandleFunc("/notifications/templates/{id}", s.updateNotificationTemplate).Methods("PUT")
	r.HandleFunc("/notifications/templates/{id}", s.deleteNotificationTemplate).Methods("DELETE")
	r.HandleFunc("/notifications/send", s.sendNotification).Methods("POST")
	r.HandleFunc("/notifications", s.listNotifications).Methods("GET")
	r.HandleFunc("/notifications/{id}", s.getNotification).Methods("GET")
	r.HandleFunc("/notifications/{id}/cancel", s.cancelNotification).Methods("POST")
}

type createNotificationTemplateRequest struct {
	Name           string   `json:"name" validate:"required"`
	Channel        string   `json:"channel" validate:"required,oneof=email sms push chat custom"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body" validate:"required"`
	RequiredParams []string `json:"required_params"`
}

type sendNotificationRequest struct {
	TemplateID  string                 `json:"template_id"`
	Channel     string                 `json:"channel" validate:"omitempty,oneof=email sms push chat custom"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	Recipients  []string               `json:"recipients" validate:"required,min=1"`
	Params      map[string]string      `json:"params"`
	Priority    string                 `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (s *Server) createNotificationTemplate(w http.ResponseWriter, r *http.Request) {
	var req createNotificationTemplateRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tpl, err := s.hub.CreateNotificationTemplate(r.Context(), notify.TemplateInput{
		Name:           req.Name,
		Channel:        req.Channel,
		Subject:        req.Subject,
		Body:           req.Body,
		RequiredParams: req.RequiredParams,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tpl)
}

func (s *Server) listNotificationTemplates(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	tpls, err := s.hub.ListNotificationTemplates(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, tpls, opts)
}

func (s *Server) getNotificationTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.hub.GetNotificationTemplate(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

func (s *Server) updateNotificationTemplate(w http.ResponseWriter, r *http.Request) {
	var patch notify.TemplatePatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, err)
		return
	}
	tpl, err := s.hub.UpdateNotificationTemplate(r.Context(), pathID(r), patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

func (s *Server) deleteNotificationTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteNotificationTemplate(r.Context(), pathID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// sendNotification enqueues the delivery; recipients are reached
// asynchronously. The response carries the queued delivery record.
func (s *Server) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	d, err := s.hub.SendNotification(r.Context(), notify.SendInput{
		TemplateID:  req.TemplateID,
		Channel:     req.Channel,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		Params:      req.Params,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, d)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ds, err := s.hub.ListNotifications(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, ds, opts)
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	d, err := s.hub.GetNotification(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) cancelNotification(w http.ResponseWriter, r *http.Request) {
	d, err := s.hub.CancelNotification(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}
