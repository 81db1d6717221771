// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/webhook"
)

func (s *Server) installWebhookRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks", s.createWebhook).Methods("POST")
	r.HandleFunc("/webhooks", s.listWebhooks).Methods("GET")
	r.HandleFunc("/webhooks/{id}", s.getWebhook).Methods("GET")
	r.HandleFunc("/webhooks/{id}", s.updateWebhook).Methods("PUT")
	r.HandleFunc("/webhooks/{id}", s.deleteWebhook).Methods("DELETE")
	r.HandleFunc("/webhooks/{id}/deliver", s.deliverWebhook).Methods("POST")
	r.HandleFunc("/webhooks/{id}/deliveries", s.listWebhookDeliveries).Methods("GET")
	r.HandleFunc("/deliveries/{id}", s.getDelivery).Methods("GET")
	r.HandleFunc("/deliveries/{id}/cancel", s.cancelDelivery).Methods("POST")
}

type createWebhookRequest struct {
	Name        string   `json:"name" validate:"required"`
	TargetURL   string   `json:"target_url" validate:"required,url"`
	Secret      string   `json:"secret" validate:"required"`
	EventTypes  []string `json:"event_types" validate:"required,min=1"`
	MaxAttempts int      `json:"max_attempts" validate:"gte=0"`
	RateLimit   float64  `json:"rate_limit" validate:"gte=0"`
}

type deliverWebhookRequest struct {
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload" validate:"required"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	wh, err := s.hub.CreateWebhook(r.Context(), webhook.RegisterInput{
		Name:        req.Name,
		TargetURL:   req.TargetURL,
		Secret:      req.Secret,
		EventTypes:  req.EventTypes,
		MaxAttempts: req.MaxAttempts,
		RateLimit:   req.RateLimit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, wh)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	whs, err := s.hub.ListWebhooks(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, whs, opts)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.hub.GetWebhook(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wh)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var patch webhook.UpdatePatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, err)
		return
	}
	wh, err := s.hub.UpdateWebhook(r.Context(), pathID(r), patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wh)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteWebhook(r.Context(), pathID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// deliverWebhook accepts the payload for asynchronous delivery. The
// response carries the pending delivery record.
func (s *Server) deliverWebhook(w http.ResponseWriter, r *http.Request) {
	var req deliverWebhookRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	d, err := s.hub.DeliverWebhook(r.Context(), pathID(r), req.EventType, req.Payload)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, d)
}

func (s *Server) listWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ds, err := s.hub.ListWebhookDeliveries(r.Context(), pathID(r), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, ds, opts)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.hub.GetWebhookDelivery(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.hub.CancelWebhookDelivery(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}
