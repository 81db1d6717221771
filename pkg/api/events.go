// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/model"
)

func (s *Server) installEventRoutes(r *mux.Router) {
	r.HandleFunc("/events/publish", s.publishEvent).Methods("POST")
	r.HandleFunc("/events/subscribe", s.subscribe).Methods("POST")
	r.HandleFunc("/events/subscriptions", s.listSubscriptions).Methods("GET")
	r.HandleFunc("/events/subscriptions/{id}", s.getSubscription).Methods("GET")
	r.HandleFunc("/events/subscriptions/{id}", s.unsubscribe).Methods("DELETE")
	r.HandleFunc("/events/stream", s.streamEvents).Methods("GET")
	r.HandleFunc("/events", s.listEvents).Methods("GET")
	r.HandleFunc("/events/{id}", s.getEvent).Methods("GET")
}

type publishEventRequest struct {
	Type     string                 `json:"type" validate:"required"`
	Source   string                 `json:"source"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata map[string]string      `json:"metadata"`
}

type subscribeRequest struct {
	Pattern   string                     `json:"pattern" validate:"required"`
	Filters   []model.SubscriptionFilter `json:"filters"`
	WebhookID string                     `json:"webhook_id" validate:"required"`
}

// publishEvent stores the event and offers it for fan-out. Fan-out is
// best-effort, hence the accepted status.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	ev, err := s.hub.PublishEvent(r.Context(), events.PublishInput{
		Type:     req.Type,
		Source:   req.Source,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ev)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	sub, err := s.hub.Subscribe(r.Context(), events.SubscribeInput{
		Pattern:   req.Pattern,
		Filters:   req.Filters,
		WebhookID: req.WebhookID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	subs, err := s.hub.ListSubscriptions(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, subs, opts)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hub.GetSubscription(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Unsubscribe(r.Context(), pathID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	evs, err := s.hub.ListEvents(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, evs, opts)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.hub.GetEvent(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}
