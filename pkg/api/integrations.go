// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/integrations"
)

func (s *Server) installIntegrationRoutes(r *mux.Router) {
	r.HandleFunc("/integrations", s.createIntegration).Methods("POST")
	r.HandleFunc("/integrations", s.listIntegrations).Methods("GET")
	r.HandleFunc("/integrations/types", s.listIntegrationTypes).Methods("GET")
	r.HandleFunc("/integrations/{id}", s.getIntegration).Methods("GET")
	r.HandleFunc("/integrations/{id}", s.updateIntegration).Methods("PUT")
	r.HandleFunc("/integrations/{id}", s.deleteIntegration).Methods("DELETE")
	r.HandleFunc("/integrations/{id}/deactivate", s.deactivateIntegration).Methods("POST")
	r.HandleFunc("/integrations/{id}/test", s.testIntegration).Methods("POST")
	r.HandleFunc("/integrations/{id}/execute", s.executeIntegration).Methods("POST")
	r.HandleFunc("/integrations/{id}/capabilities", s.getIntegrationCapabilities).Methods("GET")
}

type createIntegrationRequest struct {
	Type          string                 `json:"type" validate:"required"`
	Name          string                 `json:"name" validate:"required"`
	Config        map[string]interface{} `json:"config"`
	CredentialRef string                 `json:"credential_ref"`
}

type updateIntegrationRequest struct {
	Name          *string                `json:"name"`
	Config        map[string]interface{} `json:"config"`
	CredentialRef *string                `json:"credential_ref"`
	Active        *bool                  `json:"active"`
}

type executeIntegrationRequest struct {
	Op     string                 `json:"op" validate:"required"`
	Params map[string]interface{} `json:"params"`
}

func (s *Server) createIntegration(w http.ResponseWriter, r *http.Request) {
	var req createIntegrationRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	in, err := s.hub.CreateIntegration(r.Context(), integrations.RegisterRequest{
		Type:          req.Type,
		Name:          req.Name,
		Config:        req.Config,
		CredentialRef: req.CredentialRef,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, in)
}

func (s *Server) listIntegrations(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ins, err := s.hub.ListIntegrations(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondList(w, ins, opts)
}

func (s *Server) listIntegrationTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"types": s.hub.IntegrationTypes(),
	})
}

func (s *Server) getIntegration(w http.ResponseWriter, r *http.Request) {
	in, err := s.hub.GetIntegration(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

func (s *Server) updateIntegration(w http.ResponseWriter, r *http.Request) {
	var req updateIntegrationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	in, err := s.hub.UpdateIntegration(r.Context(), pathID(r), integrations.UpdatePatch{
		Name:          req.Name,
		Config:        req.Config,
		CredentialRef: req.CredentialRef,
		Active:        req.Active,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

func (s *Server) deactivateIntegration(w http.ResponseWriter, r *http.Request) {
	in, err := s.hub.DeactivateIntegration(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

func (s *Server) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteIntegration(r.Context(), pathID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) testIntegration(w http.ResponseWriter, r *http.Request) {
	res, err := s.hub.TestIntegration(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) executeIntegration(w http.ResponseWriter, r *http.Request) {
	var req executeIntegrationRequest
	if err := decodeValidBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	res, err := s.hub.ExecuteIntegration(r.Context(), pathID(r), req.Op, req.Params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

func (s *Server) getIntegrationCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.hub.IntegrationCapabilities(r.Context(), pathID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"capabilities": caps})
}
