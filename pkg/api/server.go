// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

/*
Package api implements the hub's public HTTP surface. Using HTTP calls,
it's possible to manage integrations, webhooks, notifications, events and
reports, and to follow the live event stream over a websocket.

Every route under /api/v1 requires a bearer token; the operational routes
(/health, /ready, /metrics, /status, /version) are open.
*/
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/auth"
	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/hub"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// Server is the public API server. Build it with NewServer, then Start.
type Server struct {
	cfg      config.Server
	hub      *hub.Service
	auth     auth.Validator
	limits   *callerLimits
	router   *mux.Router
	listener net.Listener
	srv      *http.Server
}

// NewServer assembles the router. The server owns no subsystem: it only
// translates HTTP to hub calls.
func NewServer(cfg config.Server, hubSvc *hub.Service, validator auth.Validator) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    hubSvc,
		auth:   validator,
		limits: newCallerLimits(cfg.RateLimit, cfg.RateBurst),
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	router.Use(s.observeRequests)

	s.installOperationalRoutes(router)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(s.authenticate, s.throttle, s.limitBody)
	s.installIntegrationRoutes(apiRouter)
	s.installWebhookRoutes(apiRouter)
	s.installNotificationRoutes(apiRouter)
	s.installEventRoutes(apiRouter)
	s.installReportRoutes(apiRouter)

	s.router = router
	return s
}

// Start binds the listen address and serves in the background. A panicking
// handler is recovered and logged; the client gets a 500.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener

	s.srv = &http.Server{
		Handler: handlers.RecoveryHandler(
			handlers.PrintRecoveryStack(true),
			handlers.RecoveryLogger(recoveryLogger{}),
		)(s.router),
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: s.cfg.WriteTimeout.Std(),
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("api server: %v", err)
		}
	}()
	log.Infof("api server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// recoveryLogger adapts the shared logger to gorilla's recovery handler.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) { log.Error(v...) }
