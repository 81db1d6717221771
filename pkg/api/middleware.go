// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/eden-vertex/vertex/pkg/auth"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

var (
	tlmRequests = telemetry.NewCounter("api", "requests", []string{"method", "route", "status"},
		"Requests served, by method, route template and status code.")
	tlmLatency = telemetry.NewHistogram("api", "request_duration_seconds", []string{"method", "route"},
		"Request latency, by method and route template.",
		[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5})
	tlmThrottled = telemetry.NewCounter("api", "throttled", nil,
		"Requests rejected by the per-caller rate limit.")
)

// authenticate resolves the bearer token into the caller identity every hub
// operation scopes by.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		id, err := s.auth.Validate(token)
		if err != nil {
			respondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// throttle enforces the per-caller token bucket. It runs after authenticate,
// so the bucket key is the authenticated user.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limits != nil {
			id, err := auth.FromContext(r.Context())
			if err != nil {
				respondError(w, err)
				return
			}
			if !s.limits.allow(id.UserID) {
				tlmThrottled.WithLabelValues().Inc()
				w.Header().Set("Retry-After", "1")
				respondError(w, errors.NewRateLimited(time.Second, "request rate over the limit"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies at the configured maximum. Reads past the
// cap fail and surface as a validation error.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// observeRequests wraps every matched route with the request log line and
// the request counter and latency metrics.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		tlmRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		tlmLatency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   status,
			"duration": elapsed,
		}).Debug("request served")
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusRecorder captures the status code written by the handler chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade working behind the recorder.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.NewTransport(nil, "response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

// callerLimits holds one token bucket per authenticated caller.
type callerLimits struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// newCallerLimits returns nil when the limit is zero or negative, which
// disables throttling.
func newCallerLimits(perSecond float64, burst int) *callerLimits {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &callerLimits{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (c *callerLimits) allow(caller string) bool {
	c.mu.Lock()
	b, ok := c.buckets[caller]
	if !ok {
		b = rate.NewLimiter(c.limit, c.burst)
		c.buckets[caller] = b
	}
	c.mu.Unlock()
	return b.Allow()
}
