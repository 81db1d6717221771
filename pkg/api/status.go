// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/eden-vertex/vertex/pkg/hub"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/version"
)

var processStart = time.Now()

func (s *Server) installOperationalRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.getHealth).Methods("GET")
	r.HandleFunc("/ready", s.getHealth).Methods("GET")
	r.Handle("/metrics", telemetry.Handler()).Methods("GET")
	r.HandleFunc("/status", s.getStatus).Methods("GET")
	r.HandleFunc("/version", getVersion).Methods("GET")
}

// getHealth serves liveness and readiness alike: both report whether every
// registered component pinged within its deadline.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	st := health.GetStatus()
	code := http.StatusOK
	if !st.Live() {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, st)
}

func getVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": version.HubVersion,
		"commit":  version.Commit,
	})
}

// statusPayload is the full operational snapshot.
type statusPayload struct {
	Version       string        `json:"version"`
	Commit        string        `json:"commit,omitempty"`
	GoVersion     string        `json:"go_version"`
	Goroutines    int           `json:"goroutines"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Health        health.Status `json:"health"`
	Hub           hub.Stats     `json:"hub"`
	Host          *hostStats    `json:"host,omitempty"`
}

type hostStats struct {
	Hostname          string  `json:"hostname"`
	Platform          string  `json:"platform"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	CPUPercent        float64 `json:"cpu_percent"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusPayload{
		Version:       version.HubVersion,
		Commit:        version.Commit,
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(processStart).Seconds()),
		Health:        health.GetStatus(),
		Hub:           s.hub.Stats(),
		Host:          collectHostStats(r),
	})
}

// collectHostStats is best-effort: a probe failure drops the host section
// rather than failing the status page.
func collectHostStats(r *http.Request) *hostStats {
	ctx := r.Context()
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil
	}
	hs := &hostStats{
		Hostname:      info.Hostname,
		Platform:      info.Platform,
		UptimeSeconds: info.Uptime,
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.MemoryUsedPercent = vm.UsedPercent
	}
	// Zero interval means "since the previous call", which never blocks.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	return hs
}
