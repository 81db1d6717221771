// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"time"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

const (
	healthTick   = 5 * time.Second
	sweepTimeout = time.Minute
)

var tlmPruned = telemetry.NewCounter("store", "retention_pruned", []string{"dataset"},
	"Rows removed by the retention janitor.")

// Janitor prunes delivery history past the retention window: terminal
// webhook deliveries and notifications, finished report executions, and the
// event record. Active rows are never touched.
type Janitor struct {
	retention time.Duration
	interval  time.Duration
	stores    *Stores

	stop        chan struct{}
	done        chan struct{}
	healthToken health.ID
}

// NewJanitor builds the retention sweeper. A zero retention window disables
// it entirely.
func NewJanitor(cfg config.Storage, stores *Stores) *Janitor {
	interval := cfg.RetentionSweep.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		retention: cfg.Retention.Std(),
		interval:  interval,
		stores:    stores,
	}
}

// Start launches the sweep loop. Without a retention window the janitor
// stays idle.
func (j *Janitor) Start() {
	if j.retention <= 0 {
		log.Info("retention pruning disabled")
		return
	}
	j.stop = make(chan struct{})
	j.done = make(chan struct{})
	j.healthToken = health.Register("retention-janitor")
	go j.loop()
	log.Infof("retention janitor started (window %s, sweep every %s)", j.retention, j.interval)
}

// Stop halts the loop. Safe to call when Start never ran.
func (j *Janitor) Stop() {
	if j.stop == nil {
		return
	}
	close(j.stop)
	<-j.done
	if err := health.Deregister(j.healthToken); err != nil {
		log.Debugf("deregistering retention janitor health token: %v", err)
	}
	j.stop = nil
	log.Info("retention janitor stopped")
}

func (j *Janitor) loop() {
	defer close(j.done)
	tick := time.NewTicker(j.interval)
	defer tick.Stop()
	healthTicker := time.NewTicker(healthTick)
	defer healthTicker.Stop()
	for {
		select {
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			j.Sweep(ctx)
			cancel()
		case <-healthTicker.C:
			_ = health.Ping(j.healthToken)
		case <-j.stop:
			return
		}
	}
}

// Sweep prunes everything older than the retention window once and reports
// how many rows went away. One failing store does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) int {
	if j.retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-j.retention).UTC()

	total := 0
	for _, target := range []struct {
		dataset string
		prune   func(context.Context, time.Time) (int, error)
	}{
		{"webhook_deliveries", j.stores.Deliveries.DeleteTerminalBefore},
		{"notifications", j.stores.Notifications.DeleteTerminalBefore},
		{"report_executions", j.stores.Executions.DeleteTerminalBefore},
		{"events", j.stores.Events.DeleteBefore},
	} {
		n, err := target.prune(ctx, cutoff)
		if err != nil {
			log.Warnf("pruning %s: %v", target.dataset, err)
			continue
		}
		if n > 0 {
			tlmPruned.WithLabelValues(target.dataset).Add(float64(n))
			total += n
		}
	}
	if total > 0 {
		log.Infof("retention sweep removed %d rows older than %s", total, cutoff.Format(time.RFC3339))
	}
	return total
}
