// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAppearOnHandler(t *testing.T) {
	c := NewCounter("testsub", "operations_total", []string{"outcome"}, "Count of test operations.")
	c.WithLabelValues("ok").Add(3)
	c.WithLabelValues("error").Inc()

	assert.Equal(t, float64(3), testutil.ToFloat64(c.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "vertex_testsub_operations_total")
	assert.Contains(t, body, `outcome="error"`)
}

func TestGaugeAndHistogram(t *testing.T) {
	g := NewGauge("testsub", "queue_depth", []string{"queue"}, "Depth of test queues.")
	g.WithLabelValues("primary").Set(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(g.WithLabelValues("primary")))

	h := NewHistogram("testsub", "op_seconds", []string{"op"}, "Test op durations.", nil)
	h.WithLabelValues("run").Observe(0.25)
	assert.Equal(t, 1, testutil.CollectAndCount(h))
}
