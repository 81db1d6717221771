// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package memory implements the repositories on mutex-guarded maps. It is
// the backend for tests and single-node development; stored entities are
// copied on the way in and out so callers can never mutate shared state.
// Nested payload values are treated as immutable by convention.
package memory

import (
	"sort"
	"time"

	"github.com/eden-vertex/vertex/pkg/store"
)

// New returns a Stores bundle backed entirely by process memory.
func New() *store.Stores {
	return &store.Stores{
		Integrations:          newIntegrationStore(),
		Webhooks:              newWebhookStore(),
		Deliveries:            newDeliveryStore(),
		NotificationTemplates: newNotificationTemplateStore(),
		Notifications:         newNotificationStore(),
		Subscriptions:         newSubscriptionStore(),
		Events:                newEventStore(),
		ReportTemplates:       newReportTemplateStore(),
		Reports:               newReportStore(),
		Executions:            newExecutionStore(),
	}
}

func paginate[T any](items []T, opts store.ListOptions) []T {
	opts = opts.Normalize()
	if opts.Offset >= len(items) {
		return []T{}
	}
	end := opts.Offset + opts.Limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-opts.Offset)
	copy(out, items[opts.Offset:end])
	return out
}

func sortNewestFirst[T any](items []T, createdAt func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return createdAt(items[i]).After(createdAt(items[j]))
	})
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
