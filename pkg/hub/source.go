// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/reports"
	"github.com/eden-vertex/vertex/pkg/store"
)

const (
	defaultRows = 100
	maxRows     = 500
)

// StoreSource answers report queries from the platform's own stores. A
// query is one dataset name followed by space-separated key=value
// parameters:
//
//	events since=24h type=deploy.finished limit=200
//	webhook_deliveries since=7d status=exhausted
//	notifications since=7d channel=email status=failed
//	report_executions since=30d status=completed
//
// Template parameters were already substituted into the query text by the
// generator, so the params argument is unused here. Rows come back newest
// first, scoped to the owner, capped at limit (default 100, at most 500).
type StoreSource struct {
	stores *store.Stores
}

var _ reports.DataSource = (*StoreSource)(nil)

// NewStoreSource returns a DataSource reading from st.
func NewStoreSource(st *store.Stores) *StoreSource {
	return &StoreSource{stores: st}
}

// Query implements reports.DataSource.
func (s *StoreSource) Query(ctx context.Context, ownerID, query string, _ map[string]string) ([]map[string]interface{}, error) {
	dataset, args, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	switch dataset {
	case "events":
		return s.queryEvents(ctx, ownerID, args)
	case "webhook_deliveries":
		return s.queryDeliveries(ctx, ownerID, args)
	case "notifications":
		return s.queryNotifications(ctx, ownerID, args)
	case "report_executions":
		return s.queryExecutions(ctx, ownerID, args)
	default:
		return nil, errors.NewValidation("unknown dataset %q", dataset)
	}
}

func (s *StoreSource) queryEvents(ctx context.Context, ownerID string, args queryArgs) ([]map[string]interface{}, error) {
	window, err := args.window(24 * time.Hour)
	if err != nil {
		return nil, err
	}
	limit, err := args.limit()
	if err != nil {
		return nil, err
	}
	typeFilter, _ := args.take("type")
	sourceFilter, _ := args.take("source")
	if err := args.drained("events"); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-window)
	evs, err := s.stores.Events.ListByOwner(ctx, ownerID, store.ListOptions{Limit: maxRows})
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, limit)
	for _, ev := range evs {
		if ev.PublishedAt.Before(cutoff) {
			continue
		}
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		if sourceFilter != "" && ev.Source != sourceFilter {
			continue
		}
		rows = append(rows, map[string]interface{}{
			"id":           ev.ID,
			"type":         ev.Type,
			"source":       ev.Source,
			"published_at": ev.PublishedAt,
		})
		if len(rows) == limit {
			break
		}
	}
	return rows, nil
}

func (s *StoreSource) queryDeliveries(ctx context.Context, ownerID string, args queryArgs) ([]map[string]interface{}, error) {
	window, err := args.window(7 * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	limit, err := args.limit()
	if err != nil {
		return nil, err
	}
	webhookID, _ := args.take("webhook")
	status, ok := args.take("status")
	if ok && !knownDeliveryStatus(status) {
		return nil, errors.NewValidation("unknown delivery status %q", status)
	}
	if err := args.drained("webhook_deliveries"); err != nil {
		return nil, err
	}

	var webhookIDs []string
	if webhookID != "" {
		wh, err := s.stores.Webhooks.FindByID(ctx, webhookID)
		if err != nil {
			return nil, err
		}
		if wh.OwnerID != ownerID {
			return nil, errors.NewForbidden("webhook %s does not belong to the caller", webhookID)
		}
		webhookIDs = []string{webhookID}
	} else {
		whs, err := s.stores.Webhooks.ListByOwner(ctx, ownerID, store.ListOptions{Limit: maxRows})
		if err != nil {
			return nil, err
		}
		for _, wh := range whs {
			webhookIDs = append(webhookIDs, wh.ID)
		}
	}

	cutoff := time.Now().UTC().Add(-window)
	var matched []*model.WebhookDelivery
	for _, id := range webhookIDs {
		ds, err := s.stores.Deliveries.ListByWebhook(ctx, id, store.ListOptions{Limit: maxRows})
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			if d.CreatedAt.Before(cutoff) {
				continue
			}
			if status != "" && string(d.Status) != status {
				continue
			}
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	rows := make([]map[string]interface{}, 0, len(matched))
	for _, d := range matched {
		rows = append(rows, map[string]interface{}{
			"id":         d.ID,
			"webhook_id": d.WebhookID,
			"event_id":   d.EventID,
			"event_type": d.EventType,
			"status":     string(d.Status),
			"attempts":   d.AttemptCount(),
			"created_at": d.CreatedAt,
		})
	}
	return rows, nil
}

func (s *StoreSource) queryNotifications(ctx context.Context, ownerID string, args queryArgs) ([]map[string]interface{}, error) {
	window, err := args.window(7 * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	limit, err := args.limit()
	if err != nil {
		return nil, err
	}
	channel, ok := args.take("channel")
	if ok && !model.KnownChannel(model.NotificationChannel(channel)) {
		return nil, errors.NewValidation("unknown notification channel %q", channel)
	}
	status, ok := args.take("status")
	if ok && !knownNotificationStatus(status) {
		return nil, errors.NewValidation("unknown notification status %q", status)
	}
	if err := args.drained("notifications"); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-window)
	ds, err := s.stores.Notifications.ListByOwner(ctx, ownerID, store.ListOptions{Limit: maxRows})
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, limit)
	for _, d := range ds {
		if d.CreatedAt.Before(cutoff) {
			continue
		}
		if channel != "" && string(d.Channel) != channel {
			continue
		}
		if status != "" && string(d.Status) != status {
			continue
		}
		rows = append(rows, map[string]interface{}{
			"id":         d.ID,
			"channel":    string(d.Channel),
			"status":     string(d.Status),
			"subject":    d.Subject,
			"recipients": strings.Join(d.Recipients, ","),
			"created_at": d.CreatedAt,
		})
		if len(rows) == limit {
			break
		}
	}
	return rows, nil
}

func (s *StoreSource) queryExecutions(ctx context.Context, ownerID string, args queryArgs) ([]map[string]interface{}, error) {
	window, err := args.window(30 * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	limit, err := args.limit()
	if err != nil {
		return nil, err
	}
	reportID, _ := args.take("report")
	status, ok := args.take("status")
	if ok && !knownExecutionStatus(status) {
		return nil, errors.NewValidation("unknown execution status %q", status)
	}
	if err := args.drained("report_executions"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(-window)

	var exs []*model.ReportExecution
	if reportID != "" {
		r, err := s.stores.Reports.FindByID(ctx, reportID)
		if err != nil {
			return nil, err
		}
		if r.OwnerID != ownerID {
			return nil, errors.NewForbidden("report %s does not belong to the caller", reportID)
		}
		exs, err = s.stores.Executions.ListByReport(ctx, reportID, store.ListOptions{Limit: maxRows})
		if err != nil {
			return nil, err
		}
	} else {
		// The time-range scan also reaches executions whose report was
		// deleted; history outlives the report.
		exs, err = s.stores.Executions.FindByTimeRange(ctx, cutoff, now.Add(time.Minute), store.ListOptions{Limit: maxRows})
		if err != nil {
			return nil, err
		}
	}

	rows := make([]map[string]interface{}, 0, limit)
	for _, ex := range exs {
		if ex.OwnerID != ownerID || ex.StartedAt.Before(cutoff) {
			continue
		}
		if status != "" && string(ex.Status) != status {
			continue
		}
		rows = append(rows, map[string]interface{}{
			"id":             ex.ID,
			"report_id":      ex.ReportID,
			"trigger":        string(ex.Trigger),
			"status":         string(ex.Status),
			"started_at":     ex.StartedAt,
			"duration_ms":    ex.Duration().Milliseconds(),
			"artifact_bytes": ex.ArtifactBytes,
			"error":          ex.Error,
		})
		if len(rows) == limit {
			break
		}
	}
	return rows, nil
}

// queryArgs is the parsed key=value tail of a query. Readers take the keys
// they understand; whatever is left is a caller mistake.
type queryArgs map[string]string

func parseQuery(query string) (string, queryArgs, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "", nil, errors.NewValidation("a query names a dataset")
	}
	args := make(queryArgs, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" || v == "" {
			return "", nil, errors.NewValidation("malformed query parameter %q, want key=value", f)
		}
		args[k] = v
	}
	return fields[0], args, nil
}

func (a queryArgs) take(key string) (string, bool) {
	v, ok := a[key]
	delete(a, key)
	return v, ok
}

func (a queryArgs) window(fallback time.Duration) (time.Duration, error) {
	v, ok := a.take("since")
	if !ok {
		return fallback, nil
	}
	return parseWindow(v)
}

func (a queryArgs) limit() (int, error) {
	v, ok := a.take("limit")
	if !ok {
		return defaultRows, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.NewValidation("invalid limit %q", v)
	}
	if n > maxRows {
		n = maxRows
	}
	return n, nil
}

func (a queryArgs) drained(dataset string) error {
	for k := range a {
		return errors.NewValidation("unknown parameter %q for dataset %q", k, dataset)
	}
	return nil
}

// parseWindow reads a lookback like "90m", "24h" or "7d".
func parseWindow(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days <= 0 {
			return 0, errors.NewValidation("invalid window %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.NewValidation("invalid window %q", s)
	}
	return d, nil
}

func knownDeliveryStatus(v string) bool {
	switch model.DeliveryStatus(v) {
	case model.DeliveryPending, model.DeliveryDelivered, model.DeliveryFailed,
		model.DeliveryExhausted, model.DeliveryCancelled:
		return true
	}
	return false
}

func knownNotificationStatus(v string) bool {
	switch model.NotificationStatus(v) {
	case model.NotificationQueued, model.NotificationSending, model.NotificationSent,
		model.NotificationPartial, model.NotificationFailed, model.NotificationCancelled:
		return true
	}
	return false
}

func knownExecutionStatus(v string) bool {
	switch model.ExecutionStatus(v) {
	case model.ExecutionRunning, model.ExecutionCompleted,
		model.ExecutionFailed, model.ExecutionCancelled:
		return true
	}
	return false
}
