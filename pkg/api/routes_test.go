// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/model"
)

// unroutedTarget refuses connections immediately, so manual deliveries fail
// their first attempt fast and park in the retry queue.
const unroutedTarget = "http://127.0.0.1:1/hook"

func createTestWebhook(t *testing.T, h *apiHarness, token, name string) *model.Webhook {
	t.Helper()
	resp := h.request(t, http.MethodPost, "/api/v1/webhooks", token, createWebhookRequest{
		Name:       name,
		TargetURL:  unroutedTarget,
		Secret:     "s3cret",
		EventTypes: []string{"orders.**"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wh model.Webhook
	decodeResponse(t, resp, &wh)
	return &wh
}

func TestWebhookLifecycle(t *testing.T) {
	h := newHarness(t)
	alice := mintToken(t, "user-a")
	bob := mintToken(t, "user-b")

	wh := createTestWebhook(t, h, alice, "order-hook")
	assert.NotEmpty(t, wh.ID)
	assert.True(t, wh.Active)
	assert.Equal(t, 3, wh.MaxAttempts)

	resp := h.request(t, http.MethodGet, "/api/v1/webhooks/"+wh.ID, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Webhook
	decodeResponse(t, resp, &got)
	assert.Equal(t, wh.ID, got.ID)

	resp = h.request(t, http.MethodGet, "/api/v1/webhooks", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items  []model.Webhook `json:"items"`
		Limit  int             `json:"limit"`
		Offset int             `json:"offset"`
	}
	decodeResponse(t, resp, &page)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 50, page.Limit)
	assert.Equal(t, 0, page.Offset)

	resp = h.request(t, http.MethodPut, "/api/v1/webhooks/"+wh.ID, alice,
		map[string]interface{}{"name": "renamed-hook"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &got)
	assert.Equal(t, "renamed-hook", got.Name)

	// Another caller cannot see it.
	resp = h.request(t, http.MethodGet, "/api/v1/webhooks/"+wh.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", readError(t, resp).Code)

	resp = h.request(t, http.MethodDelete, "/api/v1/webhooks/"+wh.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/webhooks/"+wh.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", readError(t, resp).Code)
}

func TestWebhookValidationDetails(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	resp := h.request(t, http.MethodPost, "/api/v1/webhooks", token,
		map[string]interface{}{"name": "half-baked", "target_url": "not a url"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readError(t, resp)
	assert.Equal(t, "validation_error", body.Code)
	assert.Equal(t, "url", body.Details["target_url"])
	assert.Equal(t, "required", body.Details["secret"])
	assert.Equal(t, "required", body.Details["event_types"])
}

func TestManualDeliveryRoutes(t *testing.T) {
	h := newHarness(t)
	alice := mintToken(t, "user-a")
	bob := mintToken(t, "user-b")

	wh := createTestWebhook(t, h, alice, "manual-hook")

	resp := h.request(t, http.MethodPost, "/api/v1/webhooks/"+wh.ID+"/deliver", alice,
		map[string]interface{}{
			"event_type": "orders.created",
			"payload":    map[string]interface{}{"order_id": "o-17"},
		})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var d model.WebhookDelivery
	decodeResponse(t, resp, &d)
	assert.Equal(t, wh.ID, d.WebhookID)
	assert.Equal(t, model.DeliveryPending, d.Status)

	// The target refuses connections, so the first attempt fails and the
	// delivery parks for a retry an hour out.
	require.Eventually(t, func() bool {
		resp := h.request(t, http.MethodGet, "/api/v1/deliveries/"+d.ID, alice, nil)
		if resp.StatusCode != http.StatusOK {
			drain(resp)
			return false
		}
		var got model.WebhookDelivery
		decodeResponse(t, resp, &got)
		return len(got.Attempts) >= 1 && got.Status == model.DeliveryPending
	}, 3*time.Second, 10*time.Millisecond)

	resp = h.request(t, http.MethodGet, "/api/v1/webhooks/"+wh.ID+"/deliveries", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []model.WebhookDelivery `json:"items"`
	}
	decodeResponse(t, resp, &page)
	require.Len(t, page.Items, 1)

	resp = h.request(t, http.MethodGet, "/api/v1/deliveries/"+d.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodPost, "/api/v1/deliveries/"+d.ID+"/cancel", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled model.WebhookDelivery
	decodeResponse(t, resp, &cancelled)
	assert.Equal(t, model.DeliveryCancelled, cancelled.Status)
}

func TestEventRoutes(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	resp := h.request(t, http.MethodPost, "/api/v1/events/publish", token,
		map[string]interface{}{
			"type":    "orders.created",
			"source":  "checkout",
			"payload": map[string]interface{}{"order_id": "o-1"},
		})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ev model.Event
	decodeResponse(t, resp, &ev)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.PublishedAt.IsZero())

	resp = h.request(t, http.MethodGet, "/api/v1/events/"+ev.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Event
	decodeResponse(t, resp, &got)
	assert.Equal(t, "orders.created", got.Type)
	assert.Equal(t, "checkout", got.Source)

	resp = h.request(t, http.MethodGet, "/api/v1/events", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []model.Event `json:"items"`
	}
	decodeResponse(t, resp, &page)
	ids := make([]string, 0, len(page.Items))
	for _, e := range page.Items {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, ev.ID)

	resp = h.request(t, http.MethodPost, "/api/v1/events/publish", token,
		map[string]interface{}{"source": "checkout"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "required", readError(t, resp).Details["type"])
}

func TestSubscriptionRoutes(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	wh := createTestWebhook(t, h, token, "sub-hook")

	resp := h.request(t, http.MethodPost, "/api/v1/events/subscribe", token,
		map[string]interface{}{"pattern": "orders.*", "webhook_id": wh.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sub model.Subscription
	decodeResponse(t, resp, &sub)
	assert.Equal(t, model.SubscriptionWebhook, sub.Kind)
	assert.True(t, sub.Active)

	resp = h.request(t, http.MethodGet, "/api/v1/events/subscriptions/"+sub.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/events/subscriptions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []model.Subscription `json:"items"`
	}
	decodeResponse(t, resp, &page)
	require.Len(t, page.Items, 1)

	// Subscribing on someone else's (or a missing) webhook is refused.
	resp = h.request(t, http.MethodPost, "/api/v1/events/subscribe", token,
		map[string]interface{}{"pattern": "orders.*", "webhook_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodDelete, "/api/v1/events/subscriptions/"+sub.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/events/subscriptions/"+sub.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	drain(resp)
}

// notificationSink records the bodies posted to it by the custom channel.
type notificationSink struct {
	mu       sync.Mutex
	received []map[string]string
}

func (n *notificationSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var m map[string]string
	_ = json.NewDecoder(r.Body).Decode(&m)
	n.mu.Lock()
	n.received = append(n.received, m)
	n.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (n *notificationSink) bodies() []map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]map[string]string, len(n.received))
	copy(out, n.received)
	return out
}

func waitForNotificationStatus(t *testing.T, h *apiHarness, token, id string, want model.NotificationStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp := h.request(t, http.MethodGet, "/api/v1/notifications/"+id, token, nil)
		if resp.StatusCode != http.StatusOK {
			drain(resp)
			return false
		}
		var d model.NotificationDelivery
		decodeResponse(t, resp, &d)
		return d.Status == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNotificationRoutes(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	sink := &notificationSink{}
	receiver := httptest.NewServer(sink)
	defer receiver.Close()

	resp := h.request(t, http.MethodPost, "/api/v1/notifications/templates", token,
		map[string]interface{}{
			"name":    "order-shipped",
			"channel": "custom",
			"subject": "order {{id}}",
			"body":    "order {{id}} has shipped",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tpl model.NotificationTemplate
	decodeResponse(t, resp, &tpl)
	assert.Equal(t, model.ChannelCustom, tpl.Channel)

	resp = h.request(t, http.MethodPost, "/api/v1/notifications/send", token,
		map[string]interface{}{
			"template_id": tpl.ID,
			"recipients":  []string{receiver.URL},
			"params":      map[string]string{"id": "42"},
		})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var d model.NotificationDelivery
	decodeResponse(t, resp, &d)

	waitForNotificationStatus(t, h, token, d.ID, model.NotificationSent)

	bodies := sink.bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, "order 42", bodies[0]["subject"])
	assert.Equal(t, "order 42 has shipped", bodies[0]["body"])

	// Listing includes the finished delivery.
	resp = h.request(t, http.MethodGet, "/api/v1/notifications", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []model.NotificationDelivery `json:"items"`
	}
	decodeResponse(t, resp, &page)
	require.NotEmpty(t, page.Items)

	// Template maintenance.
	resp = h.request(t, http.MethodPut, "/api/v1/notifications/templates/"+tpl.ID, token,
		map[string]interface{}{"subject": "order {{id}} update"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &tpl)
	assert.Equal(t, "order {{id}} update", tpl.Subject)

	resp = h.request(t, http.MethodDelete, "/api/v1/notifications/templates/"+tpl.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	drain(resp)
}

func TestNotificationScheduledCancel(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	resp := h.request(t, http.MethodPost, "/api/v1/notifications/send", token,
		map[string]interface{}{
			"channel":      "custom",
			"body":         "later",
			"recipients":   []string{"http://127.0.0.1:1/notify"},
			"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var d model.NotificationDelivery
	decodeResponse(t, resp, &d)
	assert.Equal(t, model.NotificationQueued, d.Status)

	resp = h.request(t, http.MethodPost, "/api/v1/notifications/"+d.ID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled model.NotificationDelivery
	decodeResponse(t, resp, &cancelled)
	assert.Equal(t, model.NotificationCancelled, cancelled.Status)
}

func TestReportPipeline(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	// Give the artifact something to count.
	for i := 0; i < 3; i++ {
		resp := h.request(t, http.MethodPost, "/api/v1/events/publish", token,
			map[string]interface{}{
				"type":    "orders.created",
				"source":  "checkout",
				"payload": map[string]interface{}{"n": i},
			})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		drain(resp)
	}

	resp := h.request(t, http.MethodPost, "/api/v1/reports/templates", token,
		map[string]interface{}{
			"name":    "daily-orders",
			"queries": []map[string]string{{"name": "recent", "query": "events since=24h"}},
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tpl model.ReportTemplate
	decodeResponse(t, resp, &tpl)

	resp = h.request(t, http.MethodPost, "/api/v1/reports", token,
		map[string]interface{}{
			"name":        "daily",
			"template_id": tpl.ID,
			"schedule":    "0 8 * * 1",
			"format":      "json",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rep model.Report
	decodeResponse(t, resp, &rep)
	assert.True(t, rep.Enabled)
	assert.False(t, rep.NextRunAt.IsZero())

	// A template referenced by a report cannot be deleted.
	resp = h.request(t, http.MethodDelete, "/api/v1/reports/templates/"+tpl.ID, token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", readError(t, resp).Code)

	resp = h.request(t, http.MethodPost, "/api/v1/reports/"+rep.ID+"/run", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ex model.ReportExecution
	decodeResponse(t, resp, &ex)
	assert.Equal(t, model.TriggerManual, ex.Trigger)

	var done model.ReportExecution
	require.Eventually(t, func() bool {
		resp := h.request(t, http.MethodGet, "/api/v1/reports/executions/"+ex.ID, token, nil)
		if resp.StatusCode != http.StatusOK {
			drain(resp)
			return false
		}
		decodeResponse(t, resp, &done)
		return done.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, model.ExecutionCompleted, done.Status, "error: %s", done.Error)
	assert.NotEmpty(t, done.ArtifactPath)
	assert.Greater(t, done.ArtifactBytes, int64(0))

	resp = h.request(t, http.MethodGet, fmt.Sprintf("/api/v1/reports/%s/executions", rep.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []model.ReportExecution `json:"items"`
	}
	decodeResponse(t, resp, &page)
	require.NotEmpty(t, page.Items)

	// Finished runs cannot be cancelled.
	resp = h.request(t, http.MethodPost, "/api/v1/reports/executions/"+ex.ID+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodPut, "/api/v1/reports/"+rep.ID, token,
		map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &rep)
	assert.False(t, rep.Enabled)

	resp = h.request(t, http.MethodDelete, "/api/v1/reports/"+rep.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/reports/"+rep.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	drain(resp)

	// With the report gone the template can be removed.
	resp = h.request(t, http.MethodDelete, "/api/v1/reports/templates/"+tpl.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	drain(resp)
}

func TestIntegrationRoutes(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	// The stub connector requires a region.
	resp := h.request(t, http.MethodPost, "/api/v1/integrations", token,
		map[string]interface{}{"type": "stub", "name": "incomplete"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodPost, "/api/v1/integrations", token,
		map[string]interface{}{
			"type":   "stub",
			"name":   "primary",
			"config": map[string]interface{}{"region": "us-1"},
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var in model.Integration
	decodeResponse(t, resp, &in)
	assert.Equal(t, model.IntegrationActive, in.Status)

	resp = h.request(t, http.MethodGet, "/api/v1/integrations/types", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var types struct {
		Types []string `json:"types"`
	}
	decodeResponse(t, resp, &types)
	assert.Contains(t, types.Types, "stub")

	resp = h.request(t, http.MethodPost, "/api/v1/integrations/"+in.ID+"/test", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr struct {
		OK bool `json:"ok"`
	}
	decodeResponse(t, resp, &tr)
	assert.True(t, tr.OK)

	resp = h.request(t, http.MethodPost, "/api/v1/integrations/"+in.ID+"/execute", token,
		map[string]interface{}{"op": "echo", "params": map[string]interface{}{"k": "v"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec struct {
		Result map[string]interface{} `json:"result"`
	}
	decodeResponse(t, resp, &exec)
	assert.Equal(t, "echo", exec.Result["op"])

	resp = h.request(t, http.MethodGet, "/api/v1/integrations/"+in.ID+"/capabilities", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var caps struct {
		Capabilities []model.ConnectorCapability `json:"capabilities"`
	}
	decodeResponse(t, resp, &caps)
	require.Len(t, caps.Capabilities, 1)
	assert.Equal(t, "echo", caps.Capabilities[0].Name)

	resp = h.request(t, http.MethodPut, "/api/v1/integrations/"+in.ID, token,
		map[string]interface{}{"name": "secondary"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &in)
	assert.Equal(t, "secondary", in.Name)

	resp = h.request(t, http.MethodPost, "/api/v1/integrations/"+in.ID+"/deactivate", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &in)
	assert.Equal(t, model.IntegrationInactive, in.Status)

	// Executing against a deactivated integration is refused.
	resp = h.request(t, http.MethodPost, "/api/v1/integrations/"+in.ID+"/execute", token,
		map[string]interface{}{"op": "echo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodDelete, "/api/v1/integrations/"+in.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/integrations/"+in.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	drain(resp)
}
