// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/auth"
	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/hub"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/reports"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/store/memory"
	"github.com/eden-vertex/vertex/pkg/webhook"
)

const testSigningSecret = "vertex-api-test-secret"

type echoConnector struct{}

func (echoConnector) Test(context.Context) error { return nil }

func (echoConnector) Capabilities() []model.ConnectorCapability {
	return []model.ConnectorCapability{{Name: "echo", Description: "returns its parameters"}}
}

func (echoConnector) Execute(_ context.Context, op string, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"op": op, "params": params}, nil
}

func (echoConnector) Close() error { return nil }

type passthroughResolver struct{}

func (passthroughResolver) Resolve(ref string) (string, error) { return ref, nil }

func serverConfig() config.Server {
	return config.Server{
		ListenAddress: "127.0.0.1:0",
		ReadTimeout:   config.Duration(5 * time.Second),
		WriteTimeout:  config.Duration(10 * time.Second),
		ShutdownGrace: config.Duration(time.Second),
		MaxBodyBytes:  1 << 20,
	}
}

// newHubService wires the five subsystems over in-memory stores and starts
// the hub. Webhook retries park for an hour so a failed first attempt stays
// pending for the whole test.
func newHubService(t *testing.T) *hub.Service {
	t.Helper()

	st := memory.New()

	registry := integrations.NewRegistry()
	require.NoError(t, registry.Register(integrations.Factory{
		Type:           "stub",
		RequiredConfig: []string{"region"},
		New: func(context.Context, integrations.BuildContext) (integrations.Connector, error) {
			return echoConnector{}, nil
		},
	}))
	engine := integrations.NewEngine(config.Integrations{
		InstanceTTL:    config.Duration(time.Minute),
		InstanceSweep:  config.Duration(time.Minute),
		TestTimeout:    config.Duration(5 * time.Second),
		ExecuteTimeout: config.Duration(5 * time.Second),
	}, st.Integrations, registry, passthroughResolver{})

	webhooks := webhook.NewService(config.Webhooks{
		Workers:         2,
		QueueSize:       64,
		RetryQueueLimit: 64,
		RequestTimeout:  config.Duration(2 * time.Second),
		RetryBase:       config.Duration(time.Hour),
		RetryCap:        config.Duration(2 * time.Hour),
		RetryJitter:     0,
		MaxAttempts:     3,
		RetryTick:       config.Duration(5 * time.Millisecond),
	}, st.Webhooks, st.Deliveries)

	notifier := notify.NewService(config.Notifications{
		Workers:        2,
		QueueSize:      64,
		ChannelTimeout: config.Duration(time.Second),
		MaxRetries:     1,
		RetryBase:      config.Duration(10 * time.Millisecond),
		RetryCap:       config.Duration(50 * time.Millisecond),
		QueueTick:      config.Duration(5 * time.Millisecond),
	}, st.NotificationTemplates, st.Notifications)

	broker := events.NewService(config.Events{
		QueueSize:          64,
		PublishTimeout:     config.Duration(100 * time.Millisecond),
		SubscriptionBuffer: 16,
		HandlerWorkers:     4,
	}, st.Events, st.Subscriptions, webhooks)

	scheduler := reports.NewService(config.Reports{
		TickInterval:     config.Duration(time.Hour),
		MaxConcurrent:    2,
		ExecutionTimeout: config.Duration(time.Minute),
		ArtifactDir:      t.TempDir(),
		ShutdownGrace:    config.Duration(5 * time.Second),
	}, st.ReportTemplates, st.Reports, st.Executions, hub.NewStoreSource(st), notifier, broker)

	svc := hub.New(engine, webhooks, notifier, broker, scheduler)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return svc
}

type apiHarness struct {
	ts  *httptest.Server
	hub *hub.Service
}

func newHarness(t *testing.T) *apiHarness {
	return newHarnessWithConfig(t, serverConfig())
}

func newHarnessWithConfig(t *testing.T, cfg config.Server) *apiHarness {
	t.Helper()
	hubSvc := newHubService(t)
	srv := NewServer(cfg, hubSvc, auth.NewJWTValidator(testSigningSecret, ""))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiHarness{ts: ts, hub: hubSvc}
}

func mintToken(t *testing.T, user string) string {
	t.Helper()
	return mintTokenWithSecret(t, user, testSigningSecret)
}

func mintTokenWithSecret(t *testing.T, user, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    user,
		"org_id": "org-1",
		"role":   "member",
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// request sends one API call. A []byte body goes over the wire untouched;
// anything else non-nil is marshaled first.
func (h *apiHarness) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func readError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	decodeResponse(t, resp, &body)
	return body
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodGet, "/api/v1/webhooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", readError(t, resp).Code)

	resp = h.request(t, http.MethodGet, "/api/v1/webhooks", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	drain(resp)

	// Signed with the wrong secret.
	forged := mintTokenWithSecret(t, "user-a", "some-other-secret")
	resp = h.request(t, http.MethodGet, "/api/v1/webhooks", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/webhooks", mintToken(t, "user-a"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	drain(resp)
}

func TestOperationalRoutesNeedNoToken(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ver map[string]string
	decodeResponse(t, resp, &ver)
	assert.NotEmpty(t, ver["version"])

	resp = h.request(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st statusPayload
	decodeResponse(t, resp, &st)
	assert.Equal(t, ver["version"], st.Version)
	assert.Greater(t, st.Goroutines, 0)
	assert.NotEmpty(t, st.GoVersion)

	// Right after start the loops may not have pinged yet, so only the
	// component set is deterministic here.
	for _, path := range []string{"/health", "/ready"} {
		resp = h.request(t, http.MethodGet, path, "", nil)
		require.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, resp.StatusCode, path)
		var hs health.Status
		decodeResponse(t, resp, &hs)
		all := append(append([]string{}, hs.Healthy...), hs.Unhealthy...)
		assert.Subset(t, all, []string{
			"webhook-retrier", "notification-engine", "event-broker", "report-scheduler",
		}, path)
	}

	resp = h.request(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "vertex_api_requests")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodGet, "/api/v1/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", readError(t, resp).Code)

	resp = h.request(t, http.MethodPut, "/api/v1/webhooks", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "method_not_allowed", readError(t, resp).Code)
}

func TestRequestBodyCap(t *testing.T) {
	atCap := createWebhookRequest{
		Name:       "cap-probe",
		TargetURL:  "http://127.0.0.1:1/hook",
		Secret:     "s3cret",
		EventTypes: []string{"orders.**"},
	}
	raw, err := json.Marshal(atCap)
	require.NoError(t, err)

	cfg := serverConfig()
	cfg.MaxBodyBytes = int64(len(raw))
	h := newHarnessWithConfig(t, cfg)
	token := mintToken(t, "user-a")

	// A body of exactly the cap goes through.
	resp := h.request(t, http.MethodPost, "/api/v1/webhooks", token, raw)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	drain(resp)

	// One byte over is rejected before it reaches the handler logic.
	over := atCap
	over.Name = "cap-probe2"
	rawOver, err := json.Marshal(over)
	require.NoError(t, err)
	require.Len(t, rawOver, len(raw)+1)

	resp = h.request(t, http.MethodPost, "/api/v1/webhooks", token, rawOver)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readError(t, resp)
	assert.Equal(t, "validation_error", body.Code)
	assert.Contains(t, body.Message, "exceeds")
}

func TestPerCallerThrottle(t *testing.T) {
	cfg := serverConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	h := newHarnessWithConfig(t, cfg)

	alice := mintToken(t, "user-a")
	bob := mintToken(t, "user-b")

	resp := h.request(t, http.MethodGet, "/api/v1/webhooks", alice, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	drain(resp)

	resp = h.request(t, http.MethodGet, "/api/v1/webhooks", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", readError(t, resp).Code)

	// Buckets are per caller, so another user is unaffected.
	resp = h.request(t, http.MethodGet, "/api/v1/webhooks", bob, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	drain(resp)
}

func TestListOptionValidation(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	for _, query := range []string{"?limit=lots", "?limit=-1", "?offset=-3"} {
		resp := h.request(t, http.MethodGet, "/api/v1/events"+query, token, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		assert.Equal(t, "validation_error", readError(t, resp).Code, query)
	}
}

func TestMalformedBody(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	resp := h.request(t, http.MethodPost, "/api/v1/webhooks", token, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readError(t, resp)
	assert.Equal(t, "validation_error", body.Code)
	assert.Contains(t, body.Message, "malformed")
}

func TestServerStartStop(t *testing.T) {
	hubSvc := newHubService(t)
	srv := NewServer(serverConfig(), hubSvc, auth.NewJWTValidator(testSigningSecret, ""))
	require.NoError(t, srv.Start())

	addr := srv.Addr()
	require.NotEmpty(t, addr)
	require.True(t, strings.HasPrefix(addr, "127.0.0.1:"))

	resp, err := http.Get("http://" + addr + "/version")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	drain(resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// The listener is gone after shutdown.
	_, err = http.Get("http://" + addr + "/version")
	require.Error(t, err)
}
