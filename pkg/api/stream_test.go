// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/model"
)

func dialStream(t *testing.T, h *apiHarness, token, pattern string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/v1/events/stream"
	if pattern != "" {
		u += "?pattern=" + url.QueryEscape(pattern)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(u, header)
}

func TestEventStreamDeliversMatches(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	baseline := h.hub.Stats().Events.Subscriptions

	conn, resp, err := dialStream(t, h, token, "orders.*")
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The live subscription is attached before the upgrade completes.
	assert.Equal(t, baseline+1, h.hub.Stats().Events.Subscriptions)

	// A non-matching event first; if the pattern leaked it would arrive
	// ahead of the match.
	pub := h.request(t, http.MethodPost, "/api/v1/events/publish", token,
		map[string]interface{}{"type": "billing.invoiced", "source": "billing"})
	require.Equal(t, http.StatusAccepted, pub.StatusCode)
	drain(pub)

	pub = h.request(t, http.MethodPost, "/api/v1/events/publish", token,
		map[string]interface{}{
			"type":    "orders.created",
			"source":  "checkout",
			"payload": map[string]interface{}{"order_id": "o-9"},
		})
	require.Equal(t, http.StatusAccepted, pub.StatusCode)
	drain(pub)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "orders.created", ev.Type)
	assert.Equal(t, "o-9", ev.Payload["order_id"])

	// Closing the socket detaches the subscription.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.hub.Stats().Events.Subscriptions == baseline
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEventStreamDefaultsToFirehose(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	conn, resp, err := dialStream(t, h, token, "")
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	pub := h.request(t, http.MethodPost, "/api/v1/events/publish", token,
		map[string]interface{}{"type": "anything.goes", "source": "test"})
	require.Equal(t, http.StatusAccepted, pub.StatusCode)
	drain(pub)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "anything.goes", ev.Type)
}

func TestEventStreamRejectsBadPattern(t *testing.T) {
	h := newHarness(t)
	token := mintToken(t, "user-a")

	conn, resp, err := dialStream(t, h, token, "[")
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStreamRequiresAuth(t *testing.T) {
	h := newHarness(t)

	conn, resp, err := dialStream(t, h, "", "orders.*")
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
