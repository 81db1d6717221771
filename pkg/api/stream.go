// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

const (
	// streamBuffer bounds how far a consumer may lag before events drop.
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

var tlmStreamDropped = telemetry.NewCounter("api", "stream_dropped", nil,
	"Events dropped from websocket streams because the consumer lagged.")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamEvents serves the caller's live event firehose over a websocket.
// The pattern query parameter narrows the stream ("orders.*"); it defaults
// to everything. Delivery is best-effort: a consumer that cannot keep up
// loses events rather than backpressuring the broker.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "**"
	}

	feed := make(chan *model.Event, streamBuffer)
	detach, err := s.hub.SubscribeLive(r.Context(), pattern, nil, func(_ context.Context, ev *model.Event) error {
		select {
		case feed <- ev:
		default:
			tlmStreamDropped.WithLabelValues().Inc()
		}
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	defer detach()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		log.Debugf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readUntilClose(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-feed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readUntilClose drains control frames so pongs are processed and signals
// when the peer goes away. The stream is write-only; data frames are
// discarded.
func readUntilClose(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
