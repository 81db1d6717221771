// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webhook

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eden-vertex/vertex/pkg/util/log"
)

// worker consumes transactions from the waiting pipe and attempts them. A
// transaction that cannot be attempted yet, or that fails retryably, goes
// back to the engine on the requeue channel.
type worker struct {
	engine      *Engine
	client      *http.Client
	input       <-chan *transaction
	requeueChan chan<- *transaction
	blocked     *blockedTargets

	workerCtx context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
}

func newWorker(e *Engine, input <-chan *transaction, requeueChan chan<- *transaction, blocked *blockedTargets) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		engine:      e,
		client:      newHTTPClient(e.cfg.RequestTimeout.Std()),
		input:       input,
		requeueChan: requeueChan,
		blocked:     blocked,
		workerCtx:   ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 20 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     60 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

func (w *worker) start() {
	go func() {
		defer close(w.stopped)
		for {
			select {
			case t := <-w.input:
				w.process(t)
			case <-w.workerCtx.Done():
				return
			}
		}
	}()
}

// stop cancels the in-flight attempt, if any, and waits for the loop to
// exit.
func (w *worker) stop() {
	w.cancel()
	<-w.stopped
}

func (w *worker) process(t *transaction) {
	now := timeNow()

	// Resumed deliveries carry a future next-attempt time; park them in the
	// retry queue instead of attempting early.
	if t.nextFlush.After(now) {
		tlmSkips.WithLabelValues("early").Inc()
		w.requeue(t)
		return
	}
	if w.blocked.isBlocked(t.target) {
		tlmSkips.WithLabelValues("blocked").Inc()
		log.Debugf("webhook delivery %s: target %s has too many errors, retrying later", t.deliveryID, t.target)
		w.requeue(t)
		return
	}
	if delay := w.engine.limiters.reserveDelay(t.target, t.rateLimit); delay > 0 {
		tlmSkips.WithLabelValues("throttled").Inc()
		t.nextFlush = now.Add(delay)
		w.requeue(t)
		return
	}

	switch w.engine.attempt(w.workerCtx, w.client, t) {
	case outcomeDelivered:
		w.blocked.recover(t.target)
	case outcomeRetry:
		w.blocked.close(t.target)
		w.requeue(t)
	case outcomeExhausted:
		w.blocked.close(t.target)
	case outcomeDropped:
	}
}

func (w *worker) requeue(t *transaction) {
	select {
	case w.requeueChan <- t:
	default:
		log.Errorf("dropping webhook delivery %s: the retry loop is too busy to take another one", t.deliveryID)
	}
}

// targetLimiters holds one token bucket per target URL so retries against a
// struggling downstream spread out instead of stampeding it.
type targetLimiters struct {
	defaultRate float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newTargetLimiters(defaultRate float64) *targetLimiters {
	return &targetLimiters{
		defaultRate: defaultRate,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// reserveDelay returns zero when an attempt against target may proceed now,
// consuming one slot, or how long the caller should wait before asking
// again. override replaces the engine default when positive; a rate of zero
// with no default disables limiting for the target.
func (l *targetLimiters) reserveDelay(target string, override float64) time.Duration {
	r := l.defaultRate
	if override > 0 {
		r = override
	}
	if r <= 0 {
		return 0
	}

	l.mu.Lock()
	lim, ok := l.limiters[target]
	if !ok {
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r), burst)
		l.limiters[target] = lim
	} else if lim.Limit() != rate.Limit(r) {
		lim.SetLimit(rate.Limit(r))
	}
	l.mu.Unlock()

	res := lim.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
	}
	return delay
}
