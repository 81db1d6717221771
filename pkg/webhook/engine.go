// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/backoff"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

var (
	tlmDeliveries = telemetry.NewCounter("webhook", "deliveries", []string{"state"},
		"Deliveries reaching a state: created, delivered, exhausted, cancelled, orphaned.")
	tlmAttempts = telemetry.NewCounter("webhook", "attempts", []string{"result"},
		"HTTP delivery attempts by result.")
	tlmSkips = telemetry.NewCounter("webhook", "skips", []string{"reason"},
		"Attempts deferred before any network I/O: blocked, throttled, early, stale.")
	tlmRetried = telemetry.NewCounter("webhook", "retried", nil,
		"Deliveries flushed from the retry queue back to the workers.")
	tlmRetryDropped = telemetry.NewCounter("webhook", "retry_dropped", nil,
		"Deliveries dropped because the retry queue was over its limit.")
	tlmRetryQueueSize = telemetry.NewGauge("webhook", "retry_queue_size", nil,
		"Deliveries parked in the retry queue waiting for their next attempt.")
)

// maxResponseBytes caps how much of a target's response body is kept on the
// attempt record.
const maxResponseBytes = 512

const (
	// Stopped is the state of an Engine before Start and after Stop.
	Stopped uint32 = iota
	// Started is the state of a running Engine.
	Started
)

// transaction is one delivery travelling through the engine: the payload and
// headers to send plus the scheduling bookkeeping the retry queue needs. The
// delivery row in the store stays authoritative; the transaction re-reads it
// before every attempt so cancellations win races.
type transaction struct {
	deliveryID  string
	target      string
	secret      []byte
	eventID     string
	eventType   string
	payload     []byte
	maxAttempts int
	rateLimit   float64
	createdAt   time.Time
	nextFlush   time.Time
}

type byCreatedTime []*transaction

func (v byCreatedTime) Len() int           { return len(v) }
func (v byCreatedTime) Swap(i, j int)      { v[i], v[j] = v[j], v[i] }
func (v byCreatedTime) Less(i, j int) bool { return v[i].createdAt.After(v[j].createdAt) }

// Engine drives webhook deliveries: a worker pool drains the waiting pipe
// and POSTs signed payloads; failed transactions come back on the requeue
// channel and sit in the retry queue until their next flush time.
type Engine struct {
	cfg        config.Webhooks
	deliveries store.DeliveryStore
	policy     backoff.Policy
	blocked    *blockedTargets
	limiters   *targetLimiters

	waitingPipe chan *transaction
	requeued    chan *transaction
	stopRetry   chan struct{}
	retryQueue  []*transaction
	workers     []*worker

	// observer runs after a delivery reaches delivered status. Set before
	// Start; workers read it without a lock.
	observer func(context.Context, *model.WebhookDelivery)

	healthToken   health.ID
	internalState uint32
	m             sync.Mutex // controls Start/Stop races
}

// NewEngine returns a stopped Engine persisting through deliveries.
func NewEngine(cfg config.Webhooks, deliveries store.DeliveryStore) *Engine {
	policy := backoff.NewExpBackoffPolicy(cfg.RetryBase.Std(), cfg.RetryCap.Std(), cfg.RetryJitter, 2, false)
	return &Engine{
		cfg:           cfg,
		deliveries:    deliveries,
		policy:        policy,
		blocked:       newBlockedTargets(policy),
		limiters:      newTargetLimiters(cfg.RatePerTarget),
		internalState: Stopped,
	}
}

// OnDelivered registers fn to run after each delivery reaches delivered
// status. It must be called before Start.
func (e *Engine) OnDelivered(fn func(context.Context, *model.WebhookDelivery)) {
	e.observer = fn
}

func (e *Engine) init() {
	e.waitingPipe = make(chan *transaction, e.cfg.QueueSize)
	e.requeued = make(chan *transaction, e.cfg.QueueSize)
	e.stopRetry = make(chan struct{})
	e.retryQueue = nil
	e.workers = nil
}

// Start brings up the worker pool and the retry loop.
func (e *Engine) Start() error {
	e.m.Lock()
	defer e.m.Unlock()

	if e.internalState == Started {
		return fmt.Errorf("the delivery engine is already started")
	}

	// reset internal state to purge transactions from past starts
	e.init()

	for i := 0; i < e.cfg.Workers; i++ {
		w := newWorker(e, e.waitingPipe, e.requeued, e.blocked)
		w.start()
		e.workers = append(e.workers, w)
	}
	e.healthToken = health.Register("webhook-retrier")
	go e.handleFailedDeliveries()

	atomic.StoreUint32(&e.internalState, Started)
	log.Infof("webhook delivery engine started (%d workers)", e.cfg.Workers)
	return nil
}

// Stop halts the retry loop and the workers. In-flight attempts are
// cancelled; their deliveries stay pending in the store and resume on the
// next Start.
func (e *Engine) Stop() {
	e.m.Lock()
	defer e.m.Unlock()

	if e.internalState == Stopped {
		log.Errorf("the delivery engine is already stopped")
		return
	}
	// using atomic so enqueue observes the stop before channels drain
	atomic.StoreUint32(&e.internalState, Stopped)

	e.stopRetry <- struct{}{}
	for _, w := range e.workers {
		w.stop()
	}
	e.workers = nil
	e.retryQueue = nil
	if err := health.Deregister(e.healthToken); err != nil {
		log.Debugf("deregistering webhook retrier health token: %v", err)
	}
	log.Info("webhook delivery engine stopped")
}

// State returns Started or Stopped.
func (e *Engine) State() uint32 {
	return atomic.LoadUint32(&e.internalState)
}

// enqueue hands a transaction to the worker pool, blocking while the waiting
// pipe is full.
func (e *Engine) enqueue(t *transaction) error {
	if atomic.LoadUint32(&e.internalState) != Started {
		return fmt.Errorf("the delivery engine is not started")
	}
	e.waitingPipe <- t
	return nil
}

func (e *Engine) handleFailedDeliveries() {
	ticker := time.NewTicker(e.cfg.RetryTick.Std())
	for {
		select {
		case tickTime := <-ticker.C:
			e.retryDeliveries(tickTime)
			_ = health.Ping(e.healthToken)
		case t := <-e.requeued:
			e.retryQueue = append(e.retryQueue, t)
		case <-e.stopRetry:
			ticker.Stop()
			return
		}
	}
}

// retryDeliveries flushes due transactions to the workers and trims the
// queue to its limit, dropping the oldest overflow. Dropped deliveries stay
// pending in the store and come back through resume on the next start.
func (e *Engine) retryDeliveries(tickTime time.Time) {
	newQueue := make([]*transaction, 0, len(e.retryQueue))
	dropped := 0

	sort.Sort(byCreatedTime(e.retryQueue))

	for _, t := range e.retryQueue {
		switch {
		case t.nextFlush.Before(tickTime):
			e.waitingPipe <- t
			tlmRetried.WithLabelValues().Inc()
		case len(newQueue) < e.cfg.RetryQueueLimit:
			newQueue = append(newQueue, t)
		default:
			tlmRetryDropped.WithLabelValues().Inc()
			dropped++
		}
	}
	e.retryQueue = newQueue
	tlmRetryQueueSize.WithLabelValues().Set(float64(len(e.retryQueue)))
	if dropped != 0 {
		log.Warnf("webhook retry queue exceeded its limit (%d): dropped %d deliveries (the oldest ones)", e.cfg.RetryQueueLimit, dropped)
	}
}

type attemptOutcome int

const (
	outcomeDelivered attemptOutcome = iota
	outcomeRetry
	outcomeExhausted
	outcomeDropped
)

// attempt performs one HTTP attempt for t and advances the delivery record.
// The record is re-read first so a delivery cancelled or completed elsewhere
// is never re-sent. On a retryable failure t.nextFlush is moved to the next
// attempt time.
func (e *Engine) attempt(ctx context.Context, client *http.Client, t *transaction) attemptOutcome {
	d, err := e.deliveries.FindByID(ctx, t.deliveryID)
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Warnf("webhook delivery %s: reading record: %v", t.deliveryID, err)
		}
		tlmSkips.WithLabelValues("stale").Inc()
		return outcomeDropped
	}
	if d.Status.Terminal() {
		tlmSkips.WithLabelValues("stale").Inc()
		return outcomeDropped
	}

	number := d.AttemptCount() + 1
	start := timeNow()
	statusCode, body, retryAfter, err := e.post(ctx, client, t, number, start)
	elapsed := time.Since(start)

	att := model.DeliveryAttempt{
		Number:     number,
		StatusCode: statusCode,
		At:         start.UTC(),
		Duration:   elapsed,
	}
	succeeded := err == nil && statusCode >= 200 && statusCode < 300
	if !succeeded {
		att.Response = body
		if err != nil {
			att.Error = err.Error()
		} else {
			att.Error = fmt.Sprintf("target returned status %d", statusCode)
		}
		tlmAttempts.WithLabelValues("failure").Inc()
	} else {
		tlmAttempts.WithLabelValues("success").Inc()
	}
	d.Attempts = append(d.Attempts, att)
	d.UpdatedAt = timeNow()

	switch {
	case succeeded:
		d.Status = model.DeliveryDelivered
		d.NextAttemptAt = time.Time{}
	case number >= t.maxAttempts:
		d.Status = model.DeliveryExhausted
		d.NextAttemptAt = time.Time{}
	default:
		delay := e.policy.GetBackoffDuration(number)
		if retryAfter > delay {
			delay = retryAfter
		}
		d.Status = model.DeliveryPending
		d.NextAttemptAt = timeNow().Add(delay)
	}

	if uerr := e.deliveries.Update(ctx, d); uerr != nil {
		// A concurrent cancel wins the race; the attempt record is lost but
		// the delivery is terminal either way.
		log.Debugf("webhook delivery %s: persisting attempt %d: %v", d.ID, number, uerr)
		return outcomeDropped
	}

	switch d.Status {
	case model.DeliveryDelivered:
		tlmDeliveries.WithLabelValues("delivered").Inc()
		log.Debugf("webhook delivery %s: delivered to %s on attempt %d", d.ID, t.target, number)
		if e.observer != nil {
			e.observer(ctx, d)
		}
		return outcomeDelivered
	case model.DeliveryExhausted:
		tlmDeliveries.WithLabelValues("exhausted").Inc()
		log.Warnf("webhook delivery %s: exhausted after %d attempts against %s: %s", d.ID, number, t.target, att.Error)
		return outcomeExhausted
	default:
		t.nextFlush = d.NextAttemptAt
		log.Debugf("webhook delivery %s: attempt %d failed (%s), next attempt at %s", d.ID, number, att.Error, d.NextAttemptAt.Format(time.RFC3339))
		return outcomeRetry
	}
}

// post sends one signed POST. It returns the response status code, the
// truncated body for non-2xx responses and any Retry-After hint, clamped to
// the retry cap.
func (e *Engine) post(ctx context.Context, client *http.Client, t *transaction, number int, now time.Time) (int, string, time.Duration, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, t.target, bytes.NewReader(t.payload))
	if err != nil {
		return 0, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, t.eventID)
	req.Header.Set(HeaderEventType, t.eventType)
	req.Header.Set(HeaderSignature, Sign(t.secret, t.payload))
	req.Header.Set(HeaderAttempt, strconv.Itoa(number))
	req.Header.Set(HeaderDeliveredAt, now.UTC().Format(time.RFC3339Nano))

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, "", 0, nil
	}
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), e.cfg.RetryCap.Std())
	return resp.StatusCode, string(raw), retryAfter, nil
}

// parseRetryAfter reads a Retry-After header as either delay-seconds or an
// HTTP-date. The result is clamped to [0, limit] so a hostile target cannot
// park deliveries forever; unparseable values count as absent.
func parseRetryAfter(v string, limit time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	} else {
		return 0
	}

	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}
