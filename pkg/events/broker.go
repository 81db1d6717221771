// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package events is the in-process event broker: publishers offer typed
// events onto a bounded queue, a pump fans each one out to matching
// subscriptions, and per-subscription dispatchers push them into their sink
// in publish order. Webhook sinks enqueue signed deliveries; handler sinks
// run a callback on a bounded pool. Publishing is best-effort: a full queue
// blocks the publisher briefly, then the event is dropped and counted.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

var (
	tlmPublished = telemetry.NewCounter("events", "published", []string{"result"},
		"Events offered to the broker: accepted, dropped.")
	tlmDeliveries = telemetry.NewCounter("events", "deliveries", []string{"kind", "result"},
		"Per-subscription dispatch outcomes: delivered, dropped, error.")
	tlmHandlerPanics = telemetry.NewCounter("events", "handler_panics", nil,
		"Recovered panics thrown by subscription handlers.")
	tlmQueueDepth = telemetry.NewGauge("events", "queue_depth", nil,
		"Events waiting in the publish queue.")
	tlmSubscriptions = telemetry.NewGauge("events", "subscriptions", []string{"kind"},
		"Live subscription dispatchers.")
)

var timeNow = time.Now

const healthTick = 5 * time.Second

const (
	// Stopped is the state of a Broker before Start and after Stop.
	Stopped uint32 = iota
	// Started is the state of a running Broker.
	Started
)

// Handler consumes a matched event in-process. Errors are logged and
// counted; they never reach the publisher.
type Handler func(ctx context.Context, ev *model.Event) error

// WebhookDispatcher enqueues a delivery for webhook-backed subscriptions.
type WebhookDispatcher interface {
	DispatchTo(ctx context.Context, webhookID string, ev *model.Event) error
}

// dispatcher is the runtime half of one subscription: a buffered channel fed
// by the pump and a goroutine draining it into the sink. Counters are this
// process's deltas on top of the persisted row.
type dispatcher struct {
	sub     *model.Subscription
	match   *matcher
	handler Handler
	ch      chan *model.Event
	done    chan struct{}

	delivered uint64
	dropped   uint64
	lastEvent int64 // unix nanoseconds, 0 until the first delivery
}

// Broker fans published events out to subscriptions. A single pump goroutine
// drains the publish queue and routes each event, so delivery order within a
// subscription is publish order; across subscriptions there is no ordering.
type Broker struct {
	cfg      config.Events
	events   store.EventStore
	subs     store.SubscriptionStore
	webhooks WebhookDispatcher

	handlerSlots *semaphore.Weighted

	queue     chan *model.Event
	stopPump  chan struct{}
	pumpDone  chan struct{}
	workerCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	dm          sync.RWMutex
	dispatchers map[string]*dispatcher

	published uint64
	dropped   uint64

	healthToken   health.ID
	internalState uint32
	m             sync.Mutex // controls Start/Stop races
}

// NewBroker returns a stopped Broker. webhooks may be nil when no webhook
// service is wired; webhook subscriptions are then rejected.
func NewBroker(cfg config.Events, events store.EventStore, subs store.SubscriptionStore, webhooks WebhookDispatcher) *Broker {
	return &Broker{
		cfg:          cfg,
		events:       events,
		subs:         subs,
		webhooks:     webhooks,
		handlerSlots: semaphore.NewWeighted(int64(cfg.HandlerWorkers)),
		dispatchers:  make(map[string]*dispatcher),
	}
}

// Start brings up the pump. Subscriptions attach afterwards, either from the
// store via resume or through Subscribe.
func (b *Broker) Start() error {
	b.m.Lock()
	defer b.m.Unlock()

	if b.internalState == Started {
		return fmt.Errorf("the event broker is already started")
	}

	b.queue = make(chan *model.Event, b.cfg.QueueSize)
	b.stopPump = make(chan struct{})
	b.pumpDone = make(chan struct{})
	b.workerCtx, b.cancel = context.WithCancel(context.Background())
	b.dispatchers = make(map[string]*dispatcher)

	b.healthToken = health.Register("event-broker")
	go b.pump()

	atomic.StoreUint32(&b.internalState, Started)
	log.Infof("event broker started (queue %d, %d handler workers)", b.cfg.QueueSize, b.cfg.HandlerWorkers)
	return nil
}

// Stop halts the pump, detaches every subscription and cancels in-flight
// sinks. Events still buffered are discarded; their rows are already
// persisted and fan-out is best-effort.
func (b *Broker) Stop() {
	b.m.Lock()
	defer b.m.Unlock()

	if b.internalState == Stopped {
		log.Errorf("the event broker is already stopped")
		return
	}
	atomic.StoreUint32(&b.internalState, Stopped)

	close(b.stopPump)
	<-b.pumpDone

	b.dm.Lock()
	detached := make([]*dispatcher, 0, len(b.dispatchers))
	for id, d := range b.dispatchers {
		close(d.done)
		detached = append(detached, d)
		delete(b.dispatchers, id)
		tlmSubscriptions.WithLabelValues(string(d.sub.Kind)).Dec()
	}
	b.dm.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, d := range detached {
		b.flushStats(context.Background(), d)
	}
	if err := health.Deregister(b.healthToken); err != nil {
		log.Debugf("deregistering event broker health token: %v", err)
	}
	log.Info("event broker stopped")
}

// State returns Started or Stopped.
func (b *Broker) State() uint32 {
	return atomic.LoadUint32(&b.internalState)
}

// resume reattaches persisted active subscriptions after a restart. Rows
// whose pattern no longer compiles are skipped with a warning.
func (b *Broker) resume(ctx context.Context) error {
	subs, err := b.subs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active subscriptions: %w", err)
	}
	n := 0
	for _, sub := range subs {
		m, err := newMatcher(sub.Pattern, sub.Filters)
		if err != nil {
			log.Warnf("subscription %s not resumed: %v", sub.ID, err)
			continue
		}
		if err := b.attach(sub, m, nil); err != nil {
			log.Warnf("subscription %s not resumed: %v", sub.ID, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Infof("resumed %d event subscriptions", n)
	}
	return nil
}

// attach registers a dispatcher and starts its drain goroutine. The
// subscription must already be validated and, for durable kinds, persisted.
func (b *Broker) attach(sub *model.Subscription, m *matcher, h Handler) error {
	if atomic.LoadUint32(&b.internalState) != Started {
		return fmt.Errorf("the event broker is not started")
	}
	d := &dispatcher{
		sub:     sub,
		match:   m,
		handler: h,
		ch:      make(chan *model.Event, b.cfg.SubscriptionBuffer),
		done:    make(chan struct{}),
	}

	b.dm.Lock()
	if _, ok := b.dispatchers[sub.ID]; ok {
		b.dm.Unlock()
		return fmt.Errorf("subscription %s is already attached", sub.ID)
	}
	b.dispatchers[sub.ID] = d
	b.dm.Unlock()

	b.wg.Add(1)
	go b.runDispatcher(d)
	tlmSubscriptions.WithLabelValues(string(sub.Kind)).Inc()
	return nil
}

// detach stops a dispatcher and flushes its counters. Returns the
// subscription snapshot, or nil when the id is not attached.
func (b *Broker) detach(ctx context.Context, id string) *model.Subscription {
	b.dm.Lock()
	d, ok := b.dispatchers[id]
	if ok {
		delete(b.dispatchers, id)
	}
	b.dm.Unlock()
	if !ok {
		return nil
	}
	close(d.done)
	tlmSubscriptions.WithLabelValues(string(d.sub.Kind)).Dec()
	b.flushStats(ctx, d)
	return d.sub
}

// offer puts ev on the fan-out queue. When the queue is full the caller
// blocks for at most the publish timeout, after which the event is dropped
// and counted; its stored row is unaffected.
func (b *Broker) offer(ev *model.Event) bool {
	if atomic.LoadUint32(&b.internalState) != Started {
		atomic.AddUint64(&b.dropped, 1)
		tlmPublished.WithLabelValues("dropped").Inc()
		return false
	}

	select {
	case b.queue <- ev:
		b.accepted()
		return true
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout.Std())
	defer timer.Stop()
	select {
	case b.queue <- ev:
		b.accepted()
		return true
	case <-timer.C:
	case <-b.stopPump:
	}
	atomic.AddUint64(&b.dropped, 1)
	tlmPublished.WithLabelValues("dropped").Inc()
	log.Warnf("event queue is full (%d): dropped event %s (%s)", b.cfg.QueueSize, ev.ID, ev.Type)
	return false
}

func (b *Broker) accepted() {
	atomic.AddUint64(&b.published, 1)
	tlmPublished.WithLabelValues("accepted").Inc()
	tlmQueueDepth.WithLabelValues().Set(float64(len(b.queue)))
}

func (b *Broker) pump() {
	defer close(b.pumpDone)
	ticker := time.NewTicker(healthTick)
	defer ticker.Stop()
	for {
		select {
		case ev := <-b.queue:
			b.fanout(ev)
			tlmQueueDepth.WithLabelValues().Set(float64(len(b.queue)))
		case <-ticker.C:
			_ = health.Ping(b.healthToken)
		case <-b.stopPump:
			return
		}
	}
}

// fanout routes one event to every matching subscription. A subscription
// whose backlog is full loses this event; the pump never blocks on a slow
// consumer.
func (b *Broker) fanout(ev *model.Event) {
	payload, err := model.CanonicalJSON(ev.Payload)
	if err != nil {
		log.Warnf("event %s payload cannot be canonicalized: %v", ev.ID, err)
		return
	}

	b.dm.RLock()
	targets := make([]*dispatcher, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		if !ownerVisible(d.sub, ev) {
			continue
		}
		if d.match.matches(ev.Type, payload) {
			targets = append(targets, d)
		}
	}
	b.dm.RUnlock()

	for _, d := range targets {
		select {
		case d.ch <- ev:
		default:
			atomic.AddUint64(&d.dropped, 1)
			tlmDeliveries.WithLabelValues(string(d.sub.Kind), "dropped").Inc()
			log.Warnf("subscription %s backlog is full (%d): dropped event %s", d.sub.ID, cap(d.ch), ev.ID)
		}
	}
}

// ownerVisible mirrors webhook fan-out scoping: subscribers see their own
// owner's events plus system events; system subscribers see everything.
func ownerVisible(sub *model.Subscription, ev *model.Event) bool {
	if sub.OwnerID == "" || ev.OwnerID == "" {
		return true
	}
	return sub.OwnerID == ev.OwnerID
}

func (b *Broker) runDispatcher(d *dispatcher) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-d.ch:
			b.deliver(d, ev)
		case <-d.done:
			return
		}
	}
}

// deliver pushes one matched event into the subscription's sink. Failures
// are logged and counted; the publisher never sees them.
func (b *Broker) deliver(d *dispatcher, ev *model.Event) {
	var err error
	switch d.sub.Kind {
	case model.SubscriptionWebhook:
		if b.webhooks == nil {
			err = fmt.Errorf("no webhook dispatcher is wired")
		} else {
			err = b.webhooks.DispatchTo(b.workerCtx, d.sub.WebhookID, ev)
		}
	case model.SubscriptionHandler:
		err = b.invoke(d, ev)
	default:
		err = fmt.Errorf("unknown subscription kind %q", d.sub.Kind)
	}
	if err != nil {
		atomic.AddUint64(&d.dropped, 1)
		tlmDeliveries.WithLabelValues(string(d.sub.Kind), "error").Inc()
		log.Warnf("subscription %s: delivering event %s: %v", d.sub.ID, ev.ID, err)
		return
	}
	atomic.AddUint64(&d.delivered, 1)
	atomic.StoreInt64(&d.lastEvent, timeNow().UnixNano())
	tlmDeliveries.WithLabelValues(string(d.sub.Kind), "delivered").Inc()
}

// invoke runs the handler inline on the dispatcher goroutine so order within
// the subscription holds; the semaphore bounds how many handlers run at once
// across all subscriptions.
func (b *Broker) invoke(d *dispatcher, ev *model.Event) (err error) {
	if err := b.handlerSlots.Acquire(b.workerCtx, 1); err != nil {
		return err
	}
	defer b.handlerSlots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			tlmHandlerPanics.WithLabelValues().Inc()
			log.Errorf("subscription %s: handler panicked on event %s: %v", d.sub.ID, ev.ID, r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(b.workerCtx, ev)
}

// flushStats folds this process's delivery counters into the persisted row.
// Handler subscriptions are runtime-only and skip the write.
func (b *Broker) flushStats(ctx context.Context, d *dispatcher) {
	delivered := atomic.LoadUint64(&d.delivered)
	dropped := atomic.LoadUint64(&d.dropped)
	if d.sub.Kind != model.SubscriptionWebhook || (delivered == 0 && dropped == 0) {
		return
	}
	row := *d.sub
	row.Delivered += delivered
	row.Dropped += dropped
	if last := atomic.LoadInt64(&d.lastEvent); last > 0 {
		row.LastEventAt = time.Unix(0, last)
	}
	if err := b.subs.Update(ctx, &row); err != nil {
		log.Debugf("flushing subscription %s stats: %v", d.sub.ID, err)
	}
}

// lookup returns the attached subscription snapshot for id, or nil.
func (b *Broker) lookup(id string) *model.Subscription {
	b.dm.RLock()
	defer b.dm.RUnlock()
	if d, ok := b.dispatchers[id]; ok {
		return d.sub
	}
	return nil
}

// liveStats returns this process's counter deltas for an attached
// subscription.
func (b *Broker) liveStats(id string) (delivered, dropped uint64, last time.Time, ok bool) {
	b.dm.RLock()
	d, ok := b.dispatchers[id]
	b.dm.RUnlock()
	if !ok {
		return 0, 0, time.Time{}, false
	}
	if n := atomic.LoadInt64(&d.lastEvent); n > 0 {
		last = time.Unix(0, n)
	}
	return atomic.LoadUint64(&d.delivered), atomic.LoadUint64(&d.dropped), last, true
}

// Stats is a point-in-time snapshot for status pages.
type Stats struct {
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	QueueDepth    int    `json:"queue_depth"`
	Subscriptions int    `json:"subscriptions"`
}

// Stats reports broker-level counters for this process.
func (b *Broker) Stats() Stats {
	b.dm.RLock()
	n := len(b.dispatchers)
	b.dm.RUnlock()

	depth := 0
	if atomic.LoadUint32(&b.internalState) == Started {
		depth = len(b.queue)
	}
	return Stats{
		Published:     atomic.LoadUint64(&b.published),
		Dropped:       atomic.LoadUint64(&b.dropped),
		QueueDepth:    depth,
		Subscriptions: n,
	}
}
