// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

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
	tlmNotifications = telemetry.NewCounter("notify", "deliveries", []string{"state"},
		"Deliveries reaching a state: created, sent, partial, failed, cancelled.")
	tlmRecipients = telemetry.NewCounter("notify", "recipients", []string{"channel", "result"},
		"Per-recipient send outcomes by channel.")
	tlmSkips = telemetry.NewCounter("notify", "skips", []string{"reason"},
		"Dispatches deferred or dropped before any send: throttled, stale.")
	tlmRetryCycles = telemetry.NewCounter("notify", "retry_cycles", nil,
		"Extra send cycles scheduled for deliveries with failed recipients.")
	tlmQueueSize = telemetry.NewGauge("notify", "queue_size", nil,
		"Deliveries waiting in the priority queue.")
)

var timeNow = time.Now

const (
	// Stopped is the state of an Engine before Start and after Stop.
	Stopped uint32 = iota
	// Started is the state of a running Engine.
	Started
)

// Engine drains the priority queue: a pump goroutine promotes due items on
// every tick and feeds them to the workers, which run one send cycle over
// the delivery's unresolved recipients. Cycles with failures reschedule
// themselves with backoff until the channel's retry cap is spent.
type Engine struct {
	cfg        config.Notifications
	deliveries store.NotificationStore
	policy     backoff.Policy
	transports map[model.NotificationChannel]Transport
	limiters   *channelLimiters
	retryCaps  map[model.NotificationChannel]int
	queue      *notificationQueue

	work      chan *queueItem
	stopPump  chan struct{}
	pumpDone  chan struct{}
	workerCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	healthToken   health.ID
	internalState uint32
	m             sync.Mutex // controls Start/Stop races
}

// NewEngine returns a stopped Engine sending through deliveries.
func NewEngine(cfg config.Notifications, deliveries store.NotificationStore) *Engine {
	policy := backoff.NewExpBackoffPolicy(cfg.RetryBase.Std(), cfg.RetryCap.Std(), cfg.RetryJitter, 2, false)
	return &Engine{
		cfg:        cfg,
		deliveries: deliveries,
		policy:     policy,
		transports: newTransports(cfg),
		limiters:   newChannelLimiters(cfg.RatePerChannel),
		retryCaps:  retryCaps(cfg),
		queue:      newNotificationQueue(cfg.QueueSize),
	}
}

// retryCaps resolves the per-channel retry cap, falling back to the
// engine-wide default where a transport does not set its own.
func retryCaps(cfg config.Notifications) map[model.NotificationChannel]int {
	caps := map[model.NotificationChannel]int{
		model.ChannelEmail:  cfg.Email.MaxRetries,
		model.ChannelSMS:    cfg.SMS.MaxRetries,
		model.ChannelPush:   cfg.Push.MaxRetries,
		model.ChannelChat:   cfg.Chat.MaxRetries,
		model.ChannelCustom: 0,
	}
	for ch, c := range caps {
		if c <= 0 {
			caps[ch] = cfg.MaxRetries
		}
	}
	return caps
}

// Start brings up the worker pool and the queue pump.
func (e *Engine) Start() error {
	e.m.Lock()
	defer e.m.Unlock()

	if e.internalState == Started {
		return fmt.Errorf("the notification engine is already started")
	}

	e.queue = newNotificationQueue(e.cfg.QueueSize)
	e.work = make(chan *queueItem)
	e.stopPump = make(chan struct{})
	e.pumpDone = make(chan struct{})
	e.workerCtx, e.cancel = context.WithCancel(context.Background())

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	e.healthToken = health.Register("notification-engine")
	go e.pump()

	atomic.StoreUint32(&e.internalState, Started)
	log.Infof("notification engine started (%d workers)", e.cfg.Workers)
	return nil
}

// Stop halts the pump and the workers. In-flight sends are cancelled; their
// deliveries stay queued or mid-cycle in the store and resume on the next
// Start.
func (e *Engine) Stop() {
	e.m.Lock()
	defer e.m.Unlock()

	if e.internalState == Stopped {
		log.Errorf("the notification engine is already stopped")
		return
	}
	atomic.StoreUint32(&e.internalState, Stopped)

	close(e.stopPump)
	<-e.pumpDone
	e.cancel()
	e.wg.Wait()
	if err := health.Deregister(e.healthToken); err != nil {
		log.Debugf("deregistering notification engine health token: %v", err)
	}
	log.Info("notification engine stopped")
}

// State returns Started or Stopped.
func (e *Engine) State() uint32 {
	return atomic.LoadUint32(&e.internalState)
}

// enqueue parks a delivery in the queue until its scheduled time.
func (e *Engine) enqueue(d *model.NotificationDelivery) error {
	if atomic.LoadUint32(&e.internalState) != Started {
		return fmt.Errorf("the notification engine is not started")
	}
	err := e.queue.push(&queueItem{
		deliveryID:  d.ID,
		priority:    d.Priority,
		scheduledAt: d.ScheduledAt,
		notBefore:   d.ScheduledAt,
	}, false)
	if err != nil {
		return err
	}
	tlmQueueSize.WithLabelValues().Set(float64(e.queue.len()))
	return nil
}

// resume reloads unresolved deliveries after a restart. Deliveries caught
// mid-cycle pick their cycle count back up from the recorded attempts.
func (e *Engine) resume(ctx context.Context) error {
	pending, err := e.deliveries.ListPending(ctx, e.cfg.QueueSize)
	if err != nil {
		return fmt.Errorf("listing unresolved notifications: %w", err)
	}
	for _, d := range pending {
		it := &queueItem{
			deliveryID:  d.ID,
			priority:    d.Priority,
			scheduledAt: d.ScheduledAt,
			notBefore:   d.ScheduledAt,
			cycle:       resumeCycle(d),
		}
		if err := e.queue.push(it, true); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		log.Infof("resumed %d unresolved notifications", len(pending))
	}
	tlmQueueSize.WithLabelValues().Set(float64(e.queue.len()))
	return nil
}

func resumeCycle(d *model.NotificationDelivery) int {
	cycle := 0
	for _, r := range d.Results {
		if r.Attempts > cycle {
			cycle = r.Attempts
		}
	}
	return cycle
}

func (e *Engine) pump() {
	defer close(e.pumpDone)
	ticker := time.NewTicker(e.cfg.QueueTick.Std())
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.drainDue(now)
			_ = health.Ping(e.healthToken)
		case <-e.stopPump:
			return
		}
	}
}

// drainDue feeds every due item to the workers in priority order. Items
// popped while the engine shuts down are dropped; their rows stay
// unresolved and come back through resume.
func (e *Engine) drainDue(now time.Time) {
	for {
		it := e.queue.popDue(now)
		if it == nil {
			break
		}
		select {
		case e.work <- it:
		case <-e.stopPump:
			return
		}
	}
	tlmQueueSize.WithLabelValues().Set(float64(e.queue.len()))
}

func (e *Engine) runWorker() {
	defer e.wg.Done()
	for {
		select {
		case it := <-e.work:
			e.process(it)
		case <-e.workerCtx.Done():
			return
		}
	}
}

// process runs one send cycle for the item's delivery. The record is
// re-read first so a delivery cancelled or completed elsewhere is never
// sent. Recipients that already succeeded keep their results; the cycle
// touches only the unresolved ones.
func (e *Engine) process(it *queueItem) {
	ctx := e.workerCtx

	d, err := e.deliveries.FindByID(ctx, it.deliveryID)
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Warnf("notification %s: reading record: %v", it.deliveryID, err)
		}
		tlmSkips.WithLabelValues("stale").Inc()
		return
	}
	if d.Status.Final() {
		tlmSkips.WithLabelValues("stale").Inc()
		return
	}

	// Urgent traffic skips the per-channel budget.
	if d.Priority != model.PriorityUrgent {
		if delay := e.limiters.reserveDelay(d.Channel); delay > 0 {
			tlmSkips.WithLabelValues("throttled").Inc()
			it.notBefore = timeNow().Add(delay)
			e.requeue(it)
			return
		}
	}

	if d.Status == model.NotificationQueued {
		d.Status = model.NotificationSending
		d.UpdatedAt = timeNow()
		if err := e.deliveries.Update(ctx, d); err != nil {
			// A concurrent cancel wins the race.
			log.Debugf("notification %s: marking sending: %v", d.ID, err)
			return
		}
	}

	transport := e.transports[d.Channel]
	if transport == nil {
		log.Errorf("notification %s: no transport for channel %s", d.ID, d.Channel)
		e.finish(ctx, d, model.NotificationFailed)
		return
	}

	e.runCycle(ctx, d, transport, it)
}

// runCycle sends to every unresolved recipient, persists the results and
// either finishes the delivery or schedules the next cycle.
func (e *Engine) runCycle(ctx context.Context, d *model.NotificationDelivery, transport Transport, it *queueItem) {
	previous := make(map[string]model.RecipientResult, len(d.Results))
	for _, r := range d.Results {
		previous[r.Recipient] = r
	}

	results := make([]model.RecipientResult, 0, len(d.Recipients))
	failed := 0
	for _, rec := range d.Recipients {
		if prev, ok := previous[rec]; ok && prev.Sent {
			results = append(results, prev)
			continue
		}
		res := e.send(ctx, d, transport, rec, previous[rec].Attempts)
		if !res.Sent {
			failed++
		}
		results = append(results, res)
	}
	d.Results = results

	next := d.ResolveStatus()
	if failed > 0 && it.cycle < e.retryCaps[d.Channel] {
		d.Status = next
		d.UpdatedAt = timeNow()
		if err := e.deliveries.Update(ctx, d); err != nil {
			log.Debugf("notification %s: persisting cycle %d: %v", d.ID, it.cycle, err)
			return
		}
		it.cycle++
		it.notBefore = timeNow().Add(e.policy.GetBackoffDuration(it.cycle))
		e.requeue(it)
		tlmRetryCycles.WithLabelValues().Inc()
		log.Debugf("notification %s: %d of %d recipients failed, retry cycle %d at %s",
			d.ID, failed, len(d.Recipients), it.cycle, it.notBefore.Format(time.RFC3339))
		return
	}
	e.finish(ctx, d, next)
}

func (e *Engine) send(ctx context.Context, d *model.NotificationDelivery, transport Transport, recipient string, priorAttempts int) model.RecipientResult {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ChannelTimeout.Std())
	err := transport.Send(sctx, Message{Recipient: recipient, Subject: d.Subject, Body: d.Body})
	cancel()

	res := model.RecipientResult{
		Recipient: recipient,
		Sent:      err == nil,
		Attempts:  priorAttempts + 1,
		At:        timeNow().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
		tlmRecipients.WithLabelValues(string(d.Channel), "failed").Inc()
	} else {
		tlmRecipients.WithLabelValues(string(d.Channel), "sent").Inc()
	}
	return res
}

func (e *Engine) finish(ctx context.Context, d *model.NotificationDelivery, status model.NotificationStatus) {
	d.Status = status
	d.UpdatedAt = timeNow()
	if err := e.deliveries.Update(ctx, d); err != nil {
		log.Warnf("notification %s: persisting final status %s: %v", d.ID, status, err)
		return
	}
	tlmNotifications.WithLabelValues(string(status)).Inc()
	switch status {
	case model.NotificationSent:
		log.Debugf("notification %s: sent to all %d recipients", d.ID, len(d.Recipients))
	default:
		log.Warnf("notification %s: resolved %s", d.ID, status)
	}
}

func (e *Engine) requeue(it *queueItem) {
	if err := e.queue.push(it, true); err != nil {
		log.Errorf("requeueing notification %s: %v", it.deliveryID, err)
	}
}

// channelLimiters applies the fair-share send budget, one token bucket per
// channel so a flood on one channel cannot starve the others.
type channelLimiters struct {
	rate     float64
	mu       sync.Mutex
	limiters map[model.NotificationChannel]*rate.Limiter
}

func newChannelLimiters(perChannel float64) *channelLimiters {
	return &channelLimiters{
		rate:     perChannel,
		limiters: make(map[model.NotificationChannel]*rate.Limiter),
	}
}

// reserveDelay returns how long the caller must wait before sending on ch.
// A zero or negative configured rate disables throttling.
func (l *channelLimiters) reserveDelay(ch model.NotificationChannel) time.Duration {
	if l.rate <= 0 {
		return 0
	}
	l.mu.Lock()
	lim, ok := l.limiters[ch]
	if !ok {
		burst := int(l.rate)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.rate), burst)
		l.limiters[ch] = lim
	}
	l.mu.Unlock()

	res := lim.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
	}
	return delay
}
