// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/store/memory"
)

func testEventsConfig() config.Events {
	return config.Events{
		QueueSize:          64,
		PublishTimeout:     config.Duration(20 * time.Millisecond),
		SubscriptionBuffer: 16,
		HandlerWorkers:     4,
	}
}

// recorder collects events a handler subscription receives.
type recorder struct {
	mu     sync.Mutex
	events []*model.Event
}

func (r *recorder) handler() Handler {
	return func(_ context.Context, ev *model.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		return nil
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fakeWebhookDispatcher struct {
	mu    sync.Mutex
	calls []string // webhookID
	types []string
}

func (f *fakeWebhookDispatcher) DispatchTo(_ context.Context, webhookID string, ev *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, webhookID)
	f.types = append(f.types, ev.Type)
	return nil
}

func (f *fakeWebhookDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newEventService(webhooks WebhookDispatcher) (*Service, *store.Stores) {
	stores := memory.New()
	svc := NewService(testEventsConfig(), stores.Events, stores.Subscriptions, webhooks)
	return svc, stores
}

func startEventService(t *testing.T, webhooks WebhookDispatcher) *Service {
	t.Helper()
	svc, _ := newEventService(webhooks)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return svc
}

func publish(t *testing.T, svc *Service, owner, typ string, payload map[string]interface{}) *model.Event {
	t.Helper()
	ev, err := svc.Publish(context.Background(), owner, PublishInput{Type: typ, Payload: payload})
	require.NoError(t, err)
	return ev
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestFanOutWithFilters(t *testing.T) {
	svc := startEventService(t, nil)

	var s1, s2 recorder
	_, err := svc.SubscribeHandler("owner-1", "foo.*", nil, s1.handler())
	require.NoError(t, err)
	_, err = svc.SubscribeHandler("owner-1", "foo.bar",
		[]model.SubscriptionFilter{{Path: "x", Op: model.FilterEq, Value: 1}}, s2.handler())
	require.NoError(t, err)

	publish(t, svc, "owner-1", "foo.bar", map[string]interface{}{"x": 1})
	publish(t, svc, "owner-1", "foo.baz", map[string]interface{}{"x": 1})
	publish(t, svc, "owner-1", "foo.bar", map[string]interface{}{"x": 2})

	eventually(t, func() bool { return s1.count() == 3 }, "the unfiltered subscription matches all three")
	eventually(t, func() bool { return s2.count() == 1 }, "the filtered subscription matches only x==1")

	// No stragglers.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, s1.count())
	assert.Equal(t, 1, s2.count())
	s2.mu.Lock()
	assert.Equal(t, "foo.bar", s2.events[0].Type)
	assert.Equal(t, 1, s2.events[0].Payload["x"])
	s2.mu.Unlock()
}

func TestDeliveryFollowsPublishOrder(t *testing.T) {
	svc := startEventService(t, nil)

	var rec recorder
	_, err := svc.SubscribeHandler("", "seq.**", nil, rec.handler())
	require.NoError(t, err)

	const n = 25
	for i := 0; i < n; i++ {
		publish(t, svc, "", "seq.tick", map[string]interface{}{"i": i})
	}

	eventually(t, func() bool { return rec.count() == n }, "all events arrive")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, ev := range rec.events {
		assert.Equal(t, i, ev.Payload["i"], "event %d out of order", i)
	}
}

func TestWebhookSubscriptionDispatches(t *testing.T) {
	fake := &fakeWebhookDispatcher{}
	svc := startEventService(t, fake)

	sub, err := svc.Subscribe(context.Background(), "owner-1", SubscribeInput{
		Pattern:   "deploy.*",
		WebhookID: "wh-1",
	})
	require.NoError(t, err)

	publish(t, svc, "owner-1", "deploy.done", map[string]interface{}{"env": "prod"})
	publish(t, svc, "owner-1", "build.done", nil)

	eventually(t, func() bool { return fake.count() == 1 }, "only the matching event reaches the webhook")
	fake.mu.Lock()
	assert.Equal(t, []string{"wh-1"}, fake.calls)
	assert.Equal(t, []string{"deploy.done"}, fake.types)
	fake.mu.Unlock()

	got, err := svc.GetSubscription(context.Background(), "owner-1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Delivered)
	assert.False(t, got.LastEventAt.IsZero())
}

func TestOwnerScopedFanOut(t *testing.T) {
	svc := startEventService(t, nil)

	var mine, system recorder
	_, err := svc.SubscribeHandler("owner-1", "**", nil, mine.handler())
	require.NoError(t, err)
	_, err = svc.SubscribeHandler("", "**", nil, system.handler())
	require.NoError(t, err)

	publish(t, svc, "owner-2", "a.theirs", nil)
	publish(t, svc, "", "a.system", nil)
	publish(t, svc, "owner-1", "a.mine", nil)

	eventually(t, func() bool { return system.count() == 3 }, "system subscriber sees everything")
	eventually(t, func() bool { return mine.count() == 2 }, "owner subscriber sees own plus system")
	assert.Equal(t, []string{"a.system", "a.mine"}, mine.types())
}

func TestHandlerPanicIsContained(t *testing.T) {
	svc := startEventService(t, nil)

	var hits int32
	var rec recorder
	sub, err := svc.SubscribeHandler("", "boom.**", nil, func(ctx context.Context, ev *model.Event) error {
		if atomic.AddInt32(&hits, 1) == 1 {
			panic("first event explodes")
		}
		return rec.handler()(ctx, ev)
	})
	require.NoError(t, err)

	publish(t, svc, "", "boom.one", nil)
	publish(t, svc, "", "boom.two", nil)

	eventually(t, func() bool { return rec.count() == 1 }, "the subscription survives the panic")
	delivered, dropped, _, ok := svc.broker.liveStats(sub.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), delivered)
	assert.Equal(t, uint64(1), dropped)
}

func TestSlowSubscriberDropsInsteadOfBlockingThePump(t *testing.T) {
	svc, _ := newEventService(nil)
	svc.broker.cfg.SubscriptionBuffer = 1
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	gate := make(chan struct{})
	sub, err := svc.SubscribeHandler("", "slow.**", nil, func(ctx context.Context, _ *model.Event) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, err)

	var fast recorder
	_, err = svc.SubscribeHandler("", "slow.**", nil, fast.handler())
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		publish(t, svc, "", "slow.tick", nil)
	}

	// The fast sibling proves the pump kept moving while the slow
	// subscription shed load.
	eventually(t, func() bool { return fast.count() == n }, "fast subscriber drains everything")
	eventually(t, func() bool {
		_, dropped, _, _ := svc.broker.liveStats(sub.ID)
		return dropped >= 2
	}, "slow subscriber sheds the overflow")

	close(gate)
	eventually(t, func() bool {
		delivered, dropped, _, _ := svc.broker.liveStats(sub.ID)
		return delivered+dropped == n
	}, "every event is either delivered or counted as dropped")
}

func TestOfferBlocksBrieflyThenDrops(t *testing.T) {
	br := NewBroker(config.Events{
		QueueSize:          1,
		PublishTimeout:     config.Duration(30 * time.Millisecond),
		SubscriptionBuffer: 1,
		HandlerWorkers:     1,
	}, nil, nil, nil)

	// Stage a started broker whose pump never runs, so the queue stays full.
	br.queue = make(chan *model.Event, 1)
	br.stopPump = make(chan struct{})
	atomic.StoreUint32(&br.internalState, Started)

	ev := &model.Event{ID: "e1", Type: "t"}
	require.True(t, br.offer(ev))

	start := time.Now()
	assert.False(t, br.offer(ev))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	stats := br.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestResumeReattachesDurableSubscriptions(t *testing.T) {
	stores := memory.New()
	fake := &fakeWebhookDispatcher{}

	first := NewService(testEventsConfig(), stores.Events, stores.Subscriptions, fake)
	require.NoError(t, first.Start(context.Background()))
	_, err := first.Subscribe(context.Background(), "owner-1", SubscribeInput{Pattern: "a.*", WebhookID: "wh-9"})
	require.NoError(t, err)
	first.Stop()

	second := NewService(testEventsConfig(), stores.Events, stores.Subscriptions, fake)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(second.Stop)

	publish(t, second, "owner-1", "a.b", nil)
	eventually(t, func() bool { return fake.count() == 1 }, "the resumed subscription still delivers")
}

func TestBrokerLifecycle(t *testing.T) {
	svc, _ := newEventService(nil)
	require.NoError(t, svc.Start(context.Background()))
	require.Error(t, svc.broker.Start(), "double start must fail")
	assert.Equal(t, Started, svc.broker.State())

	svc.Stop()
	assert.Equal(t, Stopped, svc.broker.State())

	// Handler subscriptions need a running broker.
	_, err := svc.SubscribeHandler("", "a.*", nil, func(context.Context, *model.Event) error { return nil })
	require.Error(t, err)
}
