// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
)

func TestPublishValidation(t *testing.T) {
	svc, _ := newEventService(nil)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "owner-1", PublishInput{Type: "  "})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Publish(ctx, "owner-1", PublishInput{
		Type:    "a.b",
		Payload: map[string]interface{}{"bad": make(chan int)},
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestPublishWhileStoppedStillPersists(t *testing.T) {
	svc, stores := newEventService(nil)
	ctx := context.Background()

	ev, err := svc.Publish(ctx, "owner-1", PublishInput{Type: "a.b", Payload: map[string]interface{}{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, "api", ev.Source)
	assert.False(t, ev.PublishedAt.IsZero())

	stored, err := stores.Events.FindByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.b", stored.Type)

	stats := svc.Stats()
	assert.Equal(t, uint64(0), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestSubscribeValidation(t *testing.T) {
	svc := startEventService(t, &fakeWebhookDispatcher{})
	ctx := context.Background()

	cases := map[string]SubscribeInput{
		"empty pattern": {WebhookID: "wh-1"},
		"bad glob":      {Pattern: "[", WebhookID: "wh-1"},
		"no webhook":    {Pattern: "a.*"},
		"bad filter": {Pattern: "a.*", WebhookID: "wh-1",
			Filters: []model.SubscriptionFilter{{Path: "x", Op: "like", Value: 1}}},
	}
	for name, in := range cases {
		_, err := svc.Subscribe(ctx, "owner-1", in)
		require.Error(t, err, name)
		assert.True(t, errors.IsValidation(err), name)
	}

	sub, err := svc.Subscribe(ctx, "owner-1", SubscribeInput{Pattern: "a.*", WebhookID: "wh-1"})
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionWebhook, sub.Kind)
	assert.True(t, sub.Active)
}

func TestUnsubscribeOwnershipAndKinds(t *testing.T) {
	svc := startEventService(t, &fakeWebhookDispatcher{})
	ctx := context.Background()

	durable, err := svc.Subscribe(ctx, "owner-1", SubscribeInput{Pattern: "a.*", WebhookID: "wh-1"})
	require.NoError(t, err)

	err = svc.Unsubscribe(ctx, "owner-2", durable.ID)
	assert.True(t, errors.IsForbidden(err))

	require.NoError(t, svc.Unsubscribe(ctx, "owner-1", durable.ID))
	_, err = svc.GetSubscription(ctx, "owner-1", durable.ID)
	assert.True(t, errors.IsNotFound(err))

	ephemeral, err := svc.SubscribeHandler("owner-1", "b.*", nil,
		func(context.Context, *model.Event) error { return nil })
	require.NoError(t, err)

	err = svc.Unsubscribe(ctx, "owner-2", ephemeral.ID)
	assert.True(t, errors.IsForbidden(err))
	require.NoError(t, svc.Unsubscribe(ctx, "owner-1", ephemeral.ID))

	err = svc.Unsubscribe(ctx, "owner-1", "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestUnsubscribedSubscriptionStopsReceiving(t *testing.T) {
	fake := &fakeWebhookDispatcher{}
	svc := startEventService(t, fake)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, "owner-1", SubscribeInput{Pattern: "a.*", WebhookID: "wh-1"})
	require.NoError(t, err)

	publish(t, svc, "owner-1", "a.one", nil)
	eventually(t, func() bool { return fake.count() == 1 }, "first event delivers")

	require.NoError(t, svc.Unsubscribe(ctx, "owner-1", sub.ID))
	publish(t, svc, "owner-1", "a.two", nil)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, fake.count())
}

func TestListSubscriptionsShowsDurableOnly(t *testing.T) {
	svc := startEventService(t, &fakeWebhookDispatcher{})
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "owner-1", SubscribeInput{Pattern: "a.*", WebhookID: "wh-1"})
	require.NoError(t, err)
	_, err = svc.SubscribeHandler("owner-1", "b.*", nil,
		func(context.Context, *model.Event) error { return nil })
	require.NoError(t, err)

	subs, err := svc.ListSubscriptions(ctx, "owner-1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "a.*", subs[0].Pattern)
}

func TestEventVisibility(t *testing.T) {
	svc := startEventService(t, nil)
	ctx := context.Background()

	mine := publish(t, svc, "owner-1", "a.mine", nil)
	system := publish(t, svc, "", "a.system", nil)

	_, err := svc.GetEvent(ctx, "owner-2", mine.ID)
	assert.True(t, errors.IsForbidden(err))

	got, err := svc.GetEvent(ctx, "owner-2", system.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.system", got.Type)

	listed, err := svc.ListEvents(ctx, "owner-1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, mine.ID, listed[0].ID)
}

func TestSubscriptionStatsSurviveRestart(t *testing.T) {
	fake := &fakeWebhookDispatcher{}
	svc, stores := newEventService(fake)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	sub, err := svc.Subscribe(ctx, "owner-1", SubscribeInput{Pattern: "a.*", WebhookID: "wh-1"})
	require.NoError(t, err)
	publish(t, svc, "owner-1", "a.b", nil)
	eventually(t, func() bool { return fake.count() == 1 }, "event delivers")

	// Stop flushes the live counters into the row.
	svc.Stop()
	row, err := stores.Subscriptions.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), row.Delivered)
	assert.False(t, row.LastEventAt.IsZero())
}
