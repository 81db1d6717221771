// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
)

func item(id string, p model.NotificationPriority, at time.Time) *queueItem {
	return &queueItem{deliveryID: id, priority: p, scheduledAt: at, notBefore: at}
}

func TestQueueDrainsByPriorityThenScheduleTime(t *testing.T) {
	now := time.Now()
	q := newNotificationQueue(16)

	require.NoError(t, q.push(item("low", model.PriorityLow, now.Add(-4*time.Second)), false))
	require.NoError(t, q.push(item("normal-late", model.PriorityNormal, now.Add(-1*time.Second)), false))
	require.NoError(t, q.push(item("normal-early", model.PriorityNormal, now.Add(-2*time.Second)), false))
	require.NoError(t, q.push(item("urgent", model.PriorityUrgent, now.Add(-1*time.Second)), false))
	require.NoError(t, q.push(item("high", model.PriorityHigh, now.Add(-3*time.Second)), false))

	var order []string
	for {
		it := q.popDue(now)
		if it == nil {
			break
		}
		order = append(order, it.deliveryID)
	}
	assert.Equal(t, []string{"urgent", "high", "normal-early", "normal-late", "low"}, order)
}

func TestQueueBreaksTiesByArrivalOrder(t *testing.T) {
	now := time.Now()
	q := newNotificationQueue(16)

	require.NoError(t, q.push(item("first", model.PriorityNormal, now), false))
	require.NoError(t, q.push(item("second", model.PriorityNormal, now), false))

	assert.Equal(t, "first", q.popDue(now).deliveryID)
	assert.Equal(t, "second", q.popDue(now).deliveryID)
}

func TestQueueHoldsItemsUntilDue(t *testing.T) {
	now := time.Now()
	q := newNotificationQueue(16)

	require.NoError(t, q.push(item("later", model.PriorityUrgent, now.Add(time.Minute)), false))
	assert.Nil(t, q.popDue(now))
	assert.Equal(t, 1, q.len())

	it := q.popDue(now.Add(2 * time.Minute))
	require.NotNil(t, it)
	assert.Equal(t, "later", it.deliveryID)
	assert.Equal(t, 0, q.len())
}

func TestQueueCapacity(t *testing.T) {
	now := time.Now()
	q := newNotificationQueue(2)

	require.NoError(t, q.push(item("a", model.PriorityNormal, now), false))
	require.NoError(t, q.push(item("b", model.PriorityNormal, now), false))

	err := q.push(item("c", model.PriorityNormal, now), false)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))

	// Requeues of in-flight work bypass the cap.
	require.NoError(t, q.push(item("c", model.PriorityNormal, now), true))
	assert.Equal(t, 3, q.len())
}
