// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package notify

import (
	"container/heap"
	"sync"
	"time"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
)

// queueItem is one delivery waiting in the engine. notBefore is when it may
// next be handed to a worker; scheduledAt keeps the original ordering key so
// a throttled requeue does not lose its place against newcomers. cycle
// counts completed send passes over the recipients.
type queueItem struct {
	deliveryID  string
	priority    model.NotificationPriority
	scheduledAt time.Time
	notBefore   time.Time
	cycle       int
	seq         uint64
}

// scheduleQueue orders items by the time they become ready.
type scheduleQueue []*queueItem

func (q scheduleQueue) Len() int            { return len(q) }
func (q scheduleQueue) Less(i, j int) bool  { return q[i].notBefore.Before(q[j].notBefore) }
func (q scheduleQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *scheduleQueue) Push(x interface{}) { *q = append(*q, x.(*queueItem)) }

func (q *scheduleQueue) Pop() interface{} {
	old := *q
	*q = old[:len(old)-1]
	return old[len(old)-1]
}

// readyQueue orders due items for dispatch: priority rank descending, then
// scheduled time ascending, then arrival order.
type readyQueue []*queueItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if ri, rj := q[i].priority.Rank(), q[j].priority.Rank(); ri != rj {
		return ri > rj
	}
	if !q[i].scheduledAt.Equal(q[j].scheduledAt) {
		return q[i].scheduledAt.Before(q[j].scheduledAt)
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*queueItem)) }

func (q *readyQueue) Pop() interface{} {
	old := *q
	*q = old[:len(old)-1]
	return old[len(old)-1]
}

// notificationQueue is the two-stage queue feeding the workers: items wait
// in the schedule heap until due, then drain through the ready heap in
// (priority desc, scheduled-at asc) order.
type notificationQueue struct {
	mtx      sync.Mutex
	capacity int
	seq      uint64
	schedule scheduleQueue
	ready    readyQueue
}

func newNotificationQueue(capacity int) *notificationQueue {
	q := &notificationQueue{capacity: capacity}
	heap.Init(&q.schedule)
	heap.Init(&q.ready)
	return q
}

// push parks an item until its notBefore time passes. Requeues bypass the
// capacity check so a full queue cannot strand an in-flight delivery.
func (q *notificationQueue) push(it *queueItem, requeue bool) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if !requeue && q.capacity > 0 && len(q.schedule)+len(q.ready) >= q.capacity {
		return errors.NewRateLimited(0, "notification queue is full (%d items)", q.capacity)
	}
	q.seq++
	it.seq = q.seq
	heap.Push(&q.schedule, it)
	return nil
}

// popDue promotes items whose time has come and returns the highest-priority
// ready item, or nil when nothing is due.
func (q *notificationQueue) popDue(now time.Time) *queueItem {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for q.schedule.Len() > 0 {
		next := q.schedule[0]
		if next.notBefore.After(now) {
			break
		}
		heap.Push(&q.ready, heap.Pop(&q.schedule).(*queueItem))
	}
	if q.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*queueItem)
}

func (q *notificationQueue) len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.schedule) + len(q.ready)
}
