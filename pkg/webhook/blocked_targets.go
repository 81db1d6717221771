// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webhook

import (
	"sync"
	"time"

	"github.com/eden-vertex/vertex/pkg/util/backoff"
)

// timeNow is swapped in tests.
var timeNow = time.Now

type block struct {
	nbError int
	until   time.Time
}

// blockedTargets holds a per-target error count and a wall-clock gate so a
// downstream outage throttles every delivery to that target instead of each
// delivery hammering it on its own retry schedule.
type blockedTargets struct {
	errorPerTarget map[string]*block
	policy         backoff.Policy
	m              sync.RWMutex
}

func newBlockedTargets(policy backoff.Policy) *blockedTargets {
	return &blockedTargets{
		errorPerTarget: make(map[string]*block),
		policy:         policy,
	}
}

func (e *blockedTargets) close(target string) {
	e.m.Lock()
	defer e.m.Unlock()

	b, ok := e.errorPerTarget[target]
	if !ok {
		b = &block{}
	}
	b.nbError = e.policy.IncError(b.nbError)
	b.until = timeNow().Add(e.policy.GetBackoffDuration(b.nbError))
	e.errorPerTarget[target] = b
}

func (e *blockedTargets) recover(target string) {
	e.m.Lock()
	defer e.m.Unlock()

	b, ok := e.errorPerTarget[target]
	if !ok {
		return
	}
	b.nbError = e.policy.DecError(b.nbError)
	if b.nbError == 0 {
		delete(e.errorPerTarget, target)
		return
	}
	b.until = timeNow().Add(e.policy.GetBackoffDuration(b.nbError))
}

func (e *blockedTargets) isBlocked(target string) bool {
	e.m.RLock()
	defer e.m.RUnlock()

	if b, ok := e.errorPerTarget[target]; ok && timeNow().Before(b.until) {
		return true
	}
	return false
}

// errorCount reports the consecutive error count for a target, for status
// pages and tests.
func (e *blockedTargets) errorCount(target string) int {
	e.m.RLock()
	defer e.m.RUnlock()

	if b, ok := e.errorPerTarget[target]; ok {
		return b.nbError
	}
	return 0
}
