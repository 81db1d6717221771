// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package backoff implements the retry delay policy shared by the delivery
// pipelines and the per-endpoint circuit breaker.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Policy computes retry delays and tracks consecutive error counts.
type Policy interface {
	// IncError returns the error count to use after one more failure.
	IncError(numErrors int) int
	// DecError returns the error count to use after a success.
	DecError(numErrors int) int
	// GetBackoffDuration returns how long to wait before the attempt
	// following numErrors consecutive failures.
	GetBackoffDuration(numErrors int) time.Duration
}

// ExpBackoffPolicy grows delays exponentially from base, doubling per error
// up to max, then applies a symmetric random jitter so synchronized clients
// spread out: delay = min(max, base*2^(n-1)) * (1 + rand[-jitter, +jitter]).
type ExpBackoffPolicy struct {
	base          time.Duration
	max           time.Duration
	jitter        float64
	recoveryStep  int
	recoveryReset bool

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Policy = &ExpBackoffPolicy{}

// NewExpBackoffPolicy returns a policy with the given base and max delays
// and jitter fraction in [0, 1). recoveryStep is how many errors a single
// success forgives; recoveryReset forgives all of them.
func NewExpBackoffPolicy(base, max time.Duration, jitter float64, recoveryStep int, recoveryReset bool) *ExpBackoffPolicy {
	return NewExpBackoffPolicyWithSource(base, max, jitter, recoveryStep, recoveryReset, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewExpBackoffPolicyWithSource is NewExpBackoffPolicy with a caller-owned
// random source, so tests can seed it and assert exact delays.
func NewExpBackoffPolicyWithSource(base, max time.Duration, jitter float64, recoveryStep int, recoveryReset bool, rng *rand.Rand) *ExpBackoffPolicy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.99
	}
	if recoveryStep < 1 {
		recoveryStep = 1
	}
	return &ExpBackoffPolicy{
		base:          base,
		max:           max,
		jitter:        jitter,
		recoveryStep:  recoveryStep,
		recoveryReset: recoveryReset,
		rng:           rng,
	}
}

// IncError implements Policy.
func (p *ExpBackoffPolicy) IncError(numErrors int) int {
	if numErrors < 0 {
		numErrors = 0
	}
	// Past the point where the raw delay exceeds max the count no longer
	// changes the delay, so stop growing it and keep DecError cheap.
	if p.base<<uint(numErrors) >= p.max {
		return numErrors + 1
	}
	return numErrors + 1
}

// DecError implements Policy.
func (p *ExpBackoffPolicy) DecError(numErrors int) int {
	if p.recoveryReset {
		return 0
	}
	numErrors -= p.recoveryStep
	if numErrors < 0 {
		return 0
	}
	return numErrors
}

// GetBackoffDuration implements Policy. numErrors <= 0 yields no delay.
func (p *ExpBackoffPolicy) GetBackoffDuration(numErrors int) time.Duration {
	if numErrors <= 0 {
		return 0
	}

	raw := p.max
	// Shifting past 62 bits overflows time.Duration long before any sane
	// max, so only compute the power while it can still be below max.
	if shift := uint(numErrors - 1); shift < 62 {
		if d := p.base << shift; d > 0 && d < p.max {
			raw = d
		}
	}

	if p.jitter == 0 {
		return raw
	}

	p.mu.Lock()
	factor := 1 + p.jitter*(2*p.rng.Float64()-1)
	p.mu.Unlock()

	return time.Duration(float64(raw) * factor)
}
