// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// Event is one immutable occurrence published on the broker.
type Event struct {
	ID          string                 `json:"id" db:"id"`
	Type        string                 `json:"type" db:"type"`
	Source      string                 `json:"source" db:"source"`
	OwnerID     string                 `json:"owner_id,omitempty" db:"owner_id"`
	Payload     map[string]interface{} `json:"payload" db:"-"`
	Metadata    map[string]string      `json:"metadata,omitempty" db:"-"`
	PublishedAt time.Time              `json:"published_at" db:"published_at"`
}

// FilterOp compares a payload field against a literal.
type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterNeq      FilterOp = "neq"
	FilterGt       FilterOp = "gt"
	FilterLt       FilterOp = "lt"
	FilterContains FilterOp = "contains"
	FilterExists   FilterOp = "exists"
)

// KnownFilterOp reports whether op is a supported predicate operator.
func KnownFilterOp(op FilterOp) bool {
	switch op {
	case FilterEq, FilterNeq, FilterGt, FilterLt, FilterContains, FilterExists:
		return true
	}
	return false
}

// SubscriptionFilter is one payload predicate; all filters on a
// subscription must hold for an event to be dispatched.
type SubscriptionFilter struct {
	Path  string      `json:"path"`
	Op    FilterOp    `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// SubscriptionKind says how matched events leave the broker.
type SubscriptionKind string

const (
	// SubscriptionHandler dispatches to an in-process callback.
	SubscriptionHandler SubscriptionKind = "handler"
	// SubscriptionWebhook enqueues a webhook delivery.
	SubscriptionWebhook SubscriptionKind = "webhook"
)

// Subscription binds an event-type pattern plus payload filters to a sink.
type Subscription struct {
	ID        string               `json:"id" db:"id"`
	OwnerID   string               `json:"owner_id" db:"owner_id"`
	Pattern   string               `json:"pattern" db:"pattern"`
	Filters   []SubscriptionFilter `json:"filters,omitempty" db:"-"`
	Kind      SubscriptionKind     `json:"kind" db:"kind"`
	WebhookID string               `json:"webhook_id,omitempty" db:"webhook_id"`
	Active    bool                 `json:"active" db:"active"`
	CreatedAt time.Time            `json:"created_at" db:"created_at"`

	// Delivery counters, maintained by the broker.
	Delivered   uint64    `json:"delivered" db:"delivered"`
	Dropped     uint64    `json:"dropped" db:"dropped"`
	LastEventAt time.Time `json:"last_event_at,omitempty" db:"last_event_at"`
}
