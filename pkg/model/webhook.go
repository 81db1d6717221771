// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// Webhook is a registered delivery target for matching events.
type Webhook struct {
	ID          string    `json:"id" db:"id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	TargetURL   string    `json:"target_url" db:"target_url"`
	Secret      string    `json:"-" db:"secret"`
	EventTypes  []string  `json:"event_types" db:"-"`
	MaxAttempts int       `json:"max_attempts" db:"max_attempts"`
	RateLimit   float64   `json:"rate_limit,omitempty" db:"rate_limit"`
	Active      bool      `json:"active" db:"active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	// DeliveryPending is queued for a first or further attempt.
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryDelivered got a 2xx from the target.
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryFailed hit a permanent, non-retryable failure.
	DeliveryFailed DeliveryStatus = "failed"
	// DeliveryExhausted ran out of retry attempts.
	DeliveryExhausted DeliveryStatus = "exhausted"
	// DeliveryCancelled was cancelled before reaching a terminal outcome.
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether no further attempts or edits are allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryExhausted || s == DeliveryCancelled
}

// CanTransition reports whether moving to next is legal. Terminal states
// accept nothing; pending may stay pending across retry reschedules.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliveryExhausted, DeliveryCancelled:
		return true
	}
	return false
}

// DeliveryAttempt records one HTTP attempt against the target. Response
// holds a truncated copy of the target's body for failed attempts.
type DeliveryAttempt struct {
	Number     int           `json:"number"`
	StatusCode int           `json:"status_code,omitempty"`
	Response   string        `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration_ns"`
}

// WebhookDelivery tracks one event being delivered to one webhook.
type WebhookDelivery struct {
	ID            string            `json:"id" db:"id"`
	WebhookID     string            `json:"webhook_id" db:"webhook_id"`
	OwnerID       string            `json:"owner_id" db:"owner_id"`
	EventID       string            `json:"event_id" db:"event_id"`
	EventType     string            `json:"event_type" db:"event_type"`
	Payload       []byte            `json:"-" db:"payload"`
	Status        DeliveryStatus    `json:"status" db:"status"`
	Attempts      []DeliveryAttempt `json:"attempts" db:"-"`
	MaxAttempts   int               `json:"max_attempts" db:"max_attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// AttemptCount returns how many attempts have been made so far.
func (d *WebhookDelivery) AttemptCount() int { return len(d.Attempts) }

// LastAttempt returns the most recent attempt, nil before the first one.
func (d *WebhookDelivery) LastAttempt() *DeliveryAttempt {
	if len(d.Attempts) == 0 {
		return nil
	}
	return &d.Attempts[len(d.Attempts)-1]
}
