// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"fmt"
	"time"
)

// NotificationChannel selects the transport for a notification.
type NotificationChannel string

const (
	ChannelEmail  NotificationChannel = "email"
	ChannelSMS    NotificationChannel = "sms"
	ChannelPush   NotificationChannel = "push"
	ChannelChat   NotificationChannel = "chat"
	ChannelCustom NotificationChannel = "custom"
)

// KnownChannel reports whether c is one of the supported channels.
func KnownChannel(c NotificationChannel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelCustom:
		return true
	}
	return false
}

// NotificationPriority orders queued notifications; higher ranks drain first.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// ParsePriority maps the wire form to a priority. Empty means normal.
func ParsePriority(s string) (NotificationPriority, error) {
	switch p := NotificationPriority(s); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown notification priority %q", s)
}

// Rank is the queue ordering weight of the priority.
func (p NotificationPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	}
	return 1
}

// NotificationTemplate is a reusable message body with {{name}} placeholders.
type NotificationTemplate struct {
	ID             string              `json:"id" db:"id"`
	OwnerID        string              `json:"owner_id" db:"owner_id"`
	Name           string              `json:"name" db:"name"`
	Channel        NotificationChannel `json:"channel" db:"channel"`
	Subject        string              `json:"subject,omitempty" db:"subject"`
	Body           string              `json:"body" db:"body"`
	RequiredParams []string            `json:"required_params" db:"-"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
}

// NotificationStatus is the lifecycle state of a notification delivery.
type NotificationStatus string

const (
	// NotificationQueued is waiting for a worker or its scheduled time.
	NotificationQueued NotificationStatus = "queued"
	// NotificationSending has been picked up by a worker.
	NotificationSending NotificationStatus = "sending"
	// NotificationSent reached every recipient.
	NotificationSent NotificationStatus = "sent"
	// NotificationPartial reached some recipients but not all.
	NotificationPartial NotificationStatus = "partial"
	// NotificationFailed reached no recipient.
	NotificationFailed NotificationStatus = "failed"
	// NotificationCancelled was cancelled while still queued.
	NotificationCancelled NotificationStatus = "cancelled"
)

// Terminal reports whether every recipient has been resolved at least once.
// A partial or failed delivery may still be lifted by a retry cycle; sent
// and cancelled never change again.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationSent || s == NotificationPartial || s == NotificationFailed || s == NotificationCancelled
}

// Final reports whether no transition out of s is possible.
func (s NotificationStatus) Final() bool {
	return s == NotificationSent || s == NotificationCancelled
}

// CanTransition reports whether moving to next is legal. The chain is
// monotonic: queued, sending, failed, partial, sent. Retry cycles may lift
// a failed or partial delivery but never demote one. Cancellation is only
// possible before a worker picks the delivery up.
func (s NotificationStatus) CanTransition(next NotificationStatus) bool {
	switch s {
	case NotificationQueued:
		return next == NotificationSending || next == NotificationCancelled
	case NotificationSending:
		return next == NotificationSent || next == NotificationPartial || next == NotificationFailed
	case NotificationFailed:
		return next == NotificationPartial || next == NotificationSent
	case NotificationPartial:
		return next == NotificationSent
	}
	return false
}

// RecipientResult is the per-recipient outcome of one notification.
type RecipientResult struct {
	Recipient string    `json:"recipient"`
	Sent      bool      `json:"sent"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

// NotificationDelivery tracks one notification through the queue and out to
// its recipients.
type NotificationDelivery struct {
	ID          string                 `json:"id" db:"id"`
	OwnerID     string                 `json:"owner_id" db:"owner_id"`
	TemplateID  string                 `json:"template_id,omitempty" db:"template_id"`
	Channel     NotificationChannel    `json:"channel" db:"channel"`
	Recipients  []string               `json:"recipients" db:"-"`
	Params      map[string]string      `json:"params,omitempty" db:"-"`
	Subject     string                 `json:"subject,omitempty" db:"subject"`
	Body        string                 `json:"body" db:"body"`
	Priority    NotificationPriority   `json:"priority" db:"priority"`
	Status      NotificationStatus     `json:"status" db:"status"`
	Results     []RecipientResult      `json:"results,omitempty" db:"-"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"-"`
	ScheduledAt time.Time              `json:"scheduled_at" db:"scheduled_at"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
}

// ResolveStatus derives the terminal status from per-recipient results.
func (d *NotificationDelivery) ResolveStatus() NotificationStatus {
	if len(d.Results) == 0 {
		return NotificationFailed
	}
	sent := 0
	for _, r := range d.Results {
		if r.Sent {
			sent++
		}
	}
	switch sent {
	case 0:
		return NotificationFailed
	case len(d.Results):
		return NotificationSent
	default:
		return NotificationPartial
	}
}
