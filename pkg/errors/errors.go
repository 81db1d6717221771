// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package errors defines the error taxonomy shared across the hub. Every
// subsystem returns these so the API layer and the retry paths can decide
// status codes and retryability without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind uint8

const (
	// KindUnknown is an unclassified internal failure.
	KindUnknown Kind = iota
	// KindValidation rejects malformed or out-of-range input.
	KindValidation
	// KindConflict signals a uniqueness or state-machine violation.
	KindConflict
	// KindNotFound signals a missing or out-of-scope resource.
	KindNotFound
	// KindUnauthenticated signals a missing or invalid credential.
	KindUnauthenticated
	// KindForbidden signals an authenticated caller without ownership.
	KindForbidden
	// KindConnector wraps a failure inside a connector operation.
	KindConnector
	// KindTransport wraps a network-level delivery failure.
	KindTransport
	// KindTemplateRender signals a template that cannot be rendered.
	KindTemplateRender
	// KindTimeout signals an operation that exceeded its deadline.
	KindTimeout
	// KindRateLimited signals a caller or target over its rate budget.
	KindRateLimited
)

var kindCodes = map[Kind]string{
	KindUnknown:         "internal_error",
	KindValidation:      "validation_error",
	KindConflict:        "conflict",
	KindNotFound:        "not_found",
	KindUnauthenticated: "unauthorized",
	KindForbidden:       "forbidden",
	KindConnector:       "connector_error",
	KindTransport:       "transport_error",
	KindTemplateRender:  "template_render_error",
	KindTimeout:         "timeout",
	KindRateLimited:     "rate_limited",
}

// Code returns the wire identifier used in API error bodies.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

// Error is the hub error type: a kind, a human message, optional structured
// details and an optional wrapped cause.
type Error struct {
	kind       Kind
	message    string
	details    map[string]interface{}
	cause      error
	retryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the human-readable message without the cause.
func (e *Error) Message() string { return e.message }

// Details returns the structured details map, which may be nil.
func (e *Error) Details() map[string]interface{} { return e.details }

// RetryAfter returns the server-suggested wait for rate-limited errors,
// zero when none was given.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.details == nil {
		e.details = make(map[string]interface{})
	}
	e.details[key] = value
	return e
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		kind:    kind,
		message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// NewValidation builds a validation error.
func NewValidation(format string, args ...interface{}) *Error {
	return newError(KindValidation, nil, format, args...)
}

// NewConflict builds a conflict error.
func NewConflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, nil, format, args...)
}

// NewNotFound builds a not-found error for the named resource.
func NewNotFound(resource, id string) *Error {
	return newError(KindNotFound, nil, "%s %s not found", resource, id)
}

// NewUnauthenticated builds a missing/invalid-credential error.
func NewUnauthenticated(format string, args ...interface{}) *Error {
	return newError(KindUnauthenticated, nil, format, args...)
}

// NewForbidden builds an ownership/permission error.
func NewForbidden(format string, args ...interface{}) *Error {
	return newError(KindForbidden, nil, format, args...)
}

// NewConnector wraps a connector failure.
func NewConnector(cause error, format string, args ...interface{}) *Error {
	return newError(KindConnector, cause, format, args...)
}

// NewTransport wraps a network delivery failure.
func NewTransport(cause error, format string, args ...interface{}) *Error {
	return newError(KindTransport, cause, format, args...)
}

// NewTemplateRender builds a template rendering error.
func NewTemplateRender(format string, args ...interface{}) *Error {
	return newError(KindTemplateRender, nil, format, args...)
}

// NewTimeout builds a deadline-exceeded error.
func NewTimeout(format string, args ...interface{}) *Error {
	return newError(KindTimeout, nil, format, args...)
}

// NewRateLimited builds a rate-limit error. retryAfter may be zero.
func NewRateLimited(retryAfter time.Duration, format string, args ...interface{}) *Error {
	e := newError(KindRateLimited, nil, format, args...)
	e.retryAfter = retryAfter
	return e
}

// GetKind extracts the Kind from any error, KindUnknown when unclassified.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

func is(err error, kind Kind) bool { return GetKind(err) == kind }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsUnauthenticated reports whether err is a credential error.
func IsUnauthenticated(err error) bool { return is(err, KindUnauthenticated) }

// IsForbidden reports whether err is a permission error.
func IsForbidden(err error) bool { return is(err, KindForbidden) }

// IsConnector reports whether err is a connector error.
func IsConnector(err error) bool { return is(err, KindConnector) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return is(err, KindTransport) }

// IsTemplateRender reports whether err is a template rendering error.
func IsTemplateRender(err error) bool { return is(err, KindTemplateRender) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsRateLimited reports whether err is a rate-limit error.
func IsRateLimited(err error) bool { return is(err, KindRateLimited) }

// IsRetryable reports whether a delivery path should retry after err.
// Transient transport, timeout and rate-limit failures are retryable;
// validation, ownership and state errors are not.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
