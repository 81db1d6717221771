// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package webhook implements registration and reliable, HMAC-signed event
// delivery to external HTTP targets. Deliveries are persisted, attempted by
// a worker pool and retried with exponential backoff until delivered,
// exhausted or cancelled.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/eden-vertex/vertex/pkg/model"
)

// Delivery request headers. X-Event-Id is stable across retries so receivers
// can deduplicate; X-Attempt counts from 1.
const (
	HeaderEventID     = "X-Event-Id"
	HeaderEventType   = "X-Event-Type"
	HeaderSignature   = "X-Signature"
	HeaderAttempt     = "X-Attempt"
	HeaderDeliveredAt = "X-Delivered-At"

	// SignaturePrefix tags the algorithm in the X-Signature header.
	SignaturePrefix = "sha256="
)

// Sign computes the X-Signature header value for a canonical payload:
// "sha256=" + hex(HMAC-SHA256(secret, payload)). The payload must already be
// in canonical form; signing and verification byte-compare it.
func Sign(secret, canonicalPayload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalPayload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received payload against the X-Signature header value.
// The payload is canonicalized first, so receivers can pass the raw request
// body even if a proxy re-encoded it, and the comparison is constant-time.
// Malformed payloads or headers verify as false.
func Verify(secret, payload []byte, header string) bool {
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return false
	}

	canonical, err := model.CanonicalizeJSON(payload)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), got)
}
