// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package auth validates bearer tokens and carries the caller identity that
// every hub operation scopes by.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eden-vertex/vertex/pkg/errors"
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID string
	OrgID  string
	Role   string
}

// Validator turns a bearer token into an Identity.
type Validator interface {
	Validate(token string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTValidator validates HMAC-signed JWTs. The subject claim is the user id.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator builds a validator for tokens signed with the given
// shared secret. issuer is enforced when non-empty.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate implements Validator.
func (v *JWTValidator) Validate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.NewUnauthenticated("missing bearer token")
	}

	var c claims
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, errors.NewUnauthenticated("invalid bearer token")
	}
	if c.Subject == "" {
		return Identity{}, errors.NewUnauthenticated("token has no subject")
	}

	return Identity{UserID: c.Subject, OrgID: c.OrgID, Role: c.Role}, nil
}

type ctxKey struct{}

// WithIdentity attaches the caller identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller identity, or an unauthenticated error when
// the request never passed the auth middleware.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, errors.NewUnauthenticated("no identity in context")
	}
	return id, nil
}
