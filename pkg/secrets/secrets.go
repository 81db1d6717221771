// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package secrets resolves credential references. Integrations never store
// raw credentials; they store refs like "env://GITHUB_TOKEN" or
// "secret://prod-jira" that are resolved at connector-build time, so
// rotating a credential never touches the integration record.
package secrets

import (
	"os"
	"strings"

	"github.com/eden-vertex/vertex/pkg/errors"
)

// Resolver turns a credential reference into the secret value.
type Resolver interface {
	Resolve(ref string) (string, error)
}

const (
	envScheme   = "env://"
	storeScheme = "secret://"
	plainScheme = "plain:"
)

// EnvResolver resolves env:// refs from the process environment.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(ref string) (string, error) {
	name := strings.TrimPrefix(ref, envScheme)
	if name == "" {
		return "", errors.NewValidation("empty environment variable name in credential ref")
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.NewNotFound("environment variable", name)
	}
	return value, nil
}

// ChainResolver dispatches on the ref scheme: env:// to the environment,
// secret:// to the encrypted store, plain: to the rest of the ref verbatim.
// Anything without a scheme is taken as a literal too; the plain: form
// exists for values that would otherwise parse as a scheme.
type ChainResolver struct {
	env   EnvResolver
	store *EncryptedStore
}

// NewChainResolver builds the production resolver. store may be nil when no
// master key is configured; secret:// refs then fail to resolve.
func NewChainResolver(store *EncryptedStore) *ChainResolver {
	return &ChainResolver{store: store}
}

// Resolve implements Resolver.
func (c *ChainResolver) Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envScheme):
		return c.env.Resolve(ref)
	case strings.HasPrefix(ref, storeScheme):
		if c.store == nil {
			return "", errors.NewValidation("secret store is not configured, cannot resolve %q", ref)
		}
		return c.store.Get(strings.TrimPrefix(ref, storeScheme))
	case strings.HasPrefix(ref, plainScheme):
		return strings.TrimPrefix(ref, plainScheme), nil
	default:
		return ref, nil
	}
}
