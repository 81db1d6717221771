// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package integrations implements the integration engine: it owns the
// integration records, materializes connector instances on demand and routes
// test/execute calls to them. Connectors are registered per type in a
// factory table; the engine never looks inside one.
package integrations

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
)

// Connector is the contract every external-system adapter implements.
// Instances are built per integration and must not share mutable state;
// each receives its own resolved credential at build time.
type Connector interface {
	// Test verifies the connection end to end.
	Test(ctx context.Context) error
	// Capabilities lists the operations the connector supports.
	Capabilities() []model.ConnectorCapability
	// Execute runs one declared operation.
	Execute(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error)
	// Close releases the live connection. Called on eviction.
	Close() error
}

// BuildContext is what a factory gets to materialize a connector: the
// integration's opaque config and its already-resolved credential.
type BuildContext struct {
	Config     map[string]interface{}
	Credential string
}

// Factory builds connectors for one integration type.
type Factory struct {
	// Type is the integration type the factory serves, e.g. "aws".
	Type string
	// RequiredConfig lists config keys Register refuses to proceed without.
	RequiredConfig []string
	// New builds a live connector.
	New func(ctx context.Context, bc BuildContext) (Connector, error)
}

// Registry is the type→factory table.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same type twice is a programming
// error and fails loudly.
func (r *Registry) Register(f Factory) error {
	if f.Type == "" || f.New == nil {
		return fmt.Errorf("connector factory needs a type and a build function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Type]; ok {
		return fmt.Errorf("connector type %q is already registered", f.Type)
	}
	r.factories[f.Type] = f
	return nil
}

// Get returns the factory for a type.
func (r *Registry) Get(connType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[connType]
	return f, ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// TestResult is the outcome of an integration test call. Connector failures
// land in Diagnostics instead of failing the call, so a broken credential is
// reported the same way as a healthy one.
type TestResult struct {
	OK          bool          `json:"ok"`
	Latency     time.Duration `json:"latency_ns"`
	Diagnostics string        `json:"diagnostics,omitempty"`
}

// StringParam extracts a required string parameter for an operation.
func StringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", errors.NewValidation("missing required parameter %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewValidation("parameter %q must be a non-empty string", name)
	}
	return s, nil
}

// OptionalStringParam extracts an optional string parameter, returning def
// when absent.
func OptionalStringParam(params map[string]interface{}, name, def string) (string, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.NewValidation("parameter %q must be a string", name)
	}
	return s, nil
}

// IntParam extracts an optional integer parameter, returning def when
// absent. JSON numbers arrive as float64.
func IntParam(params map[string]interface{}, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, errors.NewValidation("parameter %q must be a number", name)
	}
}

// ConfigString extracts a string key from an integration config map.
func ConfigString(cfg map[string]interface{}, name string) (string, error) {
	v, ok := cfg[name]
	if !ok {
		return "", errors.NewValidation("missing required config key %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewValidation("config key %q must be a non-empty string", name)
	}
	return s, nil
}

// OptionalConfigString extracts an optional string key from a config map.
func OptionalConfigString(cfg map[string]interface{}, name, def string) string {
	if v, ok := cfg[name]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}
