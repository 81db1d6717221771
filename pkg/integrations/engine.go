// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package integrations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/secrets"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

var (
	tlmExecutes = telemetry.NewCounter("integrations", "executes_total",
		[]string{"type", "operation", "status"}, "Connector operations by outcome.")
	tlmInstanceBuilds = telemetry.NewCounter("integrations", "instance_builds_total",
		[]string{"type"}, "Connector instances built.")
	tlmInstanceEvictions = telemetry.NewCounter("integrations", "instance_evictions_total",
		nil, "Connector instances evicted from the cache.")
)

// instance is a cached live connector plus the fingerprint of the config
// and credential ref it was built from.
type instance struct {
	connector   Connector
	fingerprint string
}

// Engine owns integration records and their connector instances.
type Engine struct {
	cfg      config.Integrations
	store    store.IntegrationStore
	registry *Registry
	resolver secrets.Resolver

	// instances caches one live connector per integration id. Entries are
	// re-set on use so the TTL behaves as an idle timeout; eviction closes
	// the connector.
	instances *gocache.Cache
	group     singleflight.Group
}

// NewEngine wires the integration engine.
func NewEngine(cfg config.Integrations, st store.IntegrationStore, registry *Registry, resolver secrets.Resolver) *Engine {
	instances := gocache.New(cfg.InstanceTTL.Std(), cfg.InstanceSweep.Std())
	instances.OnEvicted(func(id string, v interface{}) {
		tlmInstanceEvictions.WithLabelValues().Inc()
		if inst, ok := v.(*instance); ok {
			if err := inst.connector.Close(); err != nil {
				log.Warnf("Closing connector for integration %s: %v", id, err)
			}
		}
	})
	return &Engine{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		resolver:  resolver,
		instances: instances,
	}
}

// Stop evicts every cached connector so live connections close.
func (e *Engine) Stop() {
	e.instances.Flush()
}

// Types returns the connector types the engine can register.
func (e *Engine) Types() []string { return e.registry.Types() }

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Type          string
	Name          string
	Config        map[string]interface{}
	CredentialRef string
}

// Register validates and persists a new integration for ownerID.
func (e *Engine) Register(ctx context.Context, ownerID string, req RegisterRequest) (*model.Integration, error) {
	if req.Name == "" {
		return nil, errors.NewValidation("integration name must not be empty")
	}
	factory, ok := e.registry.Get(req.Type)
	if !ok {
		return nil, errors.NewValidation("unknown integration type %q, supported: %v", req.Type, e.registry.Types())
	}
	for _, key := range factory.RequiredConfig {
		if _, err := ConfigString(req.Config, key); err != nil {
			return nil, errors.NewValidation("integration type %q requires config key %q", req.Type, key)
		}
	}

	now := time.Now().UTC()
	in := &model.Integration{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Name:          req.Name,
		Type:          req.Type,
		Config:        req.Config,
		CredentialRef: req.CredentialRef,
		Status:        model.IntegrationActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Save(ctx, in); err != nil {
		return nil, err
	}
	log.Infof("Registered %s integration %q (%s) for owner %s", in.Type, in.Name, in.ID, ownerID)
	return in, nil
}

// Get loads one integration, enforcing ownership.
func (e *Engine) Get(ctx context.Context, ownerID, id string) (*model.Integration, error) {
	return e.load(ctx, ownerID, id)
}

// List returns the owner's integrations.
func (e *Engine) List(ctx context.Context, ownerID string, opts store.ListOptions) ([]*model.Integration, error) {
	return e.store.ListByOwner(ctx, ownerID, opts)
}

// UpdatePatch carries the mutable integration fields; nil means unchanged.
type UpdatePatch struct {
	Name          *string
	Config        map[string]interface{}
	CredentialRef *string
	Active        *bool
}

// Update applies a patch. A config or credential change evicts the cached
// connector instance before the update is visible, so no later execute can
// run on stale credentials.
func (e *Engine) Update(ctx context.Context, ownerID, id string, patch UpdatePatch) (*model.Integration, error) {
	in, err := e.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	invalidate := false
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, errors.NewValidation("integration name must not be empty")
		}
		in.Name = *patch.Name
	}
	if patch.Config != nil {
		factory, ok := e.registry.Get(in.Type)
		if !ok {
			return nil, errors.NewValidation("unknown integration type %q", in.Type)
		}
		for _, key := range factory.RequiredConfig {
			if _, err := ConfigString(patch.Config, key); err != nil {
				return nil, errors.NewValidation("integration type %q requires config key %q", in.Type, key)
			}
		}
		in.Config = patch.Config
		invalidate = true
	}
	if patch.CredentialRef != nil {
		in.CredentialRef = *patch.CredentialRef
		invalidate = true
	}
	if patch.Active != nil {
		if *patch.Active {
			in.Status = model.IntegrationActive
		} else {
			in.Status = model.IntegrationInactive
			invalidate = true
		}
	}
	in.UpdatedAt = time.Now().UTC()

	// Evict before persisting: a concurrent execute either sees the old
	// record with its old instance, or the new record and builds fresh.
	if invalidate {
		e.instances.Delete(id)
	}
	if err := e.store.Update(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Deactivate stops new executes and drops the cached instance.
func (e *Engine) Deactivate(ctx context.Context, ownerID, id string) (*model.Integration, error) {
	inactive := false
	return e.Update(ctx, ownerID, id, UpdatePatch{Active: &inactive})
}

// Delete removes the integration and its cached instance.
func (e *Engine) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := e.load(ctx, ownerID, id); err != nil {
		return err
	}
	e.instances.Delete(id)
	return e.store.Delete(ctx, id)
}

// Test builds (or reuses) the connector and runs its health probe.
// Connector failures come back as diagnostics, not as an error.
func (e *Engine) Test(ctx context.Context, ownerID, id string) (TestResult, error) {
	in, err := e.load(ctx, ownerID, id)
	if err != nil {
		return TestResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TestTimeout.Std())
	defer cancel()

	start := time.Now()
	conn, err := e.connectorFor(ctx, in)
	if err != nil {
		return TestResult{Latency: time.Since(start), Diagnostics: err.Error()}, nil
	}
	if err := conn.Test(ctx); err != nil {
		return TestResult{Latency: time.Since(start), Diagnostics: err.Error()}, nil
	}
	return TestResult{OK: true, Latency: time.Since(start)}, nil
}

// Capabilities lists the operations the integration's connector supports.
func (e *Engine) Capabilities(ctx context.Context, ownerID, id string) ([]model.ConnectorCapability, error) {
	in, err := e.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	conn, err := e.connectorFor(ctx, in)
	if err != nil {
		return nil, err
	}
	return conn.Capabilities(), nil
}

// Execute runs one operation on the integration's connector.
func (e *Engine) Execute(ctx context.Context, ownerID, id, operation string, params map[string]interface{}) (interface{}, error) {
	in, err := e.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !in.Active() {
		return nil, errors.NewValidation("integration %s is deactivated", id)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout.Std())
	defer cancel()

	conn, err := e.connectorFor(ctx, in)
	if err != nil {
		tlmExecutes.WithLabelValues(in.Type, operation, "build_error").Inc()
		return nil, err
	}

	if !operationDeclared(conn, operation) {
		tlmExecutes.WithLabelValues(in.Type, operation, "unsupported").Inc()
		return nil, errors.NewValidation("operation %q is not supported by %s integrations", operation, in.Type)
	}

	result, err := conn.Execute(ctx, operation, params)
	if err != nil {
		tlmExecutes.WithLabelValues(in.Type, operation, "error").Inc()
		if errors.GetKind(err) != errors.KindUnknown {
			return nil, err
		}
		return nil, errors.NewConnector(err, "executing %s on integration %s", operation, id)
	}
	tlmExecutes.WithLabelValues(in.Type, operation, "ok").Inc()
	return result, nil
}

func operationDeclared(conn Connector, operation string) bool {
	for _, cap := range conn.Capabilities() {
		if cap.Name == operation {
			return true
		}
	}
	return false
}

func (e *Engine) load(ctx context.Context, ownerID, id string) (*model.Integration, error) {
	in, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && in.OwnerID != ownerID {
		return nil, errors.NewForbidden("integration %s belongs to another owner", id)
	}
	return in, nil
}

// connectorFor returns the live connector for the integration, building it
// at most once per fingerprint even under concurrent misses. A cached
// instance whose fingerprint no longer matches the record is evicted and
// rebuilt.
func (e *Engine) connectorFor(ctx context.Context, in *model.Integration) (Connector, error) {
	fp := fingerprint(in)

	if v, ok := e.instances.Get(in.ID); ok {
		inst := v.(*instance)
		if inst.fingerprint == fp {
			// Touch the entry so the TTL acts as an idle timeout.
			e.instances.SetDefault(in.ID, inst)
			return inst.connector, nil
		}
		e.instances.Delete(in.ID)
	}

	v, err, _ := e.group.Do(in.ID+"@"+fp, func() (interface{}, error) {
		if v, ok := e.instances.Get(in.ID); ok {
			if inst := v.(*instance); inst.fingerprint == fp {
				return inst, nil
			}
		}

		factory, ok := e.registry.Get(in.Type)
		if !ok {
			return nil, errors.NewValidation("unknown integration type %q", in.Type)
		}

		credential := ""
		if in.CredentialRef != "" {
			resolved, err := e.resolver.Resolve(in.CredentialRef)
			if err != nil {
				return nil, errors.NewConnector(err, "resolving credential for integration %s", in.ID)
			}
			credential = resolved
		}

		conn, err := factory.New(ctx, BuildContext{Config: in.Config, Credential: credential})
		if err != nil {
			if errors.GetKind(err) != errors.KindUnknown {
				return nil, err
			}
			return nil, errors.NewConnector(err, "building %s connector for integration %s", in.Type, in.ID)
		}
		tlmInstanceBuilds.WithLabelValues(in.Type).Inc()

		inst := &instance{connector: conn, fingerprint: fp}
		e.instances.SetDefault(in.ID, inst)
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*instance).connector, nil
}

// fingerprint identifies the inputs a connector was built from. Canonical
// JSON keeps it stable across map iteration order.
func fingerprint(in *model.Integration) string {
	raw, err := model.CanonicalJSON(in.Config)
	if err != nil {
		raw = []byte(err.Error())
	}
	h := sha256.New()
	h.Write(raw)
	h.Write([]byte{0})
	h.Write([]byte(in.CredentialRef))
	return hex.EncodeToString(h.Sum(nil))
}
