// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"

	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
)

// IntegrationTypes lists the connector types the registry can build.
func (s *Service) IntegrationTypes() []string {
	return s.integrations.Types()
}

// CreateIntegration registers a connector instance for the caller.
func (s *Service) CreateIntegration(ctx context.Context, req integrations.RegisterRequest) (*model.Integration, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	in, err := s.integrations.Register(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "integration.created", integrationPayload(in))
	return in, nil
}

// GetIntegration returns one of the caller's integrations.
func (s *Service) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.integrations.Get(ctx, ownerID, id)
}

// ListIntegrations returns the caller's integrations, newest first.
func (s *Service) ListIntegrations(ctx context.Context, opts store.ListOptions) ([]*model.Integration, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.integrations.List(ctx, ownerID, opts)
}

// UpdateIntegration applies a patch to one of the caller's integrations.
func (s *Service) UpdateIntegration(ctx context.Context, id string, patch integrations.UpdatePatch) (*model.Integration, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	in, err := s.integrations.Update(ctx, ownerID, id, patch)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "integration.updated", integrationPayload(in))
	return in, nil
}

// DeactivateIntegration stops new executes against the integration.
func (s *Service) DeactivateIntegration(ctx context.Context, id string) (*model.Integration, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	in, err := s.integrations.Deactivate(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, ownerID, "integration.deactivated", integrationPayload(in))
	return in, nil
}

// DeleteIntegration removes one of the caller's integrations.
func (s *Service) DeleteIntegration(ctx context.Context, id string) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return err
	}
	if err := s.integrations.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.emit(ctx, ownerID, "integration.deleted", map[string]interface{}{
		"integration_id": id,
	})
	return nil
}

// TestIntegration checks connectivity and reports a diagnostic. Testing
// changes nothing, so no lifecycle event is published.
func (s *Service) TestIntegration(ctx context.Context, id string) (integrations.TestResult, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return integrations.TestResult{}, err
	}
	return s.integrations.Test(ctx, ownerID, id)
}

// ExecuteIntegration runs one connector operation. The call may well change
// state on the remote system, but it commits nothing here, so no lifecycle
// event is published.
func (s *Service) ExecuteIntegration(ctx context.Context, id, operation string, params map[string]interface{}) (interface{}, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.integrations.Execute(ctx, ownerID, id, operation, params)
}

// IntegrationCapabilities lists the operations the connector supports.
func (s *Service) IntegrationCapabilities(ctx context.Context, id string) ([]model.ConnectorCapability, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.integrations.Capabilities(ctx, ownerID, id)
}

func integrationPayload(in *model.Integration) map[string]interface{} {
	return map[string]interface{}{
		"integration_id": in.ID,
		"name":           in.Name,
		"type":           in.Type,
		"status":         string(in.Status),
	}
}
