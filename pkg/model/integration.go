// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package model holds the entities shared by the hub subsystems and their
// status machines. Services own all mutation rules; these types only know
// which states exist and which transitions are legal.
package model

import "time"

// IntegrationStatus is the lifecycle state of a configured integration.
type IntegrationStatus string

const (
	// IntegrationActive accepts test and execute calls.
	IntegrationActive IntegrationStatus = "active"
	// IntegrationInactive rejects execute calls until reactivated.
	IntegrationInactive IntegrationStatus = "inactive"
)

// Integration is a configured instance of a connector type owned by a user.
type Integration struct {
	ID            string                 `json:"id" db:"id"`
	OwnerID       string                 `json:"owner_id" db:"owner_id"`
	Name          string                 `json:"name" db:"name"`
	Type          string                 `json:"type" db:"type"`
	Config        map[string]interface{} `json:"config" db:"-"`
	CredentialRef string                 `json:"credential_ref,omitempty" db:"credential_ref"`
	Status        IntegrationStatus      `json:"status" db:"status"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" db:"updated_at"`
}

// Active reports whether the integration accepts execute calls.
func (i *Integration) Active() bool { return i.Status == IntegrationActive }

// ConnectorCapability describes one operation a connector type supports,
// with the parameters the operation accepts.
type ConnectorCapability struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}
