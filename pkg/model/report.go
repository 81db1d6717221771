// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// ReportFormat selects the artifact encoding a report renders to.
type ReportFormat string

const (
	ReportJSON ReportFormat = "json"
	ReportCSV  ReportFormat = "csv"
	ReportHTML ReportFormat = "html"
)

// KnownReportFormat reports whether f is a supported artifact format.
func KnownReportFormat(f ReportFormat) bool {
	return f == ReportJSON || f == ReportCSV || f == ReportHTML
}

// ReportTemplate describes what a report contains: a titled set of named
// queries rendered into the chosen format.
type ReportTemplate struct {
	ID        string            `json:"id" db:"id"`
	OwnerID   string            `json:"owner_id" db:"owner_id"`
	Name      string            `json:"name" db:"name"`
	Title     string            `json:"title" db:"title"`
	Queries   []ReportQuery     `json:"queries" db:"-"`
	Params    map[string]string `json:"params,omitempty" db:"-"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// ReportQuery is one named data section of a report. The query string is
// interpreted by the data source bound to the generator.
type ReportQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// Report is a scheduled instance of a template.
type Report struct {
	ID         string            `json:"id" db:"id"`
	OwnerID    string            `json:"owner_id" db:"owner_id"`
	Name       string            `json:"name" db:"name"`
	TemplateID string            `json:"template_id" db:"template_id"`
	Schedule   string            `json:"schedule" db:"schedule"`
	Timezone   string            `json:"timezone" db:"timezone"`
	Format     ReportFormat      `json:"format" db:"format"`
	Params     map[string]string `json:"params,omitempty" db:"-"`
	Recipients []string          `json:"recipients,omitempty" db:"-"`
	Enabled    bool              `json:"enabled" db:"enabled"`
	NextRunAt  time.Time         `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt  time.Time         `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// ExecutionStatus is the lifecycle state of one report run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution reached a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// CanTransition reports whether moving to next is legal.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	if s != ExecutionRunning {
		return false
	}
	return next == ExecutionCompleted || next == ExecutionFailed || next == ExecutionCancelled
}

// ExecutionTrigger says what started a run.
type ExecutionTrigger string

const (
	TriggerScheduled ExecutionTrigger = "scheduled"
	TriggerManual    ExecutionTrigger = "manual"
)

// ReportExecution records one run of a report.
type ReportExecution struct {
	ID            string           `json:"id" db:"id"`
	ReportID      string           `json:"report_id" db:"report_id"`
	OwnerID       string           `json:"owner_id" db:"owner_id"`
	Trigger       ExecutionTrigger `json:"trigger" db:"trigger"`
	Status        ExecutionStatus  `json:"status" db:"status"`
	ScheduledFor  time.Time        `json:"scheduled_for,omitempty" db:"scheduled_for"`
	StartedAt     time.Time        `json:"started_at" db:"started_at"`
	FinishedAt    time.Time        `json:"finished_at,omitempty" db:"finished_at"`
	ArtifactPath  string           `json:"artifact_path,omitempty" db:"artifact_path"`
	ArtifactBytes int64            `json:"artifact_bytes,omitempty" db:"artifact_bytes"`
	Error         string           `json:"error,omitempty" db:"error"`
}

// Duration returns how long the run took, zero while still running.
func (e *ReportExecution) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
