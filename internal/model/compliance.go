package model

import (
	"time"

	"github.com/google/uuid"
)

// PatternRule is a versioned definition of a concerning clause pattern.
// Mutating a rule creates a new version; old versions remain referenceable
// by historical Findings even once deactivated.
type PatternRule struct {
	ID          uuid.UUID
	Category    string
	Name        string
	Severity    Severity
	Description string
	LegalBasis  string

	Keywords  []string
	Regex     *string
	EmbeddingID *string

	Jurisdictions []string // tags: GDPR, CCPA, COPPA, PIPEDA, LGPD, PDPA, ...

	Active  bool
	Version int64
}

// ComplianceAlertStatus is the lifecycle of a ComplianceAlert.
type ComplianceAlertStatus string

const (
	ComplianceAlertOpen         ComplianceAlertStatus = "open"
	ComplianceAlertAcknowledged ComplianceAlertStatus = "acknowledged"
	ComplianceAlertResolved     ComplianceAlertStatus = "resolved"
)

// ComplianceAlert is an open issue raised by the Compliance Engine for one
// document against one jurisdiction rule.
type ComplianceAlert struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	PatternID  *uuid.UUID
	Severity   Severity
	DetectedAt time.Time
	Status     ComplianceAlertStatus
	Evidence   map[string]any // JSON
}

// JurisdictionRule aggregates required/forbidden pattern coverage for one
// jurisdiction, evaluated per ComplianceJob.
type JurisdictionRule struct {
	ID                       uuid.UUID
	Jurisdiction             string
	RequiredCategoryCoverage []string
	ForbiddenPatterns        []uuid.UUID
	SeverityFloor            Severity
	Window                   time.Duration
}

// MonitorJobState is the lifecycle of a scheduled monitoring run.
type MonitorJobState string

const (
	MonitorJobScheduled MonitorJobState = "scheduled"
	MonitorJobRunning   MonitorJobState = "running"
	MonitorJobDone      MonitorJobState = "done"
	MonitorJobFailed    MonitorJobState = "failed"
	MonitorJobCanceled  MonitorJobState = "canceled"
)

// MonitorJob represents one scheduled crawl-and-analyze cycle for a
// Document. At most one MonitorJob per document may be in state scheduled
// or running at a time.
type MonitorJob struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	ScheduledAt   time.Time
	DispatchedAt  *time.Time
	CompletedAt   *time.Time
	State         MonitorJobState
	Attempt       int64
	LastErrorKind string
}

// AuditRecord is an append-only record of one action against one resource.
// It is never updated or deleted, except by the HardPurgeUser anonymization
// path which clears PII fields but keeps the row.
type AuditRecord struct {
	ID           uuid.UUID
	Actor        *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   uuid.UUID
	Before       map[string]any
	After        map[string]any
	CorrelationID string
	At           time.Time
	Anonymized   bool
}
