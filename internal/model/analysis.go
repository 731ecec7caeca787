package model

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus is the Analysis state machine's state.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
	AnalysisExpired    AnalysisStatus = "expired"
)

// Terminal reports whether s has no further legal transitions.
func (s AnalysisStatus) Terminal() bool {
	switch s {
	case AnalysisCompleted, AnalysisFailed, AnalysisExpired:
		return true
	default:
		return false
	}
}

// Analysis is one run of the pipeline over a DocumentVersion.
type Analysis struct {
	ID                uuid.UUID
	DocumentID        uuid.UUID
	DocumentVersionID uuid.UUID
	OwnerID           uuid.UUID

	Status AnalysisStatus

	OverallRiskScore *int // 0..100, set when Status == completed

	ModelID      string
	ModelVersion string
	ProcessingMs int64

	ExecutiveSummary string
	KeyFindings      []string
	Recommendations  []string

	Attempt int64

	StartedAt   time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time

	ErrorKind string // set when Status == failed
}

// Expired reports whether a completed analysis has passed its retention
// window as of now.
func (a *Analysis) Expired(now time.Time) bool {
	return a.Status == AnalysisCompleted && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Severity is shared by Finding, PatternRule, and ComplianceAlert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from least to most severe, for tie-breaks and
// severity_floor comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Weight is the deterministic pattern-based risk contribution used when no
// LLM score is present.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	default:
		return 0
	}
}

// Finding is an immutable located clause matched by a PatternRule or a
// semantic query.
type Finding struct {
	ID         uuid.UUID
	AnalysisID uuid.UUID
	Category   string
	Title      string
	Description string
	Severity   Severity
	Confidence float64 // [0,1]
	PatternID  *uuid.UUID

	Excerpt       string // <= 500 chars
	PositionStart int64
	PositionEnd   int64

	Recommendation string
	Impact         string
}
