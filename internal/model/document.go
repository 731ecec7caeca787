// Package model holds the persistence-agnostic entity shapes from the data
// model: Document, DocumentVersion, Analysis, Finding, PatternRule,
// ComplianceAlert, MonitorJob, AuditRecord. Identifiers are opaque 128-bit
// values realized as uuid.UUID.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SystemOwnerID attributes documents captured by automated crawling and
// monitoring, as opposed to a user-submitted document (which would arrive
// already owned through the out-of-scope upload surface), to a dedicated
// service account. Crawl targets and monitoring cycles carry no owner of
// their own.
var SystemOwnerID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DocumentType enumerates the legal-document categories this pipeline
// understands.
type DocumentType string

const (
	DocumentTypeToS             DocumentType = "tos"
	DocumentTypePrivacyPolicy   DocumentType = "privacy_policy"
	DocumentTypeEULA            DocumentType = "eula"
	DocumentTypeCookiePolicy    DocumentType = "cookie_policy"
	DocumentTypeDPA             DocumentType = "dpa"
	DocumentTypeServiceAgreement DocumentType = "service_agreement"
	DocumentTypeOther           DocumentType = "other"
)

// Document is the durable identity of one monitored legal document. Its
// content_fingerprint is unique across live documents for a given owner;
// re-uploading identical content yields the same row (see UpsertDocument).
type Document struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	TeamID     *uuid.UUID
	Title      string
	SourceURL  *string
	Type       DocumentType

	ContentFingerprint [32]byte
	ContentLength      int64
	Language           string // BCP-47

	MonitoringEnabled    bool
	MonitorIntervalSeconds int64 // positive when MonitoringEnabled

	LastMonitoredAt *time.Time
	NextMonitorAt   *time.Time

	// Version is the optimistic-concurrency counter, distinct from
	// DocumentVersion.VersionSeq.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Live reports whether the document has not been tombstoned.
func (d *Document) Live() bool { return d.DeletedAt == nil }

// ChangeKind classifies a DocumentVersion relative to its predecessor.
type ChangeKind string

const (
	ChangeKindInitial          ChangeKind = "initial"
	ChangeKindModified         ChangeKind = "modified"
	ChangeKindStructureChanged ChangeKind = "structure_changed"
)

// DocumentVersion is an immutable snapshot of a Document's content at one
// point in time. VersionSeq is monotonic per document, contiguous from 1.
type DocumentVersion struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	VersionSeq int64

	Fingerprint [32]byte
	CapturedAt  time.Time

	DetectedChangeKind  ChangeKind
	ChangeSummary       string
	SignificantChanges  []string
	RiskDelta           int64
}
