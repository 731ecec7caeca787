package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// OpenComplianceAlert inserts a ComplianceAlert in state open, used by the
// Compliance Engine (C10) when it finds a distinct (pattern_id, severity)
// violation not already open within the rule's window.
func (s *Store) OpenComplianceAlert(ctx context.Context, a model.ComplianceAlert) (model.ComplianceAlert, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.ComplianceAlertOpen
	}
	evJSON, err := json.Marshal(a.Evidence)
	if err != nil {
		return model.ComplianceAlert{}, errkind.Wrap(errkind.Internal, err)
	}
	var patternID any
	if a.PatternID != nil {
		patternID = a.PatternID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compliance_alerts (id, document_id, pattern_id, severity, detected_at, status, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.DocumentID.String(), patternID, string(a.Severity), a.DetectedAt, string(a.Status), string(evJSON))
	if err != nil {
		return model.ComplianceAlert{}, errkind.Wrap(errkind.Internal, err)
	}
	return a, nil
}

// HasOpenAlert reports whether an open ComplianceAlert already exists for
// (document_id, pattern_id, severity) within window, implementing the
// "not already open within window" de-duplication.
func (s *Store) HasOpenAlert(ctx context.Context, documentID uuid.UUID, patternID *uuid.UUID, severity model.Severity, window time.Duration) (bool, error) {
	since := time.Now().UTC().Add(-window)
	var patternArg any
	if patternID != nil {
		patternArg = patternID.String()
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM compliance_alerts
		WHERE document_id = ? AND pattern_id IS ? AND severity = ? AND status = 'open' AND detected_at >= ?`,
		documentID.String(), patternArg, string(severity), since)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, errkind.Wrap(errkind.Internal, err)
	}
	return count > 0, nil
}

// DeleteComplianceAlertsForDocument removes every alert for a document.
// No caller in this module uses it; a document's alerts go with it
// through ON DELETE CASCADE.
func (s *Store) DeleteComplianceAlertsForDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM compliance_alerts WHERE document_id = ?`, documentID.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// MarkComplianceProcessed records a once-only marker for (analysis_id,
// rule_id) and reports whether this call was the first to do so,
// implementing the idempotency contract: reprocessing the same
// analysis must not double-count.
func (s *Store) MarkComplianceProcessed(ctx context.Context, analysisID, ruleID uuid.UUID) (firstTime bool, err error) {
	_, err = s.db.ExecContext(ctx, `INSERT INTO compliance_markers (analysis_id, rule_id, created_at) VALUES (?, ?, ?)`,
		analysisID.String(), ruleID.String(), time.Now().UTC())
	if err != nil {
		if isUniqueConstraintErr(err) {
			return false, nil
		}
		return false, errkind.Wrap(errkind.Internal, err)
	}
	return true, nil
}

// UpsertJurisdictionRule stores (or replaces) a JurisdictionRule definition.
func (s *Store) UpsertJurisdictionRule(ctx context.Context, r model.JurisdictionRule) (model.JurisdictionRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	reqJSON, err := json.Marshal(r.RequiredCategoryCoverage)
	if err != nil {
		return model.JurisdictionRule{}, errkind.Wrap(errkind.Internal, err)
	}
	forbiddenStrs := make([]string, len(r.ForbiddenPatterns))
	for i, id := range r.ForbiddenPatterns {
		forbiddenStrs[i] = id.String()
	}
	forbJSON, err := json.Marshal(forbiddenStrs)
	if err != nil {
		return model.JurisdictionRule{}, errkind.Wrap(errkind.Internal, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jurisdiction_rules (id, jurisdiction, required_category_coverage,
			forbidden_patterns, severity_floor, window_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Jurisdiction, string(reqJSON), string(forbJSON), string(r.SeverityFloor), int64(r.Window.Seconds()))
	if err != nil {
		return model.JurisdictionRule{}, errkind.Wrap(errkind.Internal, err)
	}
	return r, nil
}

// ListJurisdictionRules returns every configured JurisdictionRule.
func (s *Store) ListJurisdictionRules(ctx context.Context) ([]model.JurisdictionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, jurisdiction, required_category_coverage, forbidden_patterns, severity_floor, window_seconds
		FROM jurisdiction_rules`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var out []model.JurisdictionRule
	for rows.Next() {
		var r model.JurisdictionRule
		var idStr, reqJSON, forbJSON, severityFloor string
		var windowSeconds int64
		if err := rows.Scan(&idStr, &r.Jurisdiction, &reqJSON, &forbJSON, &severityFloor, &windowSeconds); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		r.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		r.SeverityFloor = model.Severity(severityFloor)
		r.Window = time.Duration(windowSeconds) * time.Second
		if err := json.Unmarshal([]byte(reqJSON), &r.RequiredCategoryCoverage); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		var forbidden []string
		if err := json.Unmarshal([]byte(forbJSON), &forbidden); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		for _, fs := range forbidden {
			fid, err := uuid.Parse(fs)
			if err == nil {
				r.ForbiddenPatterns = append(r.ForbiddenPatterns, fid)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
