package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// CreateAnalysis inserts a pending Analysis, failing with
// AnalysisInProgress if a non-terminal Analysis already exists for the
// version (enforced by the partial unique index on document_version_id).
func (s *Store) CreateAnalysis(ctx context.Context, documentID, documentVersionID, owner uuid.UUID) (model.Analysis, error) {
	a := model.Analysis{
		ID:                uuid.New(),
		DocumentID:        documentID,
		DocumentVersionID: documentVersionID,
		OwnerID:           owner,
		Status:            model.AnalysisPending,
		StartedAt:         time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, document_id, document_version_id, owner_id, status,
			overall_risk_score, model_id, model_version, processing_ms, executive_summary,
			key_findings, recommendations, attempt, started_at, completed_at, expires_at, error_kind)
		VALUES (?, ?, ?, ?, ?, NULL, '', '', 0, '', '[]', '[]', 0, ?, NULL, NULL, '')`,
		a.ID.String(), a.DocumentID.String(), a.DocumentVersionID.String(), a.OwnerID.String(),
		string(a.Status), a.StartedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return model.Analysis{}, errkind.Wrap(errkind.AnalysisInProgress, fmt.Errorf("analysis already in progress for version %s", documentVersionID))
		}
		return model.Analysis{}, errkind.Wrap(errkind.Internal, err)
	}
	return a, nil
}

// GetAnalysis retrieves an Analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id uuid.UUID) (model.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, document_version_id, owner_id, status, overall_risk_score,
			model_id, model_version, processing_ms, executive_summary, key_findings,
			recommendations, attempt, started_at, completed_at, expires_at, error_kind
		FROM analyses WHERE id = ?`, id.String())
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Analysis{}, errkind.Wrap(errkind.NotFound, err)
	}
	return a, err
}

// AnalysisPatch carries the fields a transition may mutate. Zero-value
// fields are not applied.
type AnalysisPatch struct {
	OverallRiskScore *int
	ModelID          string
	ModelVersion     string
	ProcessingMs     int64
	ExecutiveSummary string
	KeyFindings      []string
	Recommendations  []string
	ErrorKind        string
	RetentionWindow  time.Duration
}

var legalTransitions = map[model.AnalysisStatus]map[model.AnalysisStatus]bool{
	model.AnalysisPending: {
		model.AnalysisProcessing: true,
	},
	model.AnalysisProcessing: {
		model.AnalysisCompleted: true,
		model.AnalysisPending:   true, // retryable error, attempt++
		model.AnalysisFailed:    true, // fatal error
	},
	model.AnalysisCompleted: {
		model.AnalysisExpired: true,
	},
}

// TransitionAnalysis enforces the legal transitions state
// machine and applies patch atomically with the status change.
func (s *Store) TransitionAnalysis(ctx context.Context, id uuid.UUID, from, to model.AnalysisStatus, patch AnalysisPatch) error {
	if !legalTransitions[from][to] {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("illegal analysis transition %s -> %s", from, to))
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT status, attempt FROM analyses WHERE id = ?`, id.String())
		var currentStatus string
		var attempt int64
		if err := row.Scan(&currentStatus, &attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errkind.Wrap(errkind.NotFound, err)
			}
			return errkind.Wrap(errkind.Internal, err)
		}
		if model.AnalysisStatus(currentStatus) != from {
			return errkind.Wrap(errkind.Conflict, fmt.Errorf("analysis %s expected status %s, found %s", id, from, currentStatus))
		}

		now := time.Now().UTC()
		newAttempt := attempt
		var completedAt any
		var expiresAt any

		switch to {
		case model.AnalysisPending:
			newAttempt = attempt + 1
		case model.AnalysisCompleted:
			completedAt = now
			window := patch.RetentionWindow
			if window == 0 {
				window = s.analysisRetention
			}
			expiresAt = now.Add(window)
		}

		kf, err := json.Marshal(patch.KeyFindings)
		if err != nil {
			return errkind.Wrap(errkind.Internal, err)
		}
		rec, err := json.Marshal(patch.Recommendations)
		if err != nil {
			return errkind.Wrap(errkind.Internal, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE analyses SET status = ?, overall_risk_score = ?, model_id = ?, model_version = ?,
				processing_ms = ?, executive_summary = ?, key_findings = ?, recommendations = ?,
				attempt = ?, completed_at = COALESCE(?, completed_at), expires_at = COALESCE(?, expires_at),
				error_kind = ?
			WHERE id = ?`,
			string(to), patch.OverallRiskScore, patch.ModelID, patch.ModelVersion, patch.ProcessingMs,
			patch.ExecutiveSummary, string(kf), string(rec), newAttempt, completedAt, expiresAt,
			patch.ErrorKind, id.String())
		if err != nil {
			return errkind.Wrap(errkind.Internal, err)
		}
		return nil
	})
}

// InsertFindings atomically inserts all findings for an analysis, validating
// position_end <= content_length of the referenced version. The
// caller supplies contentLength since findings are not yet associated with
// a version row directly.
func (s *Store) InsertFindings(ctx context.Context, analysisID uuid.UUID, contentLength int64, findings []model.Finding) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range findings {
			f := &findings[i]
			f.AnalysisID = analysisID
			if f.ID == uuid.Nil {
				f.ID = uuid.New()
			}
			if len(f.Excerpt) > 500 {
				return errkind.Wrap(errkind.BadRange, fmt.Errorf("finding excerpt exceeds 500 characters"))
			}
			if !(f.PositionStart < f.PositionEnd && f.PositionEnd <= contentLength) {
				return errkind.Wrap(errkind.BadRange, fmt.Errorf("finding position [%d,%d) invalid for content length %d", f.PositionStart, f.PositionEnd, contentLength))
			}

			var patternID any
			if f.PatternID != nil {
				patternID = f.PatternID.String()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO findings (id, analysis_id, category, title, description, severity,
					confidence, pattern_id, excerpt, position_start, position_end, recommendation, impact)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.ID.String(), f.AnalysisID.String(), f.Category, f.Title, f.Description, string(f.Severity),
				f.Confidence, patternID, f.Excerpt, f.PositionStart, f.PositionEnd, f.Recommendation, f.Impact,
			); err != nil {
				return errkind.Wrap(errkind.Internal, fmt.Errorf("insert finding: %w", err))
			}
		}
		return nil
	})
}

// GetFindings returns every Finding for an analysis, used by the
// Compliance Engine and the LLM summarization prompt assembly.
func (s *Store) GetFindings(ctx context.Context, analysisID uuid.UUID) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, analysis_id, category, title, description, severity, confidence, pattern_id,
			excerpt, position_start, position_end, recommendation, impact
		FROM findings WHERE analysis_id = ?`, analysisID.String())
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var f model.Finding
		var idStr, analysisStr, severity string
		var patternID sql.NullString
		if err := rows.Scan(&idStr, &analysisStr, &f.Category, &f.Title, &f.Description, &severity,
			&f.Confidence, &patternID, &f.Excerpt, &f.PositionStart, &f.PositionEnd, &f.Recommendation, &f.Impact); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		f.ID, _ = uuid.Parse(idStr)
		f.AnalysisID, _ = uuid.Parse(analysisStr)
		f.Severity = model.Severity(severity)
		if patternID.Valid {
			pid, err := uuid.Parse(patternID.String)
			if err == nil {
				f.PatternID = &pid
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListExpiringAnalyses returns completed analyses whose expires_at has
// passed, for the expiry sweeper.
func (s *Store) ListExpiringAnalyses(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM analyses WHERE status = 'completed' AND expires_at <= ? LIMIT ?`, now, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireAnalysis transitions a completed analysis to expired.
func (s *Store) ExpireAnalysis(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE analyses SET status = 'expired' WHERE id = ? AND status = 'completed'`, id.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

func scanAnalysis(row rowScanner) (model.Analysis, error) {
	var a model.Analysis
	var idStr, docStr, versionStr, ownerStr, status, kf, rec string
	var riskScore sql.NullInt64
	var completedAt, expiresAt sql.NullTime

	if err := row.Scan(&idStr, &docStr, &versionStr, &ownerStr, &status, &riskScore,
		&a.ModelID, &a.ModelVersion, &a.ProcessingMs, &a.ExecutiveSummary, &kf, &rec,
		&a.Attempt, &a.StartedAt, &completedAt, &expiresAt, &a.ErrorKind); err != nil {
		return model.Analysis{}, err
	}

	var err error
	a.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Analysis{}, err
	}
	a.DocumentID, err = uuid.Parse(docStr)
	if err != nil {
		return model.Analysis{}, err
	}
	a.DocumentVersionID, err = uuid.Parse(versionStr)
	if err != nil {
		return model.Analysis{}, err
	}
	a.OwnerID, err = uuid.Parse(ownerStr)
	if err != nil {
		return model.Analysis{}, err
	}
	a.Status = model.AnalysisStatus(status)
	if riskScore.Valid {
		v := int(riskScore.Int64)
		a.OverallRiskScore = &v
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}
	if err := json.Unmarshal([]byte(kf), &a.KeyFindings); err != nil {
		return model.Analysis{}, err
	}
	if err := json.Unmarshal([]byte(rec), &a.Recommendations); err != nil {
		return model.Analysis{}, err
	}
	return a, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations in the driver
	// error's message rather than a typed sentinel, so distinguishing a
	// conflict from any other write failure means matching the message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
