package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// AppendVersion assigns the next version_seq atomically and fails with
// FingerprintUnchanged if fingerprint equals the latest version's
// fingerprint and changeKind is not initial. If the first attempt fails
// with OptimisticConflict, it runs once more in a fresh transaction.
func (s *Store) AppendVersion(ctx context.Context, documentID uuid.UUID, fingerprint [32]byte, changeKind model.ChangeKind, changeSummary string, significantChanges []string, riskDelta int64) (model.DocumentVersion, error) {
	var result model.DocumentVersion
	const maxAttempts = 2

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			latest, err := latestVersion(ctx, tx, documentID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			hasLatest := !errors.Is(err, sql.ErrNoRows)
			if hasLatest && latest.Fingerprint == fingerprint && changeKind != model.ChangeKindInitial {
				return errkind.Wrap(errkind.FingerprintUnchanged, fmt.Errorf("fingerprint unchanged for document %s", documentID))
			}

			nextSeq := int64(1)
			if hasLatest {
				nextSeq = latest.VersionSeq + 1
			}

			sigJSON, merr := json.Marshal(significantChanges)
			if merr != nil {
				return errkind.Wrap(errkind.Internal, merr)
			}

			v := model.DocumentVersion{
				ID:                 uuid.New(),
				DocumentID:         documentID,
				VersionSeq:         nextSeq,
				Fingerprint:        fingerprint,
				CapturedAt:         time.Now().UTC(),
				DetectedChangeKind: changeKind,
				ChangeSummary:      changeSummary,
				SignificantChanges: significantChanges,
				RiskDelta:          riskDelta,
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO document_versions (id, document_id, version_seq, fingerprint, captured_at,
					detected_change_kind, change_summary, significant_changes, risk_delta)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				v.ID.String(), v.DocumentID.String(), v.VersionSeq, hex.EncodeToString(v.Fingerprint[:]),
				v.CapturedAt, string(v.DetectedChangeKind), v.ChangeSummary, string(sigJSON), v.RiskDelta,
			); err != nil {
				return errkind.Wrap(errkind.Internal, fmt.Errorf("insert document version: %w", err))
			}

			// Bump the owning Document row's version counter. The UPDATE
			// does not compare the counter, so 0 rows affected only means
			// the document row no longer exists; that is reported as
			// OptimisticConflict.
			res, err := tx.ExecContext(ctx, `UPDATE documents SET version = version + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), documentID.String())
			if err != nil {
				return errkind.Wrap(errkind.Internal, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errkind.Wrap(errkind.OptimisticConflict, fmt.Errorf("document %s vanished mid-transaction", documentID))
			}

			result = v
			return nil
		})
		if err == nil {
			return result, nil
		}
		if errkind.Is(err, errkind.OptimisticConflict) && attempt == 0 {
			continue
		}
		return model.DocumentVersion{}, err
	}
	return model.DocumentVersion{}, errkind.Wrap(errkind.OptimisticConflict, fmt.Errorf("exhausted retry for document %s", documentID))
}

func latestVersion(ctx context.Context, tx *sql.Tx, documentID uuid.UUID) (model.DocumentVersion, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, document_id, version_seq, fingerprint, captured_at, detected_change_kind,
			change_summary, significant_changes, risk_delta
		FROM document_versions WHERE document_id = ? ORDER BY version_seq DESC LIMIT 1`, documentID.String())
	return scanVersion(row)
}

// GetLatestVersion returns the most recent DocumentVersion for a document,
// used by the Change Detector (C9).
func (s *Store) GetLatestVersion(ctx context.Context, documentID uuid.UUID) (model.DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_seq, fingerprint, captured_at, detected_change_kind,
			change_summary, significant_changes, risk_delta
		FROM document_versions WHERE document_id = ? ORDER BY version_seq DESC LIMIT 1`, documentID.String())
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DocumentVersion{}, errkind.Wrap(errkind.NotFound, err)
	}
	return v, err
}

// GetVersionByFingerprint searches all versions of a document for one
// matching fingerprint. No caller in this module uses it; change
// detection compares against the latest version only.
func (s *Store) GetVersionByFingerprint(ctx context.Context, documentID uuid.UUID, fingerprint [32]byte) (model.DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_seq, fingerprint, captured_at, detected_change_kind,
			change_summary, significant_changes, risk_delta
		FROM document_versions WHERE document_id = ? AND fingerprint = ? ORDER BY version_seq DESC LIMIT 1`,
		documentID.String(), hex.EncodeToString(fingerprint[:]))
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DocumentVersion{}, errkind.Wrap(errkind.NotFound, err)
	}
	return v, err
}

func scanVersion(row rowScanner) (model.DocumentVersion, error) {
	var v model.DocumentVersion
	var idStr, docStr, fingerprintHex, changeKind, sigJSON string
	if err := row.Scan(&idStr, &docStr, &v.VersionSeq, &fingerprintHex, &v.CapturedAt,
		&changeKind, &v.ChangeSummary, &sigJSON, &v.RiskDelta); err != nil {
		return model.DocumentVersion{}, err
	}
	var err error
	v.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.DocumentVersion{}, err
	}
	v.DocumentID, err = uuid.Parse(docStr)
	if err != nil {
		return model.DocumentVersion{}, err
	}
	raw, err := hex.DecodeString(fingerprintHex)
	if err != nil || len(raw) != 32 {
		return model.DocumentVersion{}, fmt.Errorf("invalid stored fingerprint for version %s", idStr)
	}
	copy(v.Fingerprint[:], raw)
	v.DetectedChangeKind = model.ChangeKind(changeKind)
	if err := json.Unmarshal([]byte(sigJSON), &v.SignificantChanges); err != nil {
		return model.DocumentVersion{}, err
	}
	return v, nil
}
