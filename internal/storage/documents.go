package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// UpsertDocument dedupes on (owner, fingerprint): if a live Document
// already exists for that pair it is returned unmutated with
// created=false; otherwise a new row is inserted.
func (s *Store) UpsertDocument(ctx context.Context, owner uuid.UUID, title string, docType model.DocumentType, fingerprint [32]byte, contentLength int64, lang string, sourceURL *string) (model.Document, bool, error) {
	var result model.Document
	created := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getDocumentByOwnerFingerprint(ctx, tx, owner, fingerprint)
		if err == nil {
			result = existing
			created = false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := time.Now().UTC()
		doc := model.Document{
			ID:            uuid.New(),
			OwnerID:       owner,
			Title:         title,
			SourceURL:     sourceURL,
			Type:          docType,
			ContentFingerprint: fingerprint,
			ContentLength: contentLength,
			Language:      lang,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, owner_id, team_id, title, source_url, document_type,
				content_fingerprint, content_length, language, monitoring_enabled,
				monitor_interval_seconds, last_monitored_at, next_monitor_at, version,
				created_at, updated_at, deleted_at)
			VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, ?, ?, ?, NULL)`,
			doc.ID.String(), doc.OwnerID.String(), doc.Title, nullableString(doc.SourceURL), string(doc.Type),
			hex.EncodeToString(doc.ContentFingerprint[:]), doc.ContentLength, doc.Language,
			doc.Version, doc.CreatedAt, doc.UpdatedAt,
		); err != nil {
			return errkind.Wrap(errkind.Internal, fmt.Errorf("insert document: %w", err))
		}
		result = doc
		created = true
		return nil
	})
	return result, created, err
}

// GetDocumentByOwnerSourceURL resolves the live document a recurring
// crawl target maps to, since UpsertDocument's (owner, fingerprint) key
// only dedupes an exact byte-identical re-submission and a changed
// fingerprint would otherwise look like a brand new document. Intake
// calls this before UpsertDocument for crawler-sourced events so a
// content change is recorded as a new DocumentVersion on the existing
// Document rather than creating a second one.
func (s *Store) GetDocumentByOwnerSourceURL(ctx context.Context, owner uuid.UUID, sourceURL string) (model.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, team_id, title, source_url, document_type, content_fingerprint,
			content_length, language, monitoring_enabled, monitor_interval_seconds,
			last_monitored_at, next_monitor_at, version, created_at, updated_at, deleted_at
		FROM documents WHERE owner_id = ? AND source_url = ? AND deleted_at IS NULL`,
		owner.String(), sourceURL)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, errkind.Wrap(errkind.NotFound, err)
	}
	return doc, err
}

func getDocumentByOwnerFingerprint(ctx context.Context, tx *sql.Tx, owner uuid.UUID, fingerprint [32]byte) (model.Document, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, team_id, title, source_url, document_type, content_fingerprint,
			content_length, language, monitoring_enabled, monitor_interval_seconds,
			last_monitored_at, next_monitor_at, version, created_at, updated_at, deleted_at
		FROM documents WHERE owner_id = ? AND content_fingerprint = ? AND deleted_at IS NULL`,
		owner.String(), hex.EncodeToString(fingerprint[:]))
	return scanDocument(row)
}

// GetDocument retrieves a document by id regardless of tombstone state.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, team_id, title, source_url, document_type, content_fingerprint,
			content_length, language, monitoring_enabled, monitor_interval_seconds,
			last_monitored_at, next_monitor_at, version, created_at, updated_at, deleted_at
		FROM documents WHERE id = ?`, id.String())
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, errkind.Wrap(errkind.NotFound, err)
	}
	return doc, err
}

// UpdateMonitoringState sets last_monitored_at and next_monitor_at, used by
// the Change Detector's no_change path (Scenario B) and by the crawler
// scheduler.
func (s *Store) UpdateMonitoringState(ctx context.Context, id uuid.UUID, lastMonitoredAt, nextMonitorAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET last_monitored_at = ?, next_monitor_at = ?, updated_at = ?
		WHERE id = ?`, lastMonitoredAt, nextMonitorAt, time.Now().UTC(), id.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// EnableMonitoring turns on recurring monitoring for a document at the
// given cadence, scheduling its first check immediately. Intake calls
// this once, when a crawler-sourced document is first created.
func (s *Store) EnableMonitoring(ctx context.Context, id uuid.UUID, intervalSeconds int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET monitoring_enabled = 1, monitor_interval_seconds = ?, next_monitor_at = ?, updated_at = ?
		WHERE id = ?`, intervalSeconds, now, now, id.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// SoftDeleteDocument sets deleted_at, leaving versions, analyses, and
// findings in place. Callers are responsible for invalidating the
// cache entries enumerated.
func (s *Store) SoftDeleteDocument(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.Wrap(errkind.NotFound, fmt.Errorf("document %s not found or already deleted", id))
	}
	return nil
}

// HardPurgeUser implements the GDPR deletion contract:
// deletes all Documents owned by owner (cascading to DocumentVersions,
// Analyses, Findings, MonitorJobs via ON DELETE CASCADE) and anonymizes
// this owner's AuditRecords in place. It does not touch the Cache or
// Vector Store; those are purged by the caller (PurgeService, see
// compliance/purge.go) since this store has no visibility into those
// adapters' keyspaces.
func (s *Store) HardPurgeUser(ctx context.Context, owner uuid.UUID) (deletedDocuments int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `DELETE FROM documents WHERE owner_id = ?`, owner.String())
		if execErr != nil {
			return errkind.Wrap(errkind.Internal, execErr)
		}
		deletedDocuments, _ = res.RowsAffected()

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE audit_records
			SET actor = NULL, before = NULL, after = NULL, anonymized = 1
			WHERE actor = ?`, owner.String()); execErr != nil {
			return errkind.Wrap(errkind.Internal, execErr)
		}
		return nil
	})
	return deletedDocuments, err
}

// ListOwnerDocumentIDs returns every live and tombstoned document id for an
// owner, used by the Cache purge fan-out in HardPurgeUser's caller.
func (s *Store) ListOwnerDocumentIDs(ctx context.Context, owner uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE owner_id = ?`, owner.String())
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

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var d model.Document
	var idStr, ownerStr, docType, fingerprintHex, lang string
	var teamStr, sourceURL sql.NullString
	var monitoringEnabled int
	var monitorInterval sql.NullInt64
	var lastMonitoredAt, nextMonitorAt, deletedAt sql.NullTime

	err := row.Scan(&idStr, &ownerStr, &teamStr, &d.Title, &sourceURL, &docType, &fingerprintHex,
		&d.ContentLength, &lang, &monitoringEnabled, &monitorInterval,
		&lastMonitoredAt, &nextMonitorAt, &d.Version, &d.CreatedAt, &d.UpdatedAt, &deletedAt)
	if err != nil {
		return model.Document{}, err
	}

	d.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Document{}, err
	}
	d.OwnerID, err = uuid.Parse(ownerStr)
	if err != nil {
		return model.Document{}, err
	}
	if teamStr.Valid {
		tid, err := uuid.Parse(teamStr.String)
		if err != nil {
			return model.Document{}, err
		}
		d.TeamID = &tid
	}
	if sourceURL.Valid {
		d.SourceURL = &sourceURL.String
	}
	d.Type = model.DocumentType(docType)
	d.Language = lang

	raw, err := hex.DecodeString(fingerprintHex)
	if err != nil || len(raw) != 32 {
		return model.Document{}, fmt.Errorf("invalid stored fingerprint for document %s", idStr)
	}
	copy(d.ContentFingerprint[:], raw)

	d.MonitoringEnabled = monitoringEnabled != 0
	if monitorInterval.Valid {
		d.MonitorIntervalSeconds = monitorInterval.Int64
	}
	if lastMonitoredAt.Valid {
		d.LastMonitoredAt = &lastMonitoredAt.Time
	}
	if nextMonitorAt.Valid {
		d.NextMonitorAt = &nextMonitorAt.Time
	}
	if deletedAt.Valid {
		d.DeletedAt = &deletedAt.Time
	}
	return d, nil
}
