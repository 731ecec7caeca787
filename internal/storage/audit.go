package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// AppendAudit inserts an AuditRecord. Rows are append-only: never
// updated or deleted except by HardPurgeUser's anonymization path.
func (s *Store) AppendAudit(ctx context.Context, r model.AuditRecord) (model.AuditRecord, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	beforeJSON, err := marshalOptional(r.Before)
	if err != nil {
		return model.AuditRecord{}, errkind.Wrap(errkind.Internal, err)
	}
	afterJSON, err := marshalOptional(r.After)
	if err != nil {
		return model.AuditRecord{}, errkind.Wrap(errkind.Internal, err)
	}
	var actor any
	if r.Actor != nil {
		actor = r.Actor.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, actor, action, resource_type, resource_id, before, after,
			correlation_id, at, anonymized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		r.ID.String(), actor, r.Action, r.ResourceType, r.ResourceID.String(), beforeJSON, afterJSON,
		r.CorrelationID, r.At)
	if err != nil {
		return model.AuditRecord{}, errkind.Wrap(errkind.Internal, err)
	}
	return r, nil
}

// AuditFilter specifies query criteria for audit records: filter by
// resource and time range, newest first.
type AuditFilter struct {
	ResourceType string
	ResourceID   *uuid.UUID
	Since        *time.Time
	Limit        int
}

const defaultAuditQueryLimit = 100

// QueryAudit returns AuditRecords matching filter, newest first.
func (s *Store) QueryAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	query := `SELECT id, actor, action, resource_type, resource_id, before, after, correlation_id, at, anonymized
		FROM audit_records WHERE 1=1`
	var args []any
	if filter.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != nil {
		query += " AND resource_id = ?"
		args = append(args, filter.ResourceID.String())
	}
	if filter.Since != nil {
		query += " AND at >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditQueryLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var idStr, resourceStr, action, resourceType, correlationID string
		var actor, before, after sql.NullString
		var anonymized int
		if err := rows.Scan(&idStr, &actor, &action, &resourceType, &resourceStr, &before, &after,
			&correlationID, &r.At, &anonymized); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		r.ID, _ = uuid.Parse(idStr)
		r.ResourceID, _ = uuid.Parse(resourceStr)
		r.Action = action
		r.ResourceType = resourceType
		r.CorrelationID = correlationID
		r.Anonymized = anonymized != 0
		if actor.Valid {
			a, err := uuid.Parse(actor.String)
			if err == nil {
				r.Actor = &a
			}
		}
		if before.Valid {
			_ = json.Unmarshal([]byte(before.String), &r.Before)
		}
		if after.Valid {
			_ = json.Unmarshal([]byte(after.String), &r.After)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeAuditOlderThan deletes audit records older than the configured
// retention window. Intended to be called
// periodically by the audit-retention sweeper.
func (s *Store) PurgeAuditOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = s.auditRetention
	}
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE at < ?`, cutoff)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func marshalOptional(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
