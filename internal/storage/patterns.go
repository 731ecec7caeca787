package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// UpsertPatternRule inserts a new version of a named rule. PatternRule is
// versioned: mutation creates a new version, old versions remain
// referenceable by historical Findings (enforced by ON DELETE RESTRICT).
func (s *Store) UpsertPatternRule(ctx context.Context, r model.PatternRule) (model.PatternRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	kwJSON, err := json.Marshal(r.Keywords)
	if err != nil {
		return model.PatternRule{}, errkind.Wrap(errkind.Internal, err)
	}
	jurJSON, err := json.Marshal(r.Jurisdictions)
	if err != nil {
		return model.PatternRule{}, errkind.Wrap(errkind.Internal, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pattern_rules (id, category, name, severity, description, legal_basis,
			keywords, regex, embedding_id, jurisdictions, active, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Category, r.Name, string(r.Severity), r.Description, r.LegalBasis,
		string(kwJSON), r.Regex, r.EmbeddingID, string(jurJSON), boolToInt(r.Active), r.Version)
	if err != nil {
		return model.PatternRule{}, errkind.Wrap(errkind.Internal, fmt.Errorf("insert pattern rule: %w", err))
	}
	return r, nil
}

// DeactivatePreviousVersions marks every version of name other than
// keepVersion inactive, so "mutation creates a new version" only ever
// leaves the newest version active.
func (s *Store) DeactivatePreviousVersions(ctx context.Context, name string, keepVersion int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pattern_rules SET active = 0 WHERE name = ? AND version != ?`, name, keepVersion)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// ListActivePatternRules returns every active PatternRule, the miss path
// behind the pattern_lib:all cache key.
func (s *Store) ListActivePatternRules(ctx context.Context) ([]model.PatternRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, name, severity, description, legal_basis, keywords, regex,
			embedding_id, jurisdictions, active, version
		FROM pattern_rules WHERE active = 1`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()
	return scanPatternRules(rows)
}

// GetPatternRule retrieves one PatternRule by id, active or not, so
// historical Findings can still resolve their referenced rule.
func (s *Store) GetPatternRule(ctx context.Context, id uuid.UUID) (model.PatternRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, name, severity, description, legal_basis, keywords, regex,
			embedding_id, jurisdictions, active, version
		FROM pattern_rules WHERE id = ?`, id.String())
	r, err := scanPatternRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PatternRule{}, errkind.Wrap(errkind.NotFound, err)
	}
	return r, err
}

func scanPatternRules(rows *sql.Rows) ([]model.PatternRule, error) {
	var out []model.PatternRule
	for rows.Next() {
		r, err := scanPatternRule(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPatternRule(row rowScanner) (model.PatternRule, error) {
	var r model.PatternRule
	var idStr, severity, kwJSON, jurJSON string
	var regex, embeddingID sql.NullString
	var active int

	if err := row.Scan(&idStr, &r.Category, &r.Name, &severity, &r.Description, &r.LegalBasis,
		&kwJSON, &regex, &embeddingID, &jurJSON, &active, &r.Version); err != nil {
		return model.PatternRule{}, err
	}
	var err error
	r.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.PatternRule{}, err
	}
	r.Severity = model.Severity(severity)
	r.Active = active != 0
	if regex.Valid {
		r.Regex = &regex.String
	}
	if embeddingID.Valid {
		r.EmbeddingID = &embeddingID.String
	}
	if err := json.Unmarshal([]byte(kwJSON), &r.Keywords); err != nil {
		return model.PatternRule{}, err
	}
	if err := json.Unmarshal([]byte(jurJSON), &r.Jurisdictions); err != nil {
		return model.PatternRule{}, err
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
