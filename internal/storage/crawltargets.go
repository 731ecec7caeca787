package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// CrawlTarget is one configured discovery source for the Crawler, along
// with its persisted quarantine bookkeeping.
type CrawlTarget struct {
	URL                 string
	DocumentType        model.DocumentType
	CadenceSeconds      int64
	SelectorHints       []string
	ConsecutiveFailures int
	Quarantined         bool
	LastFetchAt         *time.Time
}

// UpsertCrawlTarget inserts or replaces the static configuration for one
// crawl target, leaving its quarantine bookkeeping untouched if the row
// already exists.
func (s *Store) UpsertCrawlTarget(ctx context.Context, t CrawlTarget) error {
	hints, err := json.Marshal(t.SelectorHints)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawl_targets (url, document_type, cadence_seconds, selector_hints, consecutive_failures, quarantined, last_fetch_at)
		VALUES (?, ?, ?, ?, 0, 0, NULL)
		ON CONFLICT(url) DO UPDATE SET document_type = excluded.document_type,
			cadence_seconds = excluded.cadence_seconds, selector_hints = excluded.selector_hints`,
		t.URL, string(t.DocumentType), t.CadenceSeconds, string(hints))
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// ListCrawlTargets returns every configured crawl target, quarantined or
// not; the scheduler is responsible for skipping quarantined targets.
func (s *Store) ListCrawlTargets(ctx context.Context) ([]CrawlTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, document_type, cadence_seconds, selector_hints, consecutive_failures, quarantined, last_fetch_at
		FROM crawl_targets`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var out []CrawlTarget
	for rows.Next() {
		var t CrawlTarget
		var docType, hints string
		var quarantined int
		var lastFetchAt sql.NullTime
		if err := rows.Scan(&t.URL, &docType, &t.CadenceSeconds, &hints, &t.ConsecutiveFailures, &quarantined, &lastFetchAt); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		t.DocumentType = model.DocumentType(docType)
		t.Quarantined = quarantined != 0
		if lastFetchAt.Valid {
			t.LastFetchAt = &lastFetchAt.Time
		}
		if err := json.Unmarshal([]byte(hints), &t.SelectorHints); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateCrawlTargetState persists the outcome of one fetch attempt:
// consecutive_failures, quarantined, and last_fetch_at.
func (s *Store) UpdateCrawlTargetState(ctx context.Context, url string, consecutiveFailures int, quarantined bool, lastFetchAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_targets SET consecutive_failures = ?, quarantined = ?, last_fetch_at = ?
		WHERE url = ?`, consecutiveFailures, quarantined, lastFetchAt, url)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Wrap(errkind.NotFound, errors.New("crawl target not found"))
	}
	return nil
}
