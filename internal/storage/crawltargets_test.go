package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

func newCrawlTargetsTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawltargets-test.db")
	store, err := New(Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestUpsertCrawlTargetInsertsThenRefreshesWithoutResettingState(t *testing.T) {
	ctx := context.Background()
	store := newCrawlTargetsTestStore(t)

	if err := store.UpsertCrawlTarget(ctx, CrawlTarget{
		URL:            "https://example.com/tos",
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 3600,
		SelectorHints:  []string{"main"},
	}); err != nil {
		t.Fatalf("UpsertCrawlTarget (insert): %v", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateCrawlTargetState(ctx, "https://example.com/tos", 2, false, now); err != nil {
		t.Fatalf("UpdateCrawlTargetState: %v", err)
	}

	if err := store.UpsertCrawlTarget(ctx, CrawlTarget{
		URL:            "https://example.com/tos",
		DocumentType:   model.DocumentTypePrivacyPolicy,
		CadenceSeconds: 7200,
		SelectorHints:  []string{"article"},
	}); err != nil {
		t.Fatalf("UpsertCrawlTarget (refresh): %v", err)
	}

	targets, err := store.ListCrawlTargets(ctx)
	if err != nil {
		t.Fatalf("ListCrawlTargets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("len(targets) = %d, want 1", len(targets))
	}
	got := targets[0]
	if got.DocumentType != model.DocumentTypePrivacyPolicy || got.CadenceSeconds != 7200 {
		t.Errorf("refresh did not update config fields: %+v", got)
	}
	if got.ConsecutiveFailures != 2 {
		t.Errorf("refresh clobbered quarantine bookkeeping: ConsecutiveFailures = %d, want 2", got.ConsecutiveFailures)
	}
	if len(got.SelectorHints) != 1 || got.SelectorHints[0] != "article" {
		t.Errorf("SelectorHints = %v, want [article]", got.SelectorHints)
	}
}

func TestUpdateCrawlTargetStateNotFound(t *testing.T) {
	ctx := context.Background()
	store := newCrawlTargetsTestStore(t)

	err := store.UpdateCrawlTargetState(ctx, "https://never-registered.example", 1, false, time.Now().UTC())
	if !errkind.Is(err, errkind.NotFound) {
		t.Fatalf("UpdateCrawlTargetState on unknown url = %v, want NotFound", err)
	}
}
