package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"fpai/internal/model"
	"fpai/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweeper-test.db")
	store, err := storage.New(storage.Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	return store
}

func seedCompletedAnalysis(t *testing.T, store *storage.Store, retentionWindow time.Duration) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	owner := uuid.New()

	var fp [32]byte
	fp[0] = 1
	doc, _, err := store.UpsertDocument(ctx, owner, "Terms of Service", model.DocumentTypeToS, fp, 100, "en", nil)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	version, err := store.AppendVersion(ctx, doc.ID, fp, model.ChangeKindInitial, "initial capture", nil, 0)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	analysis, err := store.CreateAnalysis(ctx, doc.ID, version.ID, owner)
	if err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	if err := store.TransitionAnalysis(ctx, analysis.ID, model.AnalysisPending, model.AnalysisProcessing, storage.AnalysisPatch{}); err != nil {
		t.Fatalf("transition to processing: %v", err)
	}
	score := 10
	if err := store.TransitionAnalysis(ctx, analysis.ID, model.AnalysisProcessing, model.AnalysisCompleted, storage.AnalysisPatch{
		OverallRiskScore: &score,
		RetentionWindow:  retentionWindow,
	}); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}
	return analysis.ID
}

func TestRunOnceExpiresAnalysesPastRetention(t *testing.T) {
	store := newTestStore(t)
	analysisID := seedCompletedAnalysis(t, store, -time.Hour)

	sw := New(store, Config{AnalysisBatchSize: 10, AuditRetention: 24 * time.Hour}, nil)
	sw.RunOnce(context.Background())

	got, err := store.GetAnalysis(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Status != model.AnalysisExpired {
		t.Errorf("Status = %v, want expired", got.Status)
	}
}

func TestRunOnceLeavesUnexpiredAnalysesAlone(t *testing.T) {
	store := newTestStore(t)
	analysisID := seedCompletedAnalysis(t, store, 24*time.Hour)

	sw := New(store, Config{AnalysisBatchSize: 10, AuditRetention: 24 * time.Hour}, nil)
	sw.RunOnce(context.Background())

	got, err := store.GetAnalysis(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Status != model.AnalysisCompleted {
		t.Errorf("Status = %v, want still completed", got.Status)
	}
}
