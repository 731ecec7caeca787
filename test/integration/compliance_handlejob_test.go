package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"fpai/internal/compliance"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/storage"
)

func TestComplianceHandleJobOpensAlertFromQueuedPayload(t *testing.T) {
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "compliance-handlejob-test.db")
	store, err := storage.New(storage.Config{Path: dbPath}, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	owner := uuid.New()
	var fp [32]byte
	fp[0] = 3
	doc, _, err := store.UpsertDocument(ctx, owner, "Terms of Service", model.DocumentTypeToS, fp, 200, "en", nil)
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
	score := 80
	if err := store.TransitionAnalysis(ctx, analysis.ID, model.AnalysisProcessing, model.AnalysisCompleted, storage.AnalysisPatch{
		OverallRiskScore: &score,
	}); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	if err := store.InsertFindings(ctx, analysis.ID, 200, []model.Finding{
		{Category: "data_retention", Severity: model.SeverityCritical, PositionStart: 0, PositionEnd: 10},
	}); err != nil {
		t.Fatalf("InsertFindings: %v", err)
	}

	if _, err := store.UpsertJurisdictionRule(ctx, model.JurisdictionRule{
		Jurisdiction:             "eu",
		RequiredCategoryCoverage: []string{"data_retention"},
		SeverityFloor:            model.SeverityHigh,
	}); err != nil {
		t.Fatalf("UpsertJurisdictionRule: %v", err)
	}

	engine := compliance.New(store, nil)

	payload, err := json.Marshal(map[string]string{"analysis_id": analysis.ID.String()})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	if err := engine.HandleJob(ctx, jobqueue.Job{ID: uuid.NewString(), Payload: payload}); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	open, err := store.HasOpenAlert(ctx, doc.ID, nil, model.SeverityCritical, time.Hour)
	if err != nil {
		t.Fatalf("HasOpenAlert: %v", err)
	}
	if !open {
		t.Error("expected HandleJob to have opened a compliance alert for the critical finding")
	}

	// A second delivery of the same payload must not double-process:
	// MarkComplianceProcessed's once-only marker makes HandleJob idempotent.
	if err := engine.HandleJob(ctx, jobqueue.Job{ID: uuid.NewString(), Payload: payload}); err != nil {
		t.Fatalf("second HandleJob: %v", err)
	}
}

func TestComplianceHandleJobRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "compliance-handlejob-bad-test.db")
	store, err := storage.New(storage.Config{Path: dbPath}, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	engine := compliance.New(store, nil)
	err = engine.HandleJob(ctx, jobqueue.Job{ID: "bad", Payload: []byte("not json")})
	if err == nil {
		t.Fatal("expected an error for a malformed payload")
	}
}
