package intake

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fpai/internal/cache"
	"fpai/internal/crawler"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/orchestrator"
	"fpai/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intake-test.db")
	store, err := storage.New(storage.Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	return store
}

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skip("Redis not available, skipping test")
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func newTestProcessor(t *testing.T, rdb *redis.Client, store *storage.Store) (*Processor, *jobqueue.Queue) {
	t.Helper()
	prefix := "fpai:intake-test:" + uuid.NewString() + ":"
	cacheClient, err := cache.New(cache.Config{Addr: redisAddr(), KeyPrefix: prefix}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { cacheClient.Close() })

	analysisQueue := jobqueue.New(rdb, jobqueue.QueueAnalysis, prefix, jobqueue.DefaultConfig())
	p := New(store, cacheClient, analysisQueue, Config{MaxNormalizedBytes: 1 << 20, ModelID: "test-model"}, nil)
	return p, analysisQueue
}

func TestHandleNewDocumentEnablesMonitoringAndEnqueuesAnalysis(t *testing.T) {
	rdb := skipIfNoRedis(t)
	ctx := context.Background()
	store := newTestStore(t)
	p, analysisQueue := newTestProcessor(t, rdb, store)

	sourceURL := "https://example.com/tos-" + uuid.NewString()
	event := crawler.IntakeEvent{
		URL:            sourceURL,
		FetchedAt:      time.Now().UTC(),
		RawBytes:       []byte("these are the terms of service"),
		ContentType:    "text/plain",
		RequestID:      uuid.NewString(),
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 120,
	}

	if err := p.Handle(ctx, event); err != nil {
		t.Fatalf("Handle (first): %v", err)
	}

	doc, err := store.GetDocumentByOwnerSourceURL(ctx, model.SystemOwnerID, sourceURL)
	if err != nil {
		t.Fatalf("GetDocumentByOwnerSourceURL: %v", err)
	}
	if !doc.MonitoringEnabled || doc.MonitorIntervalSeconds != 120 {
		t.Errorf("expected monitoring enabled with a 120s cadence, got %+v", doc)
	}

	lease, ok, err := analysisQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected Handle to enqueue an analysis job for a new document")
	}
	var payload orchestrator.AnalysisJobPayload
	if err := json.Unmarshal(lease.Job.Payload, &payload); err != nil {
		t.Fatalf("unmarshal analysis payload: %v", err)
	}
	if payload.DocumentID != doc.ID || payload.ModelID != "test-model" {
		t.Errorf("unexpected analysis payload: %+v", payload)
	}
	if err := lease.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestHandleUnchangedContentSkipsAnalysisButAdvancesMonitoring(t *testing.T) {
	rdb := skipIfNoRedis(t)
	ctx := context.Background()
	store := newTestStore(t)
	p, analysisQueue := newTestProcessor(t, rdb, store)

	sourceURL := "https://example.com/tos-" + uuid.NewString()
	body := []byte("identical terms of service text")

	first := crawler.IntakeEvent{
		URL:            sourceURL,
		RawBytes:       body,
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 60,
	}
	if err := p.Handle(ctx, first); err != nil {
		t.Fatalf("Handle (first): %v", err)
	}
	if lease, ok, err := analysisQueue.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue (first): %v", err)
	} else if ok {
		if err := lease.Ack(ctx); err != nil {
			t.Fatalf("Ack (first): %v", err)
		}
	}

	doc, err := store.GetDocumentByOwnerSourceURL(ctx, model.SystemOwnerID, sourceURL)
	if err != nil {
		t.Fatalf("GetDocumentByOwnerSourceURL: %v", err)
	}
	firstVersion, err := store.GetLatestVersion(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetLatestVersion: %v", err)
	}

	second := crawler.IntakeEvent{
		URL:            sourceURL,
		RawBytes:       body,
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 60,
	}
	if err := p.Handle(ctx, second); err != nil {
		t.Fatalf("Handle (second, unchanged): %v", err)
	}

	if _, ok, err := analysisQueue.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	} else if ok {
		t.Error("did not expect a no-change intake event to enqueue a second analysis job")
	}

	secondVersion, err := store.GetLatestVersion(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetLatestVersion (after no-change): %v", err)
	}
	if secondVersion.ID != firstVersion.ID {
		t.Error("a no-change event should not append a new document version")
	}
}

func TestHandleChangedContentAppendsVersionAndEnqueuesAnalysis(t *testing.T) {
	rdb := skipIfNoRedis(t)
	ctx := context.Background()
	store := newTestStore(t)
	p, analysisQueue := newTestProcessor(t, rdb, store)

	sourceURL := "https://example.com/tos-" + uuid.NewString()

	first := crawler.IntakeEvent{
		URL:            sourceURL,
		RawBytes:       []byte("original terms of service text"),
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 60,
	}
	if err := p.Handle(ctx, first); err != nil {
		t.Fatalf("Handle (first): %v", err)
	}
	if lease, ok, err := analysisQueue.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue (first): %v", err)
	} else if ok {
		if err := lease.Ack(ctx); err != nil {
			t.Fatalf("Ack (first): %v", err)
		}
	}

	doc, err := store.GetDocumentByOwnerSourceURL(ctx, model.SystemOwnerID, sourceURL)
	if err != nil {
		t.Fatalf("GetDocumentByOwnerSourceURL: %v", err)
	}
	firstVersion, err := store.GetLatestVersion(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetLatestVersion: %v", err)
	}

	changed := crawler.IntakeEvent{
		URL:            sourceURL,
		RawBytes:       []byte("materially different terms with a new arbitration clause"),
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 60,
	}
	if err := p.Handle(ctx, changed); err != nil {
		t.Fatalf("Handle (changed): %v", err)
	}

	secondVersion, err := store.GetLatestVersion(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetLatestVersion (after change): %v", err)
	}
	if secondVersion.ID == firstVersion.ID {
		t.Fatal("expected a changed fetch to append a new document version")
	}

	lease, ok, err := analysisQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue (changed): %v", err)
	}
	if !ok {
		t.Fatal("expected a changed fetch to enqueue an analysis job")
	}
	var payload orchestrator.AnalysisJobPayload
	if err := json.Unmarshal(lease.Job.Payload, &payload); err != nil {
		t.Fatalf("unmarshal analysis payload: %v", err)
	}
	if payload.DocumentVersionID != secondVersion.ID {
		t.Errorf("analysis payload references version %s, want %s", payload.DocumentVersionID, secondVersion.ID)
	}
	if err := lease.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}
