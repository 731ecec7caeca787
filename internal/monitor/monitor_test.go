package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fpai/internal/crawler"
	"fpai/internal/errkind"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/ratelimit"
	"fpai/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor-test.db")
	store, err := storage.New(storage.Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	return store
}

func seedMonitoredDocument(t *testing.T, store *storage.Store, sourceURL string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	var fp [32]byte
	fp[0] = 9
	doc, _, err := store.UpsertDocument(ctx, model.SystemOwnerID, sourceURL, model.DocumentTypeToS, fp, 50, "en", &sourceURL)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := store.EnableMonitoring(ctx, doc.ID, 60); err != nil {
		t.Fatalf("EnableMonitoring: %v", err)
	}
	return doc.ID
}

func TestSchedulerScheduleOneReturnsConflictForActiveJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	docID := seedMonitoredDocument(t, store, "https://example.com/tos")

	now := time.Now().UTC()
	if _, err := store.ScheduleMonitorJob(ctx, docID, now); err != nil {
		t.Fatalf("ScheduleMonitorJob: %v", err)
	}

	sc := &Scheduler{store: store, cfg: DefaultConfig()}
	if err := sc.scheduleOne(ctx, docID, now); !errkind.Is(err, errkind.Conflict) {
		t.Fatalf("scheduleOne second attempt = %v, want Conflict", err)
	}
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

func TestWorkerHandleRefetchesAndEnqueuesIntake(t *testing.T) {
	rdb := skipIfNoRedis(t)
	ctx := context.Background()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("updated terms"))
	}))
	defer srv.Close()

	docID := seedMonitoredDocument(t, store, srv.URL)
	job, err := store.ScheduleMonitorJob(ctx, docID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ScheduleMonitorJob: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerHost:           ratelimit.HostConfig{RatePerSecond: 100, Burst: 100},
		GlobalMaxInFlight: 100,
	})
	fetcher := crawler.New(limiter, crawler.Config{}, nil)

	prefix := "fpai:monitor-test:" + uuid.NewString() + ":"
	intakeQueue := jobqueue.New(rdb, jobqueue.QueueIntake, prefix, jobqueue.DefaultConfig())

	w := NewWorker(store, fetcher, intakeQueue, nil)

	payload := JobPayload{
		MonitorJobID: job.ID,
		DocumentID:   docID,
		URL:          srv.URL,
		DocumentType: model.DocumentTypeToS,
		Cadence:      60,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	if err := w.Handle(ctx, jobqueue.Job{ID: uuid.NewString(), Payload: raw}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	lease, ok, err := intakeQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected Worker.Handle to have enqueued an intake event")
	}
	var event crawler.IntakeEvent
	if err := json.Unmarshal(lease.Job.Payload, &event); err != nil {
		t.Fatalf("unmarshal captured intake event: %v", err)
	}
	if string(event.RawBytes) != "updated terms" {
		t.Errorf("captured event body = %q, want %q", event.RawBytes, "updated terms")
	}
	if err := lease.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	updatedJob, err := store.ListDueDocuments(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueDocuments: %v", err)
	}
	_ = updatedJob
}
