package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/ratelimit"
	"fpai/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler-scheduler-test.db")
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

func newTestFetcher() *Fetcher {
	limiter := ratelimit.New(ratelimit.Config{
		PerHost:           ratelimit.HostConfig{RatePerSecond: 100, Burst: 100},
		GlobalMaxInFlight: 100,
	})
	return New(limiter, Config{}, nil)
}

func TestSchedulerTickOnceFetchesDueTargetAndEnqueuesIntake(t *testing.T) {
	rdb := skipIfNoRedis(t)
	ctx := context.Background()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("crawled body"))
	}))
	defer srv.Close()

	if err := store.UpsertCrawlTarget(ctx, storage.CrawlTarget{
		URL:            srv.URL,
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 1,
	}); err != nil {
		t.Fatalf("UpsertCrawlTarget: %v", err)
	}

	prefix := "fpai:crawler-scheduler-test:" + uuid.NewString() + ":"
	intakeQueue := jobqueue.New(rdb, jobqueue.QueueIntake, prefix, jobqueue.DefaultConfig())

	sc := NewScheduler(store, newTestFetcher(), intakeQueue, SchedulerConfig{PollInterval: time.Hour, Concurrency: 4}, nil)
	sc.tickOnce(ctx)

	lease, ok, err := intakeQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected tickOnce to enqueue an intake event for the due target")
	}
	if err := lease.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	targets, err := store.ListCrawlTargets(ctx)
	if err != nil {
		t.Fatalf("ListCrawlTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].LastFetchAt == nil {
		t.Fatalf("expected target state to be persisted with a LastFetchAt, got %+v", targets)
	}
	if targets[0].ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after a successful fetch", targets[0].ConsecutiveFailures)
	}
}

func TestSchedulerTickOnceSkipsQuarantinedTarget(t *testing.T) {
	rdb := skipIfNoRedis(t)
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertCrawlTarget(ctx, storage.CrawlTarget{
		URL:            "https://example.invalid/never-fetched",
		DocumentType:   model.DocumentTypeToS,
		CadenceSeconds: 1,
	}); err != nil {
		t.Fatalf("UpsertCrawlTarget: %v", err)
	}
	if err := store.UpdateCrawlTargetState(ctx, "https://example.invalid/never-fetched", DefaultMaxConsecutiveFailures, true, time.Now().UTC()); err != nil {
		t.Fatalf("UpdateCrawlTargetState: %v", err)
	}

	prefix := "fpai:crawler-scheduler-test:" + uuid.NewString() + ":"
	intakeQueue := jobqueue.New(rdb, jobqueue.QueueIntake, prefix, jobqueue.DefaultConfig())

	sc := NewScheduler(store, newTestFetcher(), intakeQueue, SchedulerConfig{PollInterval: time.Hour, Concurrency: 4}, nil)
	sc.tickOnce(ctx)

	_, ok, err := intakeQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Error("expected a quarantined target to be skipped, but an intake event was enqueued")
	}
}
