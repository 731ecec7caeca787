package integration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"fpai/internal/cache"
	"fpai/internal/deadletter"
	"fpai/internal/jobqueue"
	"fpai/internal/workerpool"
)

// skipIfNoRedis skips the test if Redis is not available.
func skipIfNoRedis(t *testing.T) {
	addr := getRedisAddr()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
}

func getRedisAddr() string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

func newTestCacheClient(t *testing.T) *cache.Client {
	addr := getRedisAddr()
	c, err := cache.New(cache.Config{Addr: addr, KeyPrefix: "fpai:integration-test:"}, nil)
	if err != nil {
		t.Fatalf("failed to create cache client: %v", err)
	}
	cleanupTestKeys(t, addr)
	t.Cleanup(func() {
		cleanupTestKeys(t, addr)
		c.Close()
	})
	return c
}

func cleanupTestKeys(t *testing.T, addr string) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	keys, _ := client.Keys(ctx, "fpai:integration-test:*").Result()
	if len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}

func TestCache_SetGetRoundTrips(t *testing.T) {
	skipIfNoRedis(t)
	c := newTestCacheClient(t)
	ctx := context.Background()

	type payload struct{ Score int }
	if err := c.Set(ctx, "analysis:abc", payload{Score: 42}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got payload
	ok, err := c.Get(ctx, "analysis:abc", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got.Score != 42 {
		t.Errorf("Get = (%v, %v), want (42, true)", got, ok)
	}
}

func TestCache_GetMissReturnsFalse(t *testing.T) {
	skipIfNoRedis(t)
	c := newTestCacheClient(t)
	ctx := context.Background()

	var got string
	ok, err := c.Get(ctx, "missing-key", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected miss for unset key")
	}
}

func TestCache_SchemaMismatchIsTreatedAsMiss(t *testing.T) {
	skipIfNoRedis(t)
	c := newTestCacheClient(t)
	ctx := context.Background()

	if err := c.Set(ctx, "shape-test", "a plain string", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got struct{ Field int }
	ok, err := c.Get(ctx, "shape-test", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected schema mismatch to be reported as a miss")
	}

	// The mismatched entry should now be gone.
	var again string
	ok, _ = c.Get(ctx, "shape-test", &again)
	if ok {
		t.Error("expected mismatched entry to be deleted on miss")
	}
}

func TestCache_IncrSetsTTLOnFirstIncrement(t *testing.T) {
	skipIfNoRedis(t)
	c := newTestCacheClient(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "rate_limit:host-a", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 1 {
		t.Errorf("Incr = %d, want 1", n)
	}

	rdb := redis.NewClient(&redis.Options{Addr: getRedisAddr()})
	defer rdb.Close()
	ttl, err := rdb.TTL(ctx, "fpai:integration-test:rate_limit:host-a").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL after first Incr = %v, want in (0, 1m]", ttl)
	}

	n, err = c.Incr(ctx, "rate_limit:host-a", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 2 {
		t.Errorf("Incr = %d, want 2", n)
	}
}

func TestCache_AcquireLockIsExclusive(t *testing.T) {
	skipIfNoRedis(t)
	c := newTestCacheClient(t)
	ctx := context.Background()

	lease, err := c.AcquireLock(ctx, "dedup_lock:fingerprint-x", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, err := c.AcquireLock(ctx, "dedup_lock:fingerprint-x", time.Minute); err != cache.ErrBusy {
		t.Errorf("expected ErrBusy for already-held lock, got %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lease2, err := c.AcquireLock(ctx, "dedup_lock:fingerprint-x", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	_ = lease2.Release(ctx)
}

func newTestQueue(t *testing.T, name jobqueue.Name) *jobqueue.Queue {
	addr := getRedisAddr()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		rdb.Del(context.Background(),
			"fpai:queue-test:"+string(name)+":pending",
			"fpai:queue-test:"+string(name)+":leases",
			"fpai:queue-test:"+string(name)+":data",
			"fpai:queue-test:"+string(name)+":dedup",
			"fpai:queue-test:"+string(name)+":dead",
			"fpai:queue-test:"+string(name)+":dead_data",
		)
		rdb.Close()
	})
	return jobqueue.New(rdb, name, "fpai:queue-test:", jobqueue.DefaultConfig())
}

func TestQueue_NackWithNonRetryableCauseDeadLetters(t *testing.T) {
	skipIfNoRedis(t)
	ctx := context.Background()
	q := newTestQueue(t, jobqueue.QueueAnalysis)

	payload, _ := json.Marshal(map[string]string{"document_id": "doc-1"})
	admitted, err := q.Enqueue(ctx, jobqueue.Job{ID: "job-1", Payload: payload}, jobqueue.PriorityNormal)
	if err != nil || !admitted {
		t.Fatalf("Enqueue: admitted=%v err=%v", admitted, err)
	}

	lease, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}

	if err := lease.Nack(ctx, errors.New("permanent failure")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	records, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(records) != 1 || records[0].Job.ID != "job-1" {
		t.Errorf("ListDeadLetters = %+v, want one record for job-1", records)
	}
}

func TestDeadletterAggregator_ListMergesAcrossQueuesNewestFirst(t *testing.T) {
	skipIfNoRedis(t)
	ctx := context.Background()
	analysis := newTestQueue(t, jobqueue.QueueAnalysis)
	compliance := newTestQueue(t, jobqueue.QueueCompliance)

	for i, q := range []*jobqueue.Queue{analysis, compliance} {
		payload, _ := json.Marshal(map[string]int{"n": i})
		job := jobqueue.Job{ID: string(q.Name()) + "-job", Payload: payload}
		if _, err := q.Enqueue(ctx, job, jobqueue.PriorityNormal); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		lease, ok, err := q.Dequeue(ctx)
		if err != nil || !ok {
			t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
		}
		if err := lease.Nack(ctx, errors.New("boom")); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}

	agg := deadletter.New(analysis, compliance)
	records, err := agg.List(ctx, deadletter.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List = %d records, want 2", len(records))
	}

	filtered, err := agg.List(ctx, deadletter.Filter{QueueName: jobqueue.QueueCompliance, Limit: 10})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Queue != jobqueue.QueueCompliance {
		t.Errorf("List filtered = %+v, want one compliance record", filtered)
	}
}

func TestWorkerPool_RunAcksSuccessfulJobs(t *testing.T) {
	skipIfNoRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := newTestQueue(t, jobqueue.QueueIntake)
	payload, _ := json.Marshal(map[string]string{"url": "https://example.com/tos"})
	if _, err := q.Enqueue(ctx, jobqueue.Job{ID: "pool-job-1", Payload: payload}, jobqueue.PriorityNormal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var handled atomic.Int32
	pool := workerpool.New(q, func(ctx context.Context, job jobqueue.Job) error {
		handled.Add(1)
		return nil
	}, workerpool.Config{Size: 2, IdleWait: 20 * time.Millisecond}, nil)

	go pool.Run(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()

	if handled.Load() != 1 {
		t.Errorf("handled = %d, want 1", handled.Load())
	}
	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("Depth after ack = %d, want 0", depth)
	}
}
