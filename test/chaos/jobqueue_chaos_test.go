// Package chaos drives the job queue and analysis orchestrator under
// induced failures: expired visibility leases, exhausted retries, and
// a flaky LLM that times out before succeeding. These tests exercise
// real Redis rather than mocks and skip themselves when it's absent.
package chaos

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"fpai/internal/jobqueue"
)

func skipIfNoRedis(t *testing.T) {
	addr := redisAddr()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
}

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func newChaosQueue(t *testing.T, cfg jobqueue.Config) *jobqueue.Queue {
	addr := redisAddr()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	name := jobqueue.QueueAnalysis
	t.Cleanup(func() {
		rdb.Del(context.Background(),
			"fpai:chaos:"+string(name)+":pending",
			"fpai:chaos:"+string(name)+":leases",
			"fpai:chaos:"+string(name)+":data",
			"fpai:chaos:"+string(name)+":dedup",
			"fpai:chaos:"+string(name)+":dead",
			"fpai:chaos:"+string(name)+":dead_data",
		)
		rdb.Close()
	})
	return jobqueue.New(rdb, name, "fpai:chaos:", cfg)
}

// TestLeaseExpiryRedeliversJob models a worker crashing after Dequeue
// without Ack/Nack: once the visibility lease elapses, the next Dequeue
// on the queue must redeliver the same job with its attempt count bumped.
func TestLeaseExpiryRedeliversJob(t *testing.T) {
	skipIfNoRedis(t)
	ctx := context.Background()

	cfg := jobqueue.DefaultConfig()
	cfg.VisibilityTimeout = 50 * time.Millisecond
	q := newChaosQueue(t, cfg)

	payload, _ := json.Marshal(map[string]string{"document_id": "doc-chaos-1"})
	if _, err := q.Enqueue(ctx, jobqueue.Job{ID: "chaos-job-1", Payload: payload}, jobqueue.PriorityNormal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("first Dequeue: ok=%v err=%v", ok, err)
	}
	if first.Job.Attempt != 0 {
		t.Fatalf("first delivery Attempt = %d, want 0", first.Job.Attempt)
	}

	time.Sleep(100 * time.Millisecond) // let the lease expire without Ack/Nack

	second, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("redelivery Dequeue: ok=%v err=%v", ok, err)
	}
	if second.Job.ID != "chaos-job-1" {
		t.Fatalf("redelivered job ID = %q, want chaos-job-1", second.Job.ID)
	}
	if second.Job.Attempt != 1 {
		t.Errorf("redelivered Attempt = %d, want 1", second.Job.Attempt)
	}
}

// TestLeaseExpiryExhaustsRetriesIntoDeadLetter models a job that keeps
// losing its lease (a worker pool that crashes every time) until
// MaxAttempts is reached, at which point it must stop circulating and
// land in the dead-letter partition instead.
func TestLeaseExpiryExhaustsRetriesIntoDeadLetter(t *testing.T) {
	skipIfNoRedis(t)
	ctx := context.Background()

	cfg := jobqueue.DefaultConfig()
	cfg.VisibilityTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	q := newChaosQueue(t, cfg)

	payload, _ := json.Marshal(map[string]string{"document_id": "doc-chaos-2"})
	if _, err := q.Enqueue(ctx, jobqueue.Job{ID: "chaos-job-2", Payload: payload}, jobqueue.PriorityNormal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < cfg.MaxAttempts+1; i++ {
		q.Dequeue(ctx) // each call reaps the previous attempt's expired lease
		time.Sleep(40 * time.Millisecond)
	}

	records, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(records) != 1 || records[0].Job.ID != "chaos-job-2" {
		t.Errorf("ListDeadLetters = %+v, want one record for chaos-job-2", records)
	}
}
