// Package jobqueue implements the Job Queue (component C7): durable,
// bounded, priority-ordered queues for IntakeEvents, AnalysisJobs,
// MonitorJobs, and ComplianceJobs. No priority-queue library
// appears anywhere in the retrieval pack, so this builds directly on the
// already-wired github.com/redis/go-redis/v9 client: each queue is a
// redis sorted set keyed by a score that orders high/normal/low priority
// ahead of FIFO arrival order, plus a second sorted set tracking
// in-flight visibility leases. The lease-token-and-Lua-release idiom
// mirrors internal/cache's AcquireLock/Release.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"fpai/internal/errkind"
	"fpai/internal/telemetry"
)

// Priority selects FIFO-within-priority ordering at enqueue time; it
// cannot be changed after enqueue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Name identifies one of the four queues.
type Name string

const (
	QueueIntake     Name = "intake"
	QueueAnalysis   Name = "analysis"
	QueueMonitor    Name = "monitor"
	QueueCompliance Name = "compliance"
)

// Job is a durable unit of work. Payload is opaque JSON the caller
// decodes per queue.
type Job struct {
	ID       string          `json:"id"`
	DedupKey string          `json:"dedup_key,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Attempt  int             `json:"attempt"`
	Priority Priority        `json:"priority"`
}

// Config tunes backpressure and retry behavior, defaults/.
type Config struct {
	VisibilityTimeout time.Duration // lease duration D
	MaxAttempts       int           // default 8
	SoftLimit         int64         // depth at which Crawler should pause
	HardLimit         int64         // depth at which Enqueue fails with Backpressure
	RetryBase         time.Duration // default 2s
	RetryJitter       float64       // default 0.25
	RetryCap          time.Duration // default 15min
}

// DefaultConfig returns stated defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 5 * time.Minute,
		MaxAttempts:       8,
		SoftLimit:         1000,
		HardLimit:         5000,
		RetryBase:         2 * time.Second,
		RetryJitter:       0.25,
		RetryCap:          15 * time.Minute,
	}
}

// Queue is a single bounded, priority-ordered, at-least-once queue.
type Queue struct {
	rdb       *redis.Client
	name      Name
	prefix    string
	cfg       Config
	telemetry *telemetry.Provider
}

// New constructs a Queue backed by rdb. Queues share the process-wide
// redis connection (same singleton as the cache and vector store).
func New(rdb *redis.Client, name Name, keyPrefix string, cfg Config) *Queue {
	if keyPrefix == "" {
		keyPrefix = "fpai:queue:"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Queue{rdb: rdb, name: name, prefix: keyPrefix, cfg: cfg, telemetry: telemetry.NoopProvider()}
}

// SetTelemetry attaches the pipeline's telemetry provider so a job
// exceeding max_attempts is recorded as a dead-letter span event. Queues
// built without calling this keep recording against a no-op tracer.
func (q *Queue) SetTelemetry(p *telemetry.Provider) {
	if p != nil {
		q.telemetry = p
	}
}

func (q *Queue) pendingKey() string   { return q.prefix + string(q.name) + ":pending" }
func (q *Queue) leaseKey() string     { return q.prefix + string(q.name) + ":leases" }
func (q *Queue) dataKey() string      { return q.prefix + string(q.name) + ":data" }
func (q *Queue) dedupKey() string     { return q.prefix + string(q.name) + ":dedup" }
func (q *Queue) deadLetterKey() string { return q.prefix + string(q.name) + ":dead" }
func (q *Queue) deadDataKey() string   { return q.prefix + string(q.name) + ":dead_data" }

// score orders priority classes strictly above one another, then FIFO by
// arrival time within a class. Higher priorities get lower scores, since
// Dequeue pops the minimum. A billion-second offset per priority
// level keeps classes from ever interleaving within the lifetime of a
// running deployment.
func score(p Priority, arrival time.Time) float64 {
	return float64(PriorityHigh-p)*1e12 + float64(arrival.UnixMilli())
}

// Depth reports the number of jobs awaiting dequeue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	return n, nil
}

// Enqueue admits job at the given priority. If dedupKey is set and a job
// with the same key is already scheduled or running, the submission is
// absorbed: Enqueue returns (false, nil) rather than creating a
// duplicate dedup contract.
func (q *Queue) Enqueue(ctx context.Context, job Job, priority Priority) (admitted bool, err error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return false, err
	}
	if depth >= q.cfg.HardLimit {
		return false, errkind.Wrap(errkind.Backpressure, fmt.Errorf("queue %s depth %d exceeds hard limit %d", q.name, depth, q.cfg.HardLimit))
	}

	if job.DedupKey != "" {
		set, err := q.rdb.HSetNX(ctx, q.dedupKey(), job.DedupKey, job.ID).Result()
		if err != nil {
			return false, errkind.Wrap(errkind.Internal, err)
		}
		if !set {
			return false, nil
		}
	}

	job.Priority = priority
	data, err := json.Marshal(job)
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.dataKey(), job.ID, data)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(priority, time.Now()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errkind.Wrap(errkind.Internal, err)
	}
	return true, nil
}

// SoftLimitExceeded reports whether queue depth has crossed the soft
// limit, the signal Crawler (C3) uses to pause host polling.
func (q *Queue) SoftLimitExceeded(ctx context.Context) (bool, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return false, err
	}
	return depth >= q.cfg.SoftLimit, nil
}

// Lease is a claimed job holding a visibility lease; callers must Ack or
// Nack before the lease expires or it is redelivered automatically.
type Lease struct {
	Job      Job
	queue    *Queue
	deadline time.Time
}

// Dequeue claims the highest-priority, oldest-arrived job, if any, and
// starts its visibility lease. ok is false when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (lease *Lease, ok bool, err error) {
	q.reapExpiredLeases(ctx)

	ids, err := q.rdb.ZPopMin(ctx, q.pendingKey(), 1).Result()
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Internal, err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	id, _ := ids[0].Member.(string)

	data, err := q.rdb.HGet(ctx, q.dataKey(), id).Result()
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Internal, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, false, errkind.Wrap(errkind.Internal, err)
	}

	deadline := time.Now().Add(q.cfg.VisibilityTimeout)
	if err := q.rdb.ZAdd(ctx, q.leaseKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err(); err != nil {
		return nil, false, errkind.Wrap(errkind.Internal, err)
	}
	return &Lease{Job: job, queue: q, deadline: deadline}, true, nil
}

// Ack marks the leased job complete, removing it and any dedup entry.
func (l *Lease) Ack(ctx context.Context) error {
	q := l.queue
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.leaseKey(), l.Job.ID)
	pipe.HDel(ctx, q.dataKey(), l.Job.ID)
	if l.Job.DedupKey != "" {
		pipe.HDel(ctx, q.dedupKey(), l.Job.DedupKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// Nack reports the leased job failed. If err is retryable and attempts
// remain, the job goes back to the pending set with its score computed
// from now plus an exponential backoff delay (base 2s, jitter ±25%, cap
// 15min); otherwise it moves to the dead-letter partition. Dequeue does
// not hold a requeued job back until that time: the delay only places it
// behind same-priority jobs that arrived earlier.
func (l *Lease) Nack(ctx context.Context, cause error) error {
	q := l.queue
	l.Job.Attempt++

	retryable := errkind.Retryable(cause)
	if retryable && l.Job.Attempt < q.cfg.MaxAttempts {
		delay := backoff(q.cfg, l.Job.Attempt)
		return q.requeueAfter(ctx, l.Job, delay)
	}
	return q.deadLetter(ctx, l.Job, cause)
}

func (q *Queue) requeueAfter(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	at := time.Now().Add(delay)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.leaseKey(), job.ID)
	pipe.HSet(ctx, q.dataKey(), job.ID, data)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(job.Priority, at), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// deadLetter moves job to the dead-letter partition, preserving the
// failure kind for later inspection (see internal/deadletter).
func (q *Queue) deadLetter(ctx context.Context, job Job, cause error) error {
	record := struct {
		Job       Job       `json:"job"`
		ErrorKind string    `json:"error_kind"`
		FailedAt  time.Time `json:"failed_at"`
	}{Job: job, ErrorKind: errKindName(cause), FailedAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.leaseKey(), job.ID)
	pipe.HDel(ctx, q.dataKey(), job.ID)
	if job.DedupKey != "" {
		pipe.HDel(ctx, q.dedupKey(), job.DedupKey)
	}
	pipe.ZAdd(ctx, q.deadLetterKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, q.deadDataKey(), job.ID, data)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	q.telemetry.RecordJobDeadLettered(ctx, string(q.name), job.ID, errKindName(cause), job.Attempt)
	return nil
}

func errKindName(err error) string {
	if err == nil {
		return ""
	}
	if kind := errkind.KindName(err); kind != "" {
		return kind
	}
	return err.Error()
}

// DeadLetterRecord is a job that exhausted its retry attempts, as stored
// by deadLetter.
type DeadLetterRecord struct {
	Job       Job       `json:"job"`
	ErrorKind string    `json:"error_kind"`
	FailedAt  time.Time `json:"failed_at"`
}

// ListDeadLetters returns up to limit dead-lettered jobs for this queue,
// newest failure first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.ZRevRange(ctx, q.deadLetterKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := q.rdb.HMGet(ctx, q.deadDataKey(), ids...).Result()
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	records := make([]DeadLetterRecord, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec DeadLetterRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Name reports the queue's name, for callers that aggregate across queues.
func (q *Queue) Name() Name { return q.name }

// reapExpiredLeases redelivers jobs whose visibility lease elapsed
// without an Ack/Nack, bumping their attempt count.
func (q *Queue) reapExpiredLeases(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	expired, err := q.rdb.ZRangeByScore(ctx, q.leaseKey(), &redis.ZRangeBy{Min: "0", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(expired) == 0 {
		return
	}
	for _, id := range expired {
		data, err := q.rdb.HGet(ctx, q.dataKey(), id).Result()
		if err != nil {
			q.rdb.ZRem(ctx, q.leaseKey(), id)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			q.rdb.ZRem(ctx, q.leaseKey(), id)
			continue
		}
		job.Attempt++
		if job.Attempt >= q.cfg.MaxAttempts {
			_ = q.deadLetter(ctx, job, errkind.Wrap(errkind.Internal, fmt.Errorf("lease expired %d times", job.Attempt)))
			continue
		}
		_ = q.requeueAfter(ctx, job, 0)
	}
}

// backoff computes the retry delay for attempt n using exponential
// backoff with jitter, capped at cfg.RetryCap.
func backoff(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base == 0 {
		base = 2 * time.Second
	}
	ceiling := cfg.RetryCap
	if ceiling == 0 {
		ceiling = 15 * time.Minute
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	jitter := cfg.RetryJitter
	if jitter == 0 {
		jitter = 0.25
	}
	spread := float64(delay) * jitter
	delta := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(delay) + delta)
	if out < 0 {
		out = 0
	}
	return out
}
