// Package workerpool runs the bounded worker pools: N goroutines
// per queue, each looping Dequeue -> handle -> Ack/Nack. When a queue is
// empty a worker polls immediately and only backs off once it sees
// nothing to do, rather than sleeping on a fixed interval regardless of
// load.
package workerpool

import (
	"context"
	"log/slog"
	"time"

	"fpai/internal/jobqueue"
)

// Handler processes one job's payload. A returned error is classified by
// errkind and drives the Lease's retry/dead-letter decision.
type Handler func(ctx context.Context, job jobqueue.Job) error

// Config sizes one pool.
type Config struct {
	Size     int
	IdleWait time.Duration // poll interval when the queue is empty
}

// DefaultIdleWait is used when Config.IdleWait is unset.
const DefaultIdleWait = 500 * time.Millisecond

// Pool runs Size workers against queue until its context is canceled.
type Pool struct {
	queue  *jobqueue.Queue
	handle Handler
	cfg    Config
	log    *slog.Logger
}

// New builds a Pool. handle is invoked by every worker for every
// dequeued job; it must be safe to call concurrently.
func New(queue *jobqueue.Queue, handle Handler, cfg Config, log *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{queue: queue, handle: handle, cfg: cfg, log: log}
}

// Run blocks, running cfg.Size worker goroutines until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.cfg.Size; i++ {
		go func(worker int) {
			p.runWorker(ctx, worker)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < p.cfg.Size; i++ {
		<-done
	}
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.Error("dequeue failed", "worker", worker, "error", err)
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}

		if err := p.handle(ctx, lease.Job); err != nil {
			p.log.Warn("job handler failed", "worker", worker, "job_id", lease.Job.ID, "error", err)
			if nackErr := lease.Nack(ctx, err); nackErr != nil {
				p.log.Error("nack failed", "worker", worker, "job_id", lease.Job.ID, "error", nackErr)
			}
			continue
		}
		if err := lease.Ack(ctx); err != nil {
			p.log.Error("ack failed", "worker", worker, "job_id", lease.Job.ID, "error", err)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.IdleWait):
	}
}
