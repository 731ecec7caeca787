// Package monitor implements the Monitor scheduler pool: finds documents
// whose recheck cadence has elapsed, schedules a MonitorJob for each, and
// drains QueueMonitor by re-fetching the document's source URL and
// handing the result to Intake exactly as a fresh crawl would.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fpai/internal/crawler"
	"fpai/internal/errkind"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/storage"
)

// JobPayload is the QueueMonitor payload: enough to re-fetch the
// document's source URL without a second DB round trip inside the
// worker, though TransitionMonitorJob still needs the row to exist.
type JobPayload struct {
	MonitorJobID uuid.UUID          `json:"monitor_job_id"`
	DocumentID   uuid.UUID          `json:"document_id"`
	URL          string             `json:"url"`
	DocumentType model.DocumentType `json:"document_type"`
	Cadence      int64              `json:"cadence_seconds"`
}

// Config tunes the scheduler's poll cadence and batch size.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig polls every minute, 200 documents per batch.
func DefaultConfig() Config {
	return Config{PollInterval: time.Minute, BatchSize: 200}
}

// Scheduler polls for due documents and enqueues MonitorJobs; a separate
// workerpool.Pool built over Handle drains them.
type Scheduler struct {
	store *storage.Store
	queue *jobqueue.Queue
	cfg   Config
	log   *slog.Logger
}

// New builds a Scheduler. queue must be the QueueMonitor jobqueue.Queue.
func New(store *storage.Store, queue *jobqueue.Queue, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{store: store, queue: queue, cfg: cfg, log: log}
}

// Run blocks, polling for due documents on cfg.PollInterval until ctx is
// canceled.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.pollOnce(ctx)
		}
	}
}

// pollOnce schedules a MonitorJob for every due document. A document
// already holding a scheduled or running job is skipped: ScheduleMonitorJob
// fails with Conflict on the partial-uniqueness invariant, which is the
// expected steady-state outcome when the previous cycle's job hasn't
// finished yet, not an error worth logging loudly.
func (sc *Scheduler) pollOnce(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := sc.store.ListDueDocuments(ctx, now, sc.cfg.BatchSize)
	if err != nil {
		sc.log.Error("list due documents failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := sc.scheduleOne(ctx, id, now); err != nil && !errkind.Is(err, errkind.Conflict) {
			sc.log.Error("schedule monitor job failed", "document_id", id, "error", err)
		}
	}
}

func (sc *Scheduler) scheduleOne(ctx context.Context, documentID uuid.UUID, now time.Time) error {
	doc, err := sc.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.SourceURL == nil || *doc.SourceURL == "" {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("document %s has monitoring enabled but no source_url", documentID))
	}

	job, err := sc.store.ScheduleMonitorJob(ctx, documentID, now)
	if err != nil {
		return err
	}

	payload := JobPayload{
		MonitorJobID: job.ID,
		DocumentID:   documentID,
		URL:          *doc.SourceURL,
		DocumentType: doc.Type,
		Cadence:      doc.MonitorIntervalSeconds,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	_, err = sc.queue.Enqueue(ctx, jobqueue.Job{ID: job.ID.String(), Payload: raw}, jobqueue.PriorityLow)
	return err
}

// Worker drains QueueMonitor: re-fetch the document's source URL and
// enqueue the result onto QueueIntake exactly as a fresh crawl would,
// rather than calling into Intake in-process.
type Worker struct {
	store       *storage.Store
	fetcher     *crawler.Fetcher
	intakeQueue *jobqueue.Queue
	log         *slog.Logger
}

// NewWorker builds a Worker. Pass it to workerpool.New as the Handler for
// QueueMonitor. intakeQueue must be the QueueIntake jobqueue.Queue.
func NewWorker(store *storage.Store, fetcher *crawler.Fetcher, intakeQueue *jobqueue.Queue, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: store, fetcher: fetcher, intakeQueue: intakeQueue, log: log}
}

// Handle processes one MonitorJob: transition to running, re-fetch,
// transition to done/failed, and incrementing the job's own attempt
// counter on any failure so the row reflects the same retry history the
// job queue lease is already tracking.
func (w *Worker) Handle(ctx context.Context, job jobqueue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	if err := w.store.TransitionMonitorJob(ctx, payload.MonitorJobID, model.MonitorJobRunning, ""); err != nil {
		return err
	}

	target := crawler.MonitoringTarget{
		URL:            payload.URL,
		DocumentType:   payload.DocumentType,
		CadenceSeconds: payload.Cadence,
	}
	state := &crawler.TargetState{URL: payload.URL}
	result, err := w.fetcher.Fetch(ctx, target, state, job.ID)
	if err != nil {
		_ = w.store.IncrementMonitorJobAttempt(ctx, payload.MonitorJobID)
		_ = w.store.TransitionMonitorJob(ctx, payload.MonitorJobID, model.MonitorJobFailed, errkind.KindName(err))
		return err
	}

	raw, err := json.Marshal(result.Event)
	if err != nil {
		_ = w.store.TransitionMonitorJob(ctx, payload.MonitorJobID, model.MonitorJobFailed, errkind.KindName(err))
		return errkind.Wrap(errkind.Internal, err)
	}
	if _, err := w.intakeQueue.Enqueue(ctx, jobqueue.Job{ID: job.ID, Payload: raw}, jobqueue.PriorityNormal); err != nil {
		_ = w.store.IncrementMonitorJobAttempt(ctx, payload.MonitorJobID)
		_ = w.store.TransitionMonitorJob(ctx, payload.MonitorJobID, model.MonitorJobFailed, errkind.KindName(err))
		return err
	}

	return w.store.TransitionMonitorJob(ctx, payload.MonitorJobID, model.MonitorJobDone, "")
}
