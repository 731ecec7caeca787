package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fpai/internal/errkind"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/storage"
)

// SchedulerConfig tunes how often the scheduler re-checks which targets
// are due and how many fetches run at once.
type SchedulerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

// DefaultSchedulerConfig checks for due targets every 30s with up to 32
// fetches in flight; each target's own CadenceSeconds governs how often
// it's actually fetched.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{PollInterval: 30 * time.Second, Concurrency: 32}
}

// Scheduler drives the fetch pool: on each tick it fetches every
// configured target whose cadence has elapsed since LastFetchAt, and
// emits a successful fetch's IntakeEvent onto QueueIntake.
type Scheduler struct {
	store       *storage.Store
	fetcher     *Fetcher
	intakeQueue *jobqueue.Queue
	cfg         SchedulerConfig
	log         *slog.Logger
}

// NewScheduler builds a Scheduler. intakeQueue must be the QueueIntake
// jobqueue.Queue.
func NewScheduler(store *storage.Store, fetcher *Fetcher, intakeQueue *jobqueue.Queue, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSchedulerConfig().PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSchedulerConfig().Concurrency
	}
	return &Scheduler{store: store, fetcher: fetcher, intakeQueue: intakeQueue, cfg: cfg, log: log}
}

// Run blocks, polling on cfg.PollInterval until ctx is canceled.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.tickOnce(ctx)
		}
	}
}

func (sc *Scheduler) tickOnce(ctx context.Context) {
	targets, err := sc.store.ListCrawlTargets(ctx)
	if err != nil {
		sc.log.Error("list crawl targets failed", "error", err)
		return
	}
	now := time.Now().UTC()

	sem := make(chan struct{}, sc.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, t := range targets {
		if t.Quarantined {
			continue
		}
		if t.LastFetchAt != nil && now.Sub(*t.LastFetchAt) < time.Duration(t.CadenceSeconds)*time.Second {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(target storage.CrawlTarget) {
			defer wg.Done()
			defer func() { <-sem }()
			sc.fetchOne(ctx, target)
		}(t)
	}
	wg.Wait()
}

func (sc *Scheduler) fetchOne(ctx context.Context, t storage.CrawlTarget) {
	target := MonitoringTarget{
		URL:            t.URL,
		SelectorHints:  t.SelectorHints,
		DocumentType:   t.DocumentType,
		CadenceSeconds: t.CadenceSeconds,
	}
	state := &TargetState{
		URL:                 t.URL,
		ConsecutiveFailures: t.ConsecutiveFailures,
	}

	result, err := sc.fetcher.Fetch(ctx, target, state, requestIDFor(t.URL))
	if state.LastFetchAt.IsZero() {
		state.LastFetchAt = time.Now().UTC()
	}

	if saveErr := sc.store.UpdateCrawlTargetState(ctx, t.URL, state.ConsecutiveFailures, state.Quarantined, state.LastFetchAt); saveErr != nil {
		sc.log.Error("persist crawl target state failed", "url", t.URL, "error", saveErr)
	}

	if err != nil {
		if state.Quarantined {
			sc.alertQuarantine(ctx, t.URL, state.ConsecutiveFailures)
		}
		return
	}

	sc.enqueueIntake(ctx, result.Event)
}

func requestIDFor(url string) string {
	return fmt.Sprintf("crawl:%s:%d", url, time.Now().UTC().UnixNano())
}

func (sc *Scheduler) enqueueIntake(ctx context.Context, event IntakeEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		sc.log.Error("marshal intake event failed", "url", event.URL, "error", err)
		return
	}
	job := jobqueue.Job{ID: event.RequestID, Payload: raw}
	if _, err := sc.intakeQueue.Enqueue(ctx, job, jobqueue.PriorityNormal); err != nil {
		sc.log.Warn("intake enqueue failed", "url", event.URL, "error", err)
	}
}

// alertQuarantine raises a synthetic ComplianceAlert for a target that
// just crossed max_consecutive_failures. Quarantine bookkeeping is keyed
// by URL, not by document, so the alert can only be attached to an
// existing Document row; a target that has never produced one yet (every
// fetch has failed) has nothing to attach to and is logged instead.
func (sc *Scheduler) alertQuarantine(ctx context.Context, url string, consecutiveFailures int) {
	doc, err := sc.store.GetDocumentByOwnerSourceURL(ctx, model.SystemOwnerID, url)
	if err != nil {
		sc.log.Error("crawler target quarantined, no document to attach alert to", "url", url, "consecutive_failures", consecutiveFailures)
		return
	}
	_, err = sc.store.OpenComplianceAlert(ctx, model.ComplianceAlert{
		DocumentID: doc.ID,
		Severity:   model.SeverityMedium,
		Evidence: map[string]any{
			"category":             "crawler_target_quarantined",
			"url":                  url,
			"consecutive_failures": consecutiveFailures,
		},
	})
	if err != nil {
		sc.log.Error("open quarantine compliance alert failed", "url", url, "error", errkind.KindName(err))
	}
}
