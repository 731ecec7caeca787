// Package sweeper runs the periodic background jobs needed outside the
// request/response path: expiring completed Analyses past their retention
// window, and purging audit records past theirs. A single ticker-driven
// run loop drives both independent sweep jobs.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"fpai/internal/storage"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	Interval          time.Duration
	AnalysisBatchSize int
	AuditRetention    time.Duration
}

// DefaultConfig returns sensible sweep defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Minute,
		AnalysisBatchSize: 500,
		AuditRetention:    storage.DefaultAuditRetention,
	}
}

// Sweeper periodically expires completed Analyses and purges old audit
// records.
type Sweeper struct {
	store *storage.Store
	cfg   Config
	log   *slog.Logger
}

// New builds a Sweeper.
func New(store *storage.Store, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.AnalysisBatchSize <= 0 {
		cfg.AnalysisBatchSize = DefaultConfig().AnalysisBatchSize
	}
	return &Sweeper{store: store, cfg: cfg, log: log}
}

// Run blocks, sweeping on cfg.Interval until ctx is canceled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.log.Info("sweeper stopping")
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs both sweep jobs a single time; exported as RunOnce for
// callers (tests, a one-shot CLI invocation) that don't want the ticker
// loop.
func (sw *Sweeper) sweepOnce(ctx context.Context) {
	if n, err := sw.expireAnalyses(ctx); err != nil {
		sw.log.Error("analysis expiry sweep failed", "error", err)
	} else if n > 0 {
		sw.log.Info("expired analyses", "count", n)
	}

	if n, err := sw.store.PurgeAuditOlderThan(ctx, sw.cfg.AuditRetention); err != nil {
		sw.log.Error("audit retention purge failed", "error", err)
	} else if n > 0 {
		sw.log.Info("purged audit records", "count", n)
	}
}

// RunOnce runs both sweep jobs exactly once, for tests and manual triggers.
func (sw *Sweeper) RunOnce(ctx context.Context) {
	sw.sweepOnce(ctx)
}

// expireAnalyses transitions every completed Analysis past its
// expires_at to expired, paging through results in AnalysisBatchSize
// chunks until none remain.
func (sw *Sweeper) expireAnalyses(ctx context.Context) (int, error) {
	total := 0
	now := time.Now().UTC()
	for {
		ids, err := sw.store.ListExpiringAnalyses(ctx, now, sw.cfg.AnalysisBatchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		for _, id := range ids {
			if err := sw.store.ExpireAnalysis(ctx, id); err != nil {
				return total, err
			}
			total++
		}
		if len(ids) < sw.cfg.AnalysisBatchSize {
			return total, nil
		}
	}
}
