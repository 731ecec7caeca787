package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fpai/internal/cache"
	"fpai/internal/compliance"
	"fpai/internal/config"
	"fpai/internal/crawler"
	"fpai/internal/deadletter"
	"fpai/internal/errkind"
	"fpai/internal/intake"
	"fpai/internal/jobqueue"
	"fpai/internal/llm"
	"fpai/internal/model"
	"fpai/internal/monitor"
	"fpai/internal/orchestrator"
	"fpai/internal/ratelimit"
	"fpai/internal/storage"
	"fpai/internal/sweeper"
	"fpai/internal/telemetry"
	"fpai/internal/vectorstore"
	"fpai/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "configs/fpai.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting fpai",
		"version", "0.1.0",
		"storage_path", cfg.Storage.Path,
		"cache_addr", cfg.Cache.Addr,
	)

	if dataDir := filepath.Dir(cfg.Storage.Path); dataDir != "." {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
	}

	store, err := storage.New(storage.Config{
		Path:              cfg.Storage.Path,
		AnalysisRetention: time.Duration(cfg.Analysis.RetentionDays) * 24 * time.Hour,
		AuditRetention:    time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
	}, logger)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	if err := seedCrawlTargets(context.Background(), store, cfg.CrawlTargets); err != nil {
		slog.Error("failed to seed crawl targets", "error", err)
		os.Exit(1)
	}

	cacheClient, err := cache.New(cache.Config{
		Addr:      cfg.Cache.Addr,
		Password:  cfg.Cache.Password,
		DB:        cfg.Cache.DB,
		KeyPrefix: cfg.Cache.KeyPrefix,
	}, logger)
	if err != nil {
		slog.Error("failed to connect to cache", "error", err)
		os.Exit(1)
	}

	// Queues and the vector store share their own Redis connection rather
	// than reach into cache.Client, which keeps its handle private.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})

	vectors := vectorstore.New(rdb, cfg.Cache.KeyPrefix)

	intakeQueue := jobqueue.New(rdb, jobqueue.QueueIntake, cfg.Cache.KeyPrefix+"queue:", queueConfig(cfg.Queue.Intake))
	analysisQueue := jobqueue.New(rdb, jobqueue.QueueAnalysis, cfg.Cache.KeyPrefix+"queue:", queueConfig(cfg.Queue.Analysis))
	monitorQueue := jobqueue.New(rdb, jobqueue.QueueMonitor, cfg.Cache.KeyPrefix+"queue:", queueConfig(cfg.Queue.Monitor))
	complianceQueue := jobqueue.New(rdb, jobqueue.QueueCompliance, cfg.Cache.KeyPrefix+"queue:", queueConfig(cfg.Queue.Compliance))

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = telemetry.NoopProvider()
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	} else {
		tp = telemetry.NoopProvider()
	}

	intakeQueue.SetTelemetry(tp)
	analysisQueue.SetTelemetry(tp)
	monitorQueue.SetTelemetry(tp)
	complianceQueue.SetTelemetry(tp)

	llmOpts := []llm.OpenAIOption{llm.WithTimeout(time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond)}
	if cfg.LLM.APIKey != "" {
		llmOpts = append(llmOpts, llm.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.LLM.BaseURL))
	}
	llmClient := llm.NewOpenAIClient(llmOpts...)
	embedder := llm.NewOpenAIEmbedder(cfg.LLM.Model, llmOpts...)

	limiter := ratelimit.New(ratelimit.Config{
		PerHost:           ratelimit.HostConfig{RatePerSecond: cfg.RateLimit.PerHostRate, Burst: cfg.RateLimit.PerHostBurst},
		GlobalMaxInFlight: int64(cfg.RateLimit.GlobalInFlight),
		IdleEvictAfter:    ratelimit.DefaultIdleEvictAfter,
	})
	fetcher := crawler.New(limiter, crawler.Config{
		Timeout:                time.Duration(cfg.HTTP.TimeoutMs) * time.Millisecond,
		MaxBodyBytes:           cfg.HTTP.MaxBodyBytes,
		MaxConsecutiveFailures: crawler.DefaultMaxConsecutiveFailures,
	}, logger)
	fetcher.SetTelemetry(tp)
	crawlerSchedulerCfg := crawler.DefaultSchedulerConfig()
	crawlerSchedulerCfg.Concurrency = cfg.WorkerPools.Crawler
	crawlerScheduler := crawler.NewScheduler(store, fetcher, intakeQueue, crawlerSchedulerCfg, logger)

	intakeProcessor := intake.New(store, cacheClient, analysisQueue, intake.Config{
		MaxNormalizedBytes: cfg.Normalize.MaxBytes,
		ModelID:            cfg.LLM.Model,
	}, logger)

	analyzer := orchestrator.New(store, cacheClient, vectors, llmClient, embedder, complianceQueue, logger)
	analyzer.SetTelemetry(tp)

	monitorScheduler := monitor.New(store, monitorQueue, monitor.DefaultConfig(), logger)
	monitorWorker := monitor.NewWorker(store, fetcher, intakeQueue, logger)

	complianceEngine := compliance.New(store, cacheClient)
	complianceEngine.SetTelemetry(tp)
	purgeService := compliance.NewPurgeService(store, cacheClient, vectors, logger)
	_ = purgeService // exposed for the (out-of-process) purge CLI/API surface, not driven by a background loop here

	sweepService := sweeper.New(store, sweeper.Config{
		AnalysisBatchSize: 500,
		AuditRetention:    time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
	}, logger)

	dlq := deadletter.New(intakeQueue, analysisQueue, monitorQueue, complianceQueue)
	_ = dlq // surfaced through the (out-of-process) operator API, not polled by a background loop here

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intakePool := workerpool.New(intakeQueue, func(ctx context.Context, job jobqueue.Job) error {
		event, err := decodeIntakeEvent(job)
		if err != nil {
			return err
		}
		return intakeProcessor.Handle(ctx, event)
	}, workerpool.Config{Size: cfg.WorkerPools.Intake}, logger)

	analysisPool := workerpool.New(analysisQueue, func(ctx context.Context, job jobqueue.Job) error {
		payload, err := decodeAnalysisJob(job)
		if err != nil {
			return err
		}
		return analyzer.RunJob(ctx, payload)
	}, workerpool.Config{Size: cfg.WorkerPools.Analyzer}, logger)

	monitorPool := workerpool.New(monitorQueue, monitorWorker.Handle, workerpool.Config{Size: cfg.WorkerPools.Monitor}, logger)

	compliancePool := workerpool.New(complianceQueue, complianceEngine.HandleJob, workerpool.Config{Size: cfg.WorkerPools.Compliance}, logger)

	go intakePool.Run(ctx)
	go analysisPool.Run(ctx)
	go monitorPool.Run(ctx)
	go compliancePool.Run(ctx)
	go crawlerScheduler.Run(ctx)
	go monitorScheduler.Run(ctx)
	go sweepService.Run(ctx)

	slog.Info("fpai pipeline running",
		"crawler_workers", cfg.WorkerPools.Crawler,
		"intake_workers", cfg.WorkerPools.Intake,
		"analyzer_workers", cfg.WorkerPools.Analyzer,
		"monitor_workers", cfg.WorkerPools.Monitor,
		"compliance_workers", cfg.WorkerPools.Compliance,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := cacheClient.Close(); err != nil {
		slog.Error("cache close error", "error", err)
	}
	if err := rdb.Close(); err != nil {
		slog.Error("queue redis close error", "error", err)
	}
	if err := store.Close(); err != nil {
		slog.Error("storage close error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("fpai stopped")
}

func queueConfig(qs config.QueueSettings) jobqueue.Config {
	cfg := jobqueue.DefaultConfig()
	cfg.MaxAttempts = qs.MaxAttempts
	cfg.VisibilityTimeout = qs.VisibilitySeconds
	cfg.SoftLimit = qs.SoftLimit
	cfg.HardLimit = qs.HardLimit
	return cfg
}

func seedCrawlTargets(ctx context.Context, store *storage.Store, targets []config.CrawlTargetConfig) error {
	for _, t := range targets {
		err := store.UpsertCrawlTarget(ctx, storage.CrawlTarget{
			URL:            t.URL,
			DocumentType:   model.DocumentType(t.DocumentType),
			CadenceSeconds: t.CadenceSeconds,
			SelectorHints:  t.SelectorHints,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeIntakeEvent(job jobqueue.Job) (crawler.IntakeEvent, error) {
	var event crawler.IntakeEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return crawler.IntakeEvent{}, errkind.Wrap(errkind.Internal, err)
	}
	return event, nil
}

func decodeAnalysisJob(job jobqueue.Job) (orchestrator.AnalysisJobPayload, error) {
	var payload orchestrator.AnalysisJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return orchestrator.AnalysisJobPayload{}, errkind.Wrap(errkind.Internal, err)
	}
	return payload, nil
}
