package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing across the pipeline's stages.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a telemetry provider per cfg.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("fpai")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "fpai"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("fpai")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("fpai"), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is exporting.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes shared across the pipeline's stages.
const (
	AttrDocumentID   = "fpai.document.id"
	AttrAnalysisID   = "fpai.analysis.id"
	AttrJobID        = "fpai.job.id"
	AttrQueueName    = "fpai.queue.name"
	AttrHost         = "fpai.crawler.host"
	AttrStatusCode   = "http.response.status_code"
	AttrAttempt      = "fpai.attempt"
	AttrErrorKind    = "fpai.error_kind"
	AttrRiskScore    = "fpai.analysis.risk_score"
	AttrFindingCount = "fpai.analysis.finding_count"
	AttrRuleID       = "fpai.compliance.rule_id"
	AttrSeverity     = "fpai.severity"
)

// StartCrawlSpan starts a span covering one target fetch attempt (C3).
func (p *Provider) StartCrawlSpan(ctx context.Context, host string, attempt int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "crawler.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrHost, host),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// EndCrawlSpan closes a crawl span with the observed outcome.
func (p *Provider) EndCrawlSpan(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int(AttrStatusCode, statusCode))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartAnalysisSpan starts a span covering one Analysis Orchestrator run
// (C8,).
func (p *Provider) StartAnalysisSpan(ctx context.Context, documentID, analysisID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orchestrator.analyze",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrDocumentID, documentID),
			attribute.String(AttrAnalysisID, analysisID),
		),
	)
}

// EndAnalysisSpan closes an analysis span with the resulting risk score
// and finding count, or an error if the pipeline failed.
func (p *Provider) EndAnalysisSpan(span trace.Span, riskScore, findingCount int, err error) {
	span.SetAttributes(
		attribute.Int(AttrRiskScore, riskScore),
		attribute.Int(AttrFindingCount, findingCount),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordJobDeadLettered records a job exceeding max_attempts (C7).
func (p *Provider) RecordJobDeadLettered(ctx context.Context, queue, jobID, errorKind string, attempt int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("jobqueue.dead_lettered",
		trace.WithAttributes(
			attribute.String(AttrQueueName, queue),
			attribute.String(AttrJobID, jobID),
			attribute.String(AttrErrorKind, errorKind),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// RecordComplianceAlertOpened records a new open ComplianceAlert (C10).
func (p *Provider) RecordComplianceAlertOpened(ctx context.Context, documentID, ruleID, severity string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("compliance.alert_opened",
		trace.WithAttributes(
			attribute.String(AttrDocumentID, documentID),
			attribute.String(AttrRuleID, ruleID),
			attribute.String(AttrSeverity, severity),
		),
	)
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "fpai"}
}

// NoopProvider returns a provider that records nothing, for tests.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("fpai-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
