// Package crawler implements the Crawler (component C3): given monitoring
// targets, fetches candidate legal documents through the Rate Limiter
// (C2) and emits IntakeEvents. Outbound fetching reads the whole response
// into a bounded buffer up front and logs transport errors with
// structured fields rather than formatted strings.
package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"fpai/internal/errkind"
	"fpai/internal/fingerprint"
	"fpai/internal/model"
	"fpai/internal/ratelimit"
	"fpai/internal/telemetry"
)

// MonitoringTarget is one crawl source.
type MonitoringTarget struct {
	URL            string             `json:"url"`
	SelectorHints  []string           `json:"selector_hints,omitempty"`
	DocumentType   model.DocumentType `json:"document_type"`
	CadenceSeconds int64              `json:"cadence_seconds"`
}

// IntakeEvent is emitted for each successful fetch.
type IntakeEvent struct {
	URL            string             `json:"url"`
	FetchedAt      time.Time          `json:"fetched_at"`
	RawBytes       []byte             `json:"raw_bytes"`
	ContentType    string             `json:"content_type"`
	RequestID      string             `json:"request_id"`
	DocumentType   model.DocumentType `json:"document_type"`
	CadenceSeconds int64              `json:"cadence_seconds"` // target's recrawl cadence, carried through for monitoring setup on first intake
}

// DefaultMaxBodyBytes is default max response size (10 MiB).
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// DefaultMaxConsecutiveFailures quarantines a target after this many
// consecutive transport failures.
const DefaultMaxConsecutiveFailures = 5

// UserAgent identifies this crawler to origin servers
// "identification header" requirement.
const UserAgent = "fpai-crawler/1.0 (+compliance-monitoring)"

// TargetState tracks a target's quarantine bookkeeping across crawl
// cycles (supplemented quarantine behavior; persisted by
// callers via internal/storage's crawl_targets table).
type TargetState struct {
	URL                 string
	ConsecutiveFailures int
	Quarantined         bool
	LastFetchAt         time.Time
}

// AlertSink receives a quarantine notification for handoff to the
// Compliance Engine (C10) "mark target quarantined and alert
// via C10".
type AlertSink interface {
	TargetQuarantined(ctx context.Context, targetURL string, consecutiveFailures int)
}

// Fetcher performs rate-limited HTTP GETs and extracts visible text.
type Fetcher struct {
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	maxBody     int64
	log         *slog.Logger
	maxFailures int
	telemetry   *telemetry.Provider
}

// Config tunes Fetcher behavior.
type Config struct {
	Timeout             time.Duration
	MaxBodyBytes        int64
	MaxConsecutiveFailures int
}

// New builds a Fetcher backed by limiter for host leases.
func New(limiter *ratelimit.Limiter, cfg Config, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	maxFailures := cfg.MaxConsecutiveFailures
	if maxFailures == 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	return &Fetcher{
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		maxBody:     maxBody,
		log:         log,
		maxFailures: maxFailures,
		telemetry:   telemetry.NoopProvider(),
	}
}

// SetTelemetry attaches the pipeline's telemetry provider so each Fetch
// attempt emits a crawler.fetch span. Fetchers built without calling this
// (e.g. in tests) keep recording against a no-op tracer.
func (f *Fetcher) SetTelemetry(p *telemetry.Provider) {
	if p != nil {
		f.telemetry = p
	}
}

// FetchResult is the outcome of one fetch attempt.
type FetchResult struct {
	Event      IntakeEvent
	RetryAfter time.Duration // honored on 429
	Quarantine bool          // true once consecutive failures cross the threshold
}

// Fetch performs one rate-limited GET against target, returning an
// IntakeEvent on success. state is mutated in place to track the
// consecutive-failure counter and quarantine flag. Wraps the attempt in a
// crawler.fetch span recording the host, attempt number, and outcome.
func (f *Fetcher) Fetch(ctx context.Context, target MonitoringTarget, state *TargetState, requestID string) (FetchResult, error) {
	ctx, span := f.telemetry.StartCrawlSpan(ctx, hostOf(target.URL), state.ConsecutiveFailures)
	result, err := f.fetchOnce(ctx, target, state, requestID)
	statusCode := 0
	if err == nil {
		statusCode = http.StatusOK
	}
	f.telemetry.EndCrawlSpan(span, statusCode, err)
	return result, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, target MonitoringTarget, state *TargetState, requestID string) (FetchResult, error) {
	lease, err := f.limiter.Acquire(ctx, hostOf(target.URL), 1)
	if err != nil {
		return FetchResult{}, err
	}
	defer lease.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return FetchResult{}, errkind.Wrap(errkind.Internal, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return f.handleTransportFailure(ctx, target, state, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return FetchResult{RetryAfter: retryAfter}, errkind.Wrap(errkind.RateLimited, fmt.Errorf("429 from %s", target.URL))
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout {
		// Non-retryable: 4xx except 408/429 quarantines the target.
		return f.quarantine(ctx, target, state, fmt.Errorf("non-retryable status %d from %s", resp.StatusCode, target.URL))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return f.handleTransportFailure(ctx, target, state, fmt.Errorf("retryable status %d from %s", resp.StatusCode, target.URL))
	}

	limited := io.LimitReader(resp.Body, f.maxBody+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return f.handleTransportFailure(ctx, target, state, err)
	}
	if int64(len(raw)) > f.maxBody {
		return FetchResult{}, errkind.Wrap(errkind.Oversize, fmt.Errorf("response from %s exceeds %d bytes", target.URL, f.maxBody))
	}

	state.ConsecutiveFailures = 0
	state.LastFetchAt = time.Now().UTC()

	return FetchResult{Event: IntakeEvent{
		URL:            target.URL,
		FetchedAt:      state.LastFetchAt,
		RawBytes:       raw,
		ContentType:    resp.Header.Get("Content-Type"),
		RequestID:      requestID,
		DocumentType:   target.DocumentType,
		CadenceSeconds: target.CadenceSeconds,
	}}, nil
}

func (f *Fetcher) handleTransportFailure(ctx context.Context, target MonitoringTarget, state *TargetState, cause error) (FetchResult, error) {
	state.ConsecutiveFailures++
	f.log.Warn("crawler fetch failed", "url", target.URL, "consecutive_failures", state.ConsecutiveFailures, "error", cause)
	if state.ConsecutiveFailures >= f.maxFailures {
		return f.quarantine(ctx, target, state, cause)
	}
	return FetchResult{}, errkind.Wrap(errkind.Backpressure, cause)
}

func (f *Fetcher) quarantine(ctx context.Context, target MonitoringTarget, state *TargetState, cause error) (FetchResult, error) {
	state.Quarantined = true
	f.log.Error("crawler target quarantined", "url", target.URL, "consecutive_failures", state.ConsecutiveFailures, "error", cause)
	return FetchResult{Quarantine: true}, errkind.Wrap(errkind.NotFound, cause)
}

// ExtractText normalizes raw fetched bytes into the plain-text form the
// fingerprinting stage consumes, delegating HTML stripping to
// fingerprint.Normalizer. SelectorHints are accepted on MonitoringTarget
// for a future CSS-selector-scoped extraction; today extraction always
// falls back to full visible text.
func ExtractText(raw []byte, contentType string) (string, error) {
	return fingerprint.NewNormalizer(0).Normalize(string(raw))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func hostOf(rawURL string) string {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == '/' && i+1 < len(rawURL) && rawURL[i+1] == '/' {
			rest := rawURL[i+2:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == '/' {
					return rest[:j]
				}
			}
			return rest
		}
	}
	return rawURL
}

// Backoff computes the retry delay for a failed fetch attempt, per
// exponential backoff (base 2, jitter ±25%, max 60 minutes).
func Backoff(attempt int) time.Duration {
	base := 2 * time.Second
	maxDelay := 60 * time.Minute
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	spread := float64(delay) * 0.25
	delta := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(delay) + delta)
	if out < 0 {
		out = 0
	}
	return out
}
