// Package intake implements the Intake pipeline stage: turns a fetched
// crawler.IntakeEvent into a normalized, fingerprinted DocumentVersion,
// runs it through the Change Detector, and enqueues an analysis job when
// the content is new or changed. This is the "Intake processors: 16"
// worker pool, distinct from the Crawler's fetch pool.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fpai/internal/cache"
	"fpai/internal/changedetector"
	"fpai/internal/crawler"
	"fpai/internal/errkind"
	"fpai/internal/fingerprint"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/orchestrator"
	"fpai/internal/storage"
)

// docTextTTL bounds how long the previous version's normalized text stays
// available for diffing. The relational schema never stores raw or
// normalized text (only fingerprints and bounded excerpts), so the text
// needed to produce a diff summary lives here, transiently.
const docTextTTL = 72 * time.Hour

func docTextKey(documentID uuid.UUID) string { return "doc_text:" + documentID.String() }

// defaultCadenceSeconds is used when a document somehow has no monitoring
// interval recorded (should only happen for documents created outside the
// crawler-sourced path): a conservative once-a-day recheck rather than
// hammering the origin.
const defaultCadenceSeconds = 24 * 60 * 60

// Processor turns IntakeEvents into DocumentVersions and analysis jobs.
type Processor struct {
	store      *storage.Store
	cache      *cache.Client
	analysis   *jobqueue.Queue
	normalizer *fingerprint.Normalizer
	modelID    string
	log        *slog.Logger
}

// Config tunes a Processor.
type Config struct {
	MaxNormalizedBytes int
	ModelID            string
}

// New builds a Processor. analysisQueue is the queue AnalysisJobPayloads
// are enqueued onto for the Analysis Orchestrator to pick up.
func New(store *storage.Store, c *cache.Client, analysisQueue *jobqueue.Queue, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:      store,
		cache:      c,
		analysis:   analysisQueue,
		normalizer: fingerprint.NewNormalizer(cfg.MaxNormalizedBytes),
		modelID:    cfg.ModelID,
		log:        log,
	}
}

// Handle processes one fetched document: normalize, fingerprint, resolve
// the document it belongs to, run change detection, and on a real change
// append a version and enqueue an analysis job. A no_change verdict only
// advances the document's monitoring timestamps.
func (p *Processor) Handle(ctx context.Context, event crawler.IntakeEvent) error {
	normalized, err := p.normalizer.Normalize(string(event.RawBytes))
	if err != nil {
		return err
	}
	newFingerprint := fingerprint.Fingerprint(normalized)

	doc, hasExisting, err := p.resolveDocument(ctx, event, normalized, newFingerprint)
	if err != nil {
		return err
	}

	hasLatest := false
	var latestFingerprint fingerprint.Hash256
	var latestNormalized string
	if hasExisting {
		latest, err := p.store.GetLatestVersion(ctx, doc.ID)
		switch {
		case err == nil:
			hasLatest = true
			latestFingerprint = latest.Fingerprint
			var cached string
			if ok, cerr := p.cache.Get(ctx, docTextKey(doc.ID), &cached); cerr != nil {
				p.log.Warn("doc_text cache lookup failed, diffing against empty text", "document_id", doc.ID, "error", cerr)
			} else if ok {
				latestNormalized = cached
			}
		case errkind.Is(err, errkind.NotFound):
			hasLatest = false
		default:
			return err
		}
	}

	decision := changedetector.Evaluate(hasLatest, latestFingerprint, latestNormalized, newFingerprint, normalized)

	interval := doc.MonitorIntervalSeconds
	if interval <= 0 {
		interval = defaultCadenceSeconds
	}
	now := time.Now().UTC()
	nextMonitor := now.Add(time.Duration(interval) * time.Second)

	if decision.Kind == changedetector.NoChange {
		if err := p.store.UpdateMonitoringState(ctx, doc.ID, now, nextMonitor); err != nil {
			return err
		}
		return nil
	}

	version, err := p.store.AppendVersion(ctx, doc.ID, [32]byte(newFingerprint), decision.ChangeKind, decision.Summary, decision.SignificantChanges, decision.RiskDelta)
	if err != nil {
		return err
	}

	if err := p.cache.Set(ctx, docTextKey(doc.ID), normalized, docTextTTL); err != nil {
		p.log.Warn("failed to cache normalized text for future diffing", "document_id", doc.ID, "error", err)
	}

	if err := p.store.UpdateMonitoringState(ctx, doc.ID, now, nextMonitor); err != nil {
		return err
	}

	analysis, err := p.store.CreateAnalysis(ctx, doc.ID, version.ID, doc.OwnerID)
	if err != nil {
		return err
	}

	return p.enqueueAnalysis(ctx, analysis, doc, version, normalized)
}

// resolveDocument maps an IntakeEvent to the Document it belongs to.
// Crawler-sourced events re-fetch a known URL on a cadence, so identity is
// keyed on (owner, source_url) rather than UpsertDocument's
// (owner, fingerprint) dedup key, which only recognizes an exact
// byte-identical resubmission and would otherwise mint a second Document
// every time the content actually changes.
func (p *Processor) resolveDocument(ctx context.Context, event crawler.IntakeEvent, normalized string, fp fingerprint.Hash256) (model.Document, bool, error) {
	existing, err := p.store.GetDocumentByOwnerSourceURL(ctx, model.SystemOwnerID, event.URL)
	if err == nil {
		return existing, true, nil
	}
	if !errkind.Is(err, errkind.NotFound) {
		return model.Document{}, false, err
	}

	doc, _, err := p.store.UpsertDocument(ctx, model.SystemOwnerID, event.URL, event.DocumentType, [32]byte(fp), int64(len(normalized)), "en", &event.URL)
	if err != nil {
		return model.Document{}, false, err
	}

	cadence := event.CadenceSeconds
	if cadence <= 0 {
		cadence = defaultCadenceSeconds
	}
	if err := p.store.EnableMonitoring(ctx, doc.ID, cadence); err != nil {
		return model.Document{}, false, err
	}
	doc.MonitoringEnabled = true
	doc.MonitorIntervalSeconds = cadence

	return doc, false, nil
}

func (p *Processor) enqueueAnalysis(ctx context.Context, analysis model.Analysis, doc model.Document, version model.DocumentVersion, normalized string) error {
	payload := orchestrator.AnalysisJobPayload{
		DocumentID:        doc.ID,
		DocumentVersionID: version.ID,
		OwnerID:           doc.OwnerID,
		AnalysisID:        analysis.ID,
		NormalizedText:    normalized,
		ModelID:           p.modelID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("marshal analysis payload: %w", err))
	}

	job := jobqueue.Job{ID: analysis.ID.String(), DedupKey: analysis.ID.String(), Payload: raw}
	// Enqueue returns (false, nil) only when the dedup key (the analysis
	// id) is already queued or running, so there is nothing more to do.
	if _, err := p.analysis.Enqueue(ctx, job, jobqueue.PriorityNormal); err != nil {
		return err
	}
	return nil
}
