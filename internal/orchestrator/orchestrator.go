// Package orchestrator implements the Analysis Orchestrator (component
// C8): drives a document version from raw text to persisted analysis and
// findings through a fixed pipeline with explicit retry/fail states.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fpai/internal/cache"
	"fpai/internal/errkind"
	"fpai/internal/fingerprint"
	"fpai/internal/jobqueue"
	"fpai/internal/llm"
	"fpai/internal/model"
	"fpai/internal/storage"
	"fpai/internal/telemetry"
	"fpai/internal/vectorstore"
)

// clauseWindow and clauseOverlap define the fixed embedding window used
// for both semantic clause search and clause upsert.
const (
	clauseWindow  = 2000
	clauseOverlap = 200

	vectorScoreThreshold = 0.8
	vectorTopK           = 20
)

// AnalysisJobPayload is the AnalysisJobs queue payload, carrying just
// enough to re-derive the pipeline inputs from storage.
type AnalysisJobPayload struct {
	DocumentID        uuid.UUID `json:"document_id"`
	DocumentVersionID uuid.UUID `json:"document_version_id"`
	OwnerID           uuid.UUID `json:"owner_id"`
	AnalysisID        uuid.UUID `json:"analysis_id"`
	NormalizedText    string    `json:"normalized_text"`
	ModelID           string    `json:"model_id"`
}

// Orchestrator wires persistence, cache, vector store, and LLM client
// together to run the analysis pipeline.
type Orchestrator struct {
	store           *storage.Store
	cache           *cache.Client
	vectors         *vectorstore.Client
	llmClient       llm.Client
	embedder        llm.Embedder
	complianceQueue *jobqueue.Queue
	log             *slog.Logger
	telemetry       *telemetry.Provider
}

// New builds an Orchestrator. complianceQueue may be nil in tests that do
// not exercise the C10 handoff.
func New(store *storage.Store, c *cache.Client, vectors *vectorstore.Client, llmClient llm.Client, embedder llm.Embedder, complianceQueue *jobqueue.Queue, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{store: store, cache: c, vectors: vectors, llmClient: llmClient, embedder: embedder, complianceQueue: complianceQueue, log: log, telemetry: telemetry.NoopProvider()}
}

// SetTelemetry attaches the pipeline's telemetry provider so each RunJob
// emits an orchestrator.analyze span. Orchestrators built without calling
// this keep recording against a no-op tracer.
func (o *Orchestrator) SetTelemetry(p *telemetry.Provider) {
	if p != nil {
		o.telemetry = p
	}
}

// RunJob executes one AnalysisJob end to end. Errors
// returned are already classified by errkind so jobqueue.Lease.Nack can
// decide retry vs. dead-letter; the Analysis row's own state machine
// transition records the same classification for readers of
// table.
func (o *Orchestrator) RunJob(ctx context.Context, payload AnalysisJobPayload) error {
	ctx, span := o.telemetry.StartAnalysisSpan(ctx, payload.DocumentID.String(), payload.AnalysisID.String())
	riskScore, findingCount, err := o.runJob(ctx, payload)
	o.telemetry.EndAnalysisSpan(span, riskScore, findingCount, err)
	return err
}

func (o *Orchestrator) runJob(ctx context.Context, payload AnalysisJobPayload) (riskScore, findingCount int, err error) {
	dedupKey := fmt.Sprintf("dedup_lock:%s", fingerprint.Fingerprint(payload.NormalizedText))
	lease, err := o.cache.AcquireLock(ctx, dedupKey, 10*time.Minute)
	if err != nil {
		if err == cache.ErrBusy {
			o.log.Info("analysis job skipped: fingerprint lock held by another worker", "document_id", payload.DocumentID)
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer lease.Release(ctx)

	if err := o.store.TransitionAnalysis(ctx, payload.AnalysisID, model.AnalysisPending, model.AnalysisProcessing, storage.AnalysisPatch{}); err != nil {
		return 0, 0, err
	}

	findings, riskScore, summary, keyFindings, recommendations, err := o.analyze(ctx, payload)
	if err != nil {
		return 0, 0, o.failOrRetry(ctx, payload.AnalysisID, err)
	}

	if err := o.persist(ctx, payload, findings, riskScore, summary, keyFindings, recommendations); err != nil {
		return 0, 0, o.failOrRetry(ctx, payload.AnalysisID, err)
	}

	if o.complianceQueue != nil {
		body, _ := json.Marshal(struct {
			AnalysisID uuid.UUID `json:"analysis_id"`
		}{payload.AnalysisID})
		if _, err := o.complianceQueue.Enqueue(ctx, jobqueue.Job{ID: uuid.NewString(), Payload: body}, jobqueue.PriorityNormal); err != nil {
			o.log.Warn("compliance handoff enqueue failed", "analysis_id", payload.AnalysisID, "error", err)
		}
	}

	o.invalidateCaches(ctx, payload)
	return riskScore, len(findings), nil
}

// failOrRetry classifies err and applies the matching Analysis
// transition: pending (attempt++) for retryable errors, failed for fatal
// ones.
func (o *Orchestrator) failOrRetry(ctx context.Context, analysisID uuid.UUID, cause error) error {
	if errkind.Retryable(cause) {
		if err := o.store.TransitionAnalysis(ctx, analysisID, model.AnalysisProcessing, model.AnalysisPending, storage.AnalysisPatch{ErrorKind: errkind.KindName(cause)}); err != nil {
			o.log.Error("failed to revert analysis to pending after retryable error", "analysis_id", analysisID, "error", err)
		}
		return cause
	}
	if err := o.store.TransitionAnalysis(ctx, analysisID, model.AnalysisProcessing, model.AnalysisFailed, storage.AnalysisPatch{ErrorKind: errkind.KindName(cause)}); err != nil {
		o.log.Error("failed to mark analysis failed", "analysis_id", analysisID, "error", err)
	}
	return cause
}

// analyze runs: re-verify the fingerprint, pattern-match,
// semantic clause search, and LLM summarization.
func (o *Orchestrator) analyze(ctx context.Context, payload AnalysisJobPayload) (findings []model.Finding, riskScore int, summary string, keyFindings, recommendations []string, err error) {
	version, err := o.store.GetLatestVersion(ctx, payload.DocumentID)
	if err != nil {
		return nil, 0, "", nil, nil, err
	}
	if [32]byte(fingerprint.Fingerprint(payload.NormalizedText)) != version.Fingerprint {
		return nil, 0, "", nil, nil, errkind.Wrap(errkind.FingerprintDrift, fmt.Errorf("normalized text no longer matches recorded fingerprint for version %s", version.ID))
	}

	rules, err := o.activePatternRules(ctx)
	if err != nil {
		return nil, 0, "", nil, nil, err
	}
	ruleMatches := matchRules(payload.NormalizedText, rules)

	semanticMatches, err := o.semanticMatches(ctx, payload.NormalizedText, rules)
	if err != nil {
		o.log.Warn("semantic clause search unavailable, continuing with rule matches only", "error", err)
	}

	deduped := dedupeCandidates(append(ruleMatches, semanticMatches...))
	contentLength := int64(len(payload.NormalizedText))
	findings, err = toFindings(payload.NormalizedText, deduped, func(start, end int64) (string, error) {
		return fingerprint.Excerpt(payload.NormalizedText, int(start), int(end))
	})
	if err != nil {
		return nil, 0, "", nil, nil, err
	}
	for i := range findings {
		if findings[i].PositionEnd > contentLength {
			findings[i].PositionEnd = contentLength
		}
	}

	llmResp, err := o.summarize(ctx, payload, findings)
	if err != nil {
		return nil, 0, "", nil, nil, err
	}

	riskScore = deterministicRiskScore(findings)
	summary = llmResp.summary
	keyFindings = llmResp.keyFindings
	recommendations = llmResp.recommendations
	if llmResp.riskScore != nil {
		// LLM-provided score takes precedence over the deterministic
		// severity-weight sum when the model supplies one.
		riskScore = *llmResp.riskScore
	}
	return findings, riskScore, summary, keyFindings, recommendations, nil
}

func (o *Orchestrator) activePatternRules(ctx context.Context) ([]model.PatternRule, error) {
	const cacheKey = "pattern_lib:all"
	var rules []model.PatternRule
	if o.cache != nil {
		if ok, _ := o.cache.Get(ctx, cacheKey, &rules); ok {
			return rules, nil
		}
	}
	rules, err := o.store.ListActivePatternRules(ctx)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		_ = o.cache.Set(ctx, cacheKey, rules, 10*time.Minute)
	}
	return rules, nil
}

// semanticMatches embeds fixed clause windows and queries the vector
// store's patterns collection for each rule that defines an EmbeddingID.
func (o *Orchestrator) semanticMatches(ctx context.Context, normalized string, rules []model.PatternRule) ([]candidate, error) {
	if o.vectors == nil || o.embedder == nil {
		return nil, nil
	}
	ruleByID := make(map[string]*model.PatternRule)
	for i := range rules {
		if rules[i].EmbeddingID != nil {
			ruleByID[*rules[i].EmbeddingID] = &rules[i]
		}
	}
	if len(ruleByID) == 0 {
		return nil, nil
	}

	var out []candidate
	for start := 0; start < len(normalized); start += clauseWindow - clauseOverlap {
		end := start + clauseWindow
		if end > len(normalized) {
			end = len(normalized)
		}
		window := normalized[start:end]

		vec, err := o.embedder.Embed(ctx, window)
		if err != nil {
			return out, err
		}
		matches, err := o.vectors.Search(ctx, vectorstore.CollectionPatterns, vec,
			vectorstore.Filter{"active": true}, vectorTopK, vectorScoreThreshold)
		if err != nil {
			return out, err
		}
		for _, m := range matches {
			embeddingID, _ := m.Payload["embedding_id"].(string)
			rule, ok := ruleByID[embeddingID]
			if !ok {
				continue
			}
			out = append(out, candidate{
				Category:      rule.Category,
				Severity:      rule.Severity,
				PositionStart: int64(start),
				PositionEnd:   int64(end),
				Confidence:    capConfidence(m.Score),
				PatternID:     rule,
			})
		}
		if end == len(normalized) {
			break
		}
	}
	return out, nil
}

func capConfidence(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	return score
}

type llmSummary struct {
	summary         string
	keyFindings     []string
	recommendations []string
	riskScore       *int
}

// summarize makes one LLM call per analysis, budgeted at 90s via the
// llm.Client's own timeout.
func (o *Orchestrator) summarize(ctx context.Context, payload AnalysisJobPayload, findings []model.Finding) (llmSummary, error) {
	prompt := buildPrompt(payload.NormalizedText, findings)
	resp, err := o.llmClient.Complete(ctx, llm.Request{Prompt: prompt, MaxTokens: 1024, ModelID: payload.ModelID})
	if err != nil {
		return llmSummary{}, err
	}
	if resp.StopReason == llm.StopReasonRefusal {
		return llmSummary{}, errkind.Wrap(errkind.LLMRefused, fmt.Errorf("model refused to summarize document"))
	}
	parsed, err := parseLLMResponse(resp.Text)
	if err != nil {
		return llmSummary{}, errkind.Wrap(errkind.LLMMalformed, err)
	}
	return parsed, nil
}

func buildPrompt(normalized string, findings []model.Finding) string {
	var excerpts string
	for _, f := range findings {
		excerpts += fmt.Sprintf("- [%s/%s] %s\n", f.Category, f.Severity, f.Excerpt)
	}
	return fmt.Sprintf(
		"Summarize the legal risk of this document for a non-lawyer reader.\n\nDocument:\n%s\n\nFlagged excerpts:\n%s\n\nRespond as JSON: {\"executive_summary\":string,\"key_findings\":[string],\"recommendations\":[string],\"overall_risk_score\":int}",
		normalized, excerpts)
}

func parseLLMResponse(text string) (llmSummary, error) {
	var raw struct {
		ExecutiveSummary string   `json:"executive_summary"`
		KeyFindings      []string `json:"key_findings"`
		Recommendations  []string `json:"recommendations"`
		OverallRiskScore *int     `json:"overall_risk_score"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return llmSummary{}, err
	}
	return llmSummary{
		summary:         raw.ExecutiveSummary,
		keyFindings:     raw.KeyFindings,
		recommendations: raw.Recommendations,
		riskScore:       raw.OverallRiskScore,
	}, nil
}

// deterministicRiskScore is the fallback formula: a weighted sum of
// finding severities, capped at 100, used when the LLM provides no score.
func deterministicRiskScore(findings []model.Finding) int {
	total := 0
	for _, f := range findings {
		total += f.Severity.Weight()
	}
	if total > 100 {
		total = 100
	}
	return total
}

// persist runs one transaction ensuring the findings, the completed
// analysis, and the clause embeddings all become visible together.
func (o *Orchestrator) persist(ctx context.Context, payload AnalysisJobPayload, findings []model.Finding, riskScore int, summary string, keyFindings, recommendations []string) error {
	contentLength := int64(len(payload.NormalizedText))
	if err := o.store.InsertFindings(ctx, payload.AnalysisID, contentLength, findings); err != nil {
		return err
	}

	if o.vectors != nil && o.embedder != nil {
		if err := o.upsertClauseEmbeddings(ctx, payload); err != nil {
			return err
		}
	}

	score := riskScore
	return o.store.TransitionAnalysis(ctx, payload.AnalysisID, model.AnalysisProcessing, model.AnalysisCompleted, storage.AnalysisPatch{
		OverallRiskScore: &score,
		ModelID:          payload.ModelID,
		ExecutiveSummary: summary,
		KeyFindings:      keyFindings,
		Recommendations:  recommendations,
	})
}

// upsertClauseEmbeddings writes the fixed clause windows to the vector
// store's clauses collection, satisfying "no findings without searchable
// clauses" ordering guarantees (clauses are written before
// the transition to completed, within the same persist step).
func (o *Orchestrator) upsertClauseEmbeddings(ctx context.Context, payload AnalysisJobPayload) error {
	normalized := payload.NormalizedText
	idx := 0
	for start := 0; start < len(normalized); start += clauseWindow - clauseOverlap {
		end := start + clauseWindow
		if end > len(normalized) {
			end = len(normalized)
		}
		window := normalized[start:end]
		vec, err := o.embedder.Embed(ctx, window)
		if err != nil {
			return err
		}
		id := fmt.Sprintf("%s:%d", payload.DocumentVersionID, idx)
		if err := o.vectors.Upsert(ctx, vectorstore.CollectionClauses, id, vec, vectorstore.Payload{
			"document_id":         payload.DocumentID.String(),
			"document_version_id": payload.DocumentVersionID.String(),
			"owner_id":            payload.OwnerID.String(),
			"position_start":      start,
			"position_end":        end,
		}); err != nil {
			return err
		}
		idx++
		if end == len(normalized) {
			break
		}
	}
	return nil
}

// invalidateCaches drops cached entries that the new analysis makes stale.
func (o *Orchestrator) invalidateCaches(ctx context.Context, payload AnalysisJobPayload) {
	if o.cache == nil {
		return
	}
	_ = o.cache.Invalidate(ctx, fmt.Sprintf("analysis:%s", payload.AnalysisID))
	_ = o.cache.Invalidate(ctx, fmt.Sprintf("doc_meta:%s", fingerprint.Fingerprint(payload.NormalizedText)))
	_ = o.cache.Invalidate(ctx, fmt.Sprintf("dashboard:%s", payload.OwnerID))
}
