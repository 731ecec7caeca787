// Package compliance implements the Compliance Engine (component C10):
// after each completed analysis, evaluates jurisdiction-specific rule
// aggregates, opens ComplianceAlerts, and maintains rolling trend
// counters. The rule/evaluation shape is a named set of threshold-bearing
// rules producing typed Violations, evaluated per document against
// category coverage and severity floors rather than byte or token budgets.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fpai/internal/cache"
	"fpai/internal/errkind"
	"fpai/internal/jobqueue"
	"fpai/internal/model"
	"fpai/internal/storage"
	"fpai/internal/telemetry"
)

// Violation is one rule breach surfaced by Evaluate.
type Violation struct {
	PatternID *uuid.UUID
	Severity  model.Severity
	Reason    string
}

// Result is the outcome of evaluating one completed Analysis against one
// JurisdictionRule.
type Result struct {
	MissingCoverage []string
	Violations      []Violation
}

// Engine evaluates JurisdictionRules and maintains rolling trend
// counters.
type Engine struct {
	store     *storage.Store
	cache     *cache.Client
	telemetry *telemetry.Provider
}

// New builds a Compliance Engine over the given persistence and cache.
func New(store *storage.Store, c *cache.Client) *Engine {
	return &Engine{store: store, cache: c, telemetry: telemetry.NoopProvider()}
}

// SetTelemetry attaches the pipeline's telemetry provider so each opened
// ComplianceAlert is recorded as a span event. Engines built without
// calling this keep recording against a no-op tracer.
func (e *Engine) SetTelemetry(p *telemetry.Provider) {
	if p != nil {
		e.telemetry = p
	}
}

// Evaluate computes missing_coverage and violations for one Analysis's
// findings against rule algorithm.
func Evaluate(rule model.JurisdictionRule, findings []model.Finding) Result {
	present := make(map[string]bool, len(findings))
	for _, f := range findings {
		present[f.Category] = true
	}

	var missing []string
	for _, required := range rule.RequiredCategoryCoverage {
		if !present[required] {
			missing = append(missing, required)
		}
	}

	forbidden := make(map[uuid.UUID]bool, len(rule.ForbiddenPatterns))
	for _, id := range rule.ForbiddenPatterns {
		forbidden[id] = true
	}

	var violations []Violation
	for _, f := range findings {
		isForbidden := f.PatternID != nil && forbidden[*f.PatternID]
		meetsFloor := f.Severity.Rank() >= rule.SeverityFloor.Rank()
		if isForbidden || meetsFloor {
			reason := "severity at or above floor"
			if isForbidden {
				reason = "matched a forbidden pattern"
			}
			violations = append(violations, Violation{PatternID: f.PatternID, Severity: f.Severity, Reason: reason})
		}
	}

	return Result{MissingCoverage: missing, Violations: violations}
}

// HandleJob is the Handler for the Compliance queue: decode the
// (analysis_id) payload the Orchestrator enqueues, load what
// ProcessAnalysis needs, and run it. Pass this to workerpool.New.
func (e *Engine) HandleJob(ctx context.Context, job jobqueue.Job) error {
	var payload struct {
		AnalysisID uuid.UUID `json:"analysis_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	analysis, err := e.store.GetAnalysis(ctx, payload.AnalysisID)
	if err != nil {
		return err
	}
	document, err := e.store.GetDocument(ctx, analysis.DocumentID)
	if err != nil {
		return err
	}
	findings, err := e.store.GetFindings(ctx, analysis.ID)
	if err != nil {
		return err
	}

	return e.ProcessAnalysis(ctx, analysis, document, findings)
}

// ProcessAnalysis runs the full pipeline for one completed
// Analysis against every configured JurisdictionRule: evaluate, open
// deduplicated alerts, and update rolling trend counters. Idempotent via
// the (analysis_id, rule_id) once-only marker, so reprocessing the same
// analysis never double-counts.
func (e *Engine) ProcessAnalysis(ctx context.Context, analysis model.Analysis, document model.Document, findings []model.Finding) error {
	rules, err := e.store.ListJurisdictionRules(ctx)
	if err != nil {
		return err
	}

	processedAny := false
	for _, rule := range rules {
		firstTime, err := e.store.MarkComplianceProcessed(ctx, analysis.ID, rule.ID)
		if err != nil {
			return err
		}
		if !firstTime {
			continue
		}
		processedAny = true

		result := Evaluate(rule, findings)
		if err := e.openAlerts(ctx, document.ID, rule, result); err != nil {
			return err
		}
		if err := e.recordViolationTrend(ctx, document, rule, result); err != nil {
			return err
		}
	}

	if processedAny {
		if err := e.recordAnalysisTrend(ctx, document, analysis, findings); err != nil {
			return err
		}
	}
	return nil
}

// openAlerts opens a ComplianceAlert per distinct (pattern_id, severity)
// violation not already open within rule.Window.
func (e *Engine) openAlerts(ctx context.Context, documentID uuid.UUID, rule model.JurisdictionRule, result Result) error {
	seen := make(map[string]bool)
	for _, v := range result.Violations {
		key := violationKey(v.PatternID, v.Severity)
		if seen[key] {
			continue
		}
		seen[key] = true

		open, err := e.store.HasOpenAlert(ctx, documentID, v.PatternID, v.Severity, rule.Window)
		if err != nil {
			return err
		}
		if open {
			continue
		}

		evidence := map[string]any{"jurisdiction": rule.Jurisdiction, "reason": v.Reason}
		if len(result.MissingCoverage) > 0 {
			evidence["missing_coverage"] = result.MissingCoverage
		}
		_, err = e.store.OpenComplianceAlert(ctx, model.ComplianceAlert{
			DocumentID: documentID,
			PatternID:  v.PatternID,
			Severity:   v.Severity,
			Evidence:   evidence,
		})
		if err != nil {
			return err
		}
		ruleID := ""
		if v.PatternID != nil {
			ruleID = v.PatternID.String()
		}
		e.telemetry.RecordComplianceAlertOpened(ctx, documentID.String(), ruleID, string(v.Severity))
	}
	return nil
}

func violationKey(patternID *uuid.UUID, severity model.Severity) string {
	id := "none"
	if patternID != nil {
		id = patternID.String()
	}
	return id + ":" + string(severity)
}

// trendWindows are the rolling aggregation windows.
var trendWindows = []time.Duration{24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour}

// recordAnalysisTrend updates total_analyses, findings_by_severity, and the
// risk_score_sum/risk_score_count pair an average is derived from, for each
// rolling window, bucketed by document_type. Runs once per Analysis
// regardless of how many rules were evaluated against it, since these
// counters describe the analysis, not any one rule.
func (e *Engine) recordAnalysisTrend(ctx context.Context, document model.Document, analysis model.Analysis, findings []model.Finding) error {
	if e.cache == nil {
		return nil
	}
	bySeverity := make(map[model.Severity]int64, len(findings))
	for _, f := range findings {
		bySeverity[f.Severity]++
	}

	now := time.Now().UTC()
	for _, window := range trendWindows {
		bucketStart := now.Truncate(window)
		base := fmt.Sprintf("trend:%s:%s:%s", document.Type, bucketKey(window), bucketStart.Format(time.RFC3339))

		if _, err := e.cache.Incr(ctx, base+":total_analyses", window); err != nil {
			return err
		}
		for severity, count := range bySeverity {
			key := base + ":findings_by_severity:" + string(severity)
			if _, err := e.cache.IncrBy(ctx, key, count, window); err != nil {
				return err
			}
		}
		if analysis.OverallRiskScore != nil {
			// risk_score_sum accumulates the actual score alongside
			// risk_score_count so a reader can divide to get avg_risk_score.
			if _, err := e.cache.IncrBy(ctx, base+":risk_score_sum", int64(*analysis.OverallRiskScore), window); err != nil {
				return err
			}
			if _, err := e.cache.Incr(ctx, base+":risk_score_count", window); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordViolationTrend updates the violations counter for each rolling
// window, scoped per jurisdiction since which rules flag a violation
// depends on the jurisdiction being evaluated.
func (e *Engine) recordViolationTrend(ctx context.Context, document model.Document, rule model.JurisdictionRule, result Result) error {
	if e.cache == nil || len(result.Violations) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, window := range trendWindows {
		bucketStart := now.Truncate(window)
		base := fmt.Sprintf("trend:%s:%s:%s:%s", document.Type, rule.Jurisdiction, bucketKey(window), bucketStart.Format(time.RFC3339))
		if _, err := e.cache.IncrBy(ctx, base+":violations", int64(len(result.Violations)), window); err != nil {
			return err
		}
	}
	return nil
}

func bucketKey(window time.Duration) string {
	switch window {
	case 24 * time.Hour:
		return "1d"
	case 7 * 24 * time.Hour:
		return "7d"
	case 30 * 24 * time.Hour:
		return "30d"
	default:
		return window.String()
	}
}
