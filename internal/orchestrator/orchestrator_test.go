package orchestrator

import (
	"testing"

	"fpai/internal/model"
)

func TestDeterministicRiskScoreSumsSeverityWeights(t *testing.T) {
	findings := []model.Finding{
		{Severity: model.SeverityLow},
		{Severity: model.SeverityHigh},
		{Severity: model.SeverityCritical},
	}
	got := deterministicRiskScore(findings)
	want := model.SeverityLow.Weight() + model.SeverityHigh.Weight() + model.SeverityCritical.Weight()
	if got != want {
		t.Errorf("deterministicRiskScore() = %d, want %d", got, want)
	}
}

func TestDeterministicRiskScoreCapsAtOneHundred(t *testing.T) {
	var findings []model.Finding
	for i := 0; i < 10; i++ {
		findings = append(findings, model.Finding{Severity: model.SeverityCritical})
	}
	if got := deterministicRiskScore(findings); got != 100 {
		t.Errorf("deterministicRiskScore() = %d, want 100", got)
	}
}

func TestParseLLMResponseExtractsFields(t *testing.T) {
	text := `{"executive_summary":"risky contract","key_findings":["forced arbitration"],"recommendations":["negotiate"],"overall_risk_score":72}`
	got, err := parseLLMResponse(text)
	if err != nil {
		t.Fatalf("parseLLMResponse: %v", err)
	}
	if got.summary != "risky contract" {
		t.Errorf("summary = %q", got.summary)
	}
	if len(got.keyFindings) != 1 || got.keyFindings[0] != "forced arbitration" {
		t.Errorf("keyFindings = %v", got.keyFindings)
	}
	if got.riskScore == nil || *got.riskScore != 72 {
		t.Errorf("riskScore = %v", got.riskScore)
	}
}

func TestParseLLMResponseRejectsMalformedJSON(t *testing.T) {
	if _, err := parseLLMResponse("not json"); err == nil {
		t.Error("expected error for malformed LLM response")
	}
}

func TestCapConfidenceClampsAboveOne(t *testing.T) {
	if got := capConfidence(1.4); got != 1.0 {
		t.Errorf("capConfidence(1.4) = %v, want 1.0", got)
	}
	if got := capConfidence(0.5); got != 0.5 {
		t.Errorf("capConfidence(0.5) = %v, want 0.5", got)
	}
}

func TestDedupeCandidatesPrefersHigherSeverityOnOverlap(t *testing.T) {
	low := candidate{Severity: model.SeverityLow, PositionStart: 0, PositionEnd: 10}
	high := candidate{Severity: model.SeverityHigh, PositionStart: 5, PositionEnd: 15}

	got := dedupeCandidates([]candidate{low, high})
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Severity != model.SeverityHigh {
		t.Errorf("kept severity = %v, want high", got[0].Severity)
	}
}
