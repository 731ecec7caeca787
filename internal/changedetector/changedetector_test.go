package changedetector

import (
	"testing"

	"fpai/internal/fingerprint"
	"fpai/internal/model"
)

func TestEvaluateNoLatestYieldsInitial(t *testing.T) {
	d := Evaluate(false, fingerprint.Hash256{}, "", fingerprint.Fingerprint("hello"), "hello")
	if d.Kind != Change || d.ChangeKind != model.ChangeKindInitial {
		t.Errorf("Evaluate(no latest) = %+v, want Change/initial", d)
	}
}

func TestEvaluateSameFingerprintYieldsNoChange(t *testing.T) {
	fp := fingerprint.Fingerprint("same text")
	d := Evaluate(true, fp, "same text", fp, "same text")
	if d.Kind != NoChange {
		t.Errorf("Evaluate(same fingerprint) = %+v, want NoChange", d)
	}
}

func TestEvaluateMinorEditIsModified(t *testing.T) {
	old := "Section One:\nWe collect your email.\nSection Two:\nWe do not sell data."
	new := "Section One:\nWe collect your email and phone number.\nSection Two:\nWe do not sell data."

	d := Evaluate(true, fingerprint.Fingerprint(old), old, fingerprint.Fingerprint(new), new)
	if d.Kind != Change {
		t.Fatalf("expected a Change, got %+v", d)
	}
	if d.ChangeKind != model.ChangeKindModified {
		t.Errorf("ChangeKind = %v, want modified", d.ChangeKind)
	}
	if d.RiskDelta != 0 {
		t.Errorf("RiskDelta = %d, want 0 (deferred to Analysis Orchestrator)", d.RiskDelta)
	}
}

func TestEvaluateMajorRewriteIsStructureChanged(t *testing.T) {
	old := "Introduction:\nWe respect your privacy.\nScope:\nThis applies to all users."
	new := "Data Sharing:\nWe share data with partners.\nRetention:\nWe keep data forever.\nThird Parties:\nWe use many vendors.\nArbitration:\nDisputes go to arbitration."

	d := Evaluate(true, fingerprint.Fingerprint(old), old, fingerprint.Fingerprint(new), new)
	if d.ChangeKind != model.ChangeKindStructureChanged {
		t.Errorf("ChangeKind = %v, want structure_changed", d.ChangeKind)
	}
}

func TestEvaluateCapsSignificantChangesAtTen(t *testing.T) {
	var old, new string
	for i := 0; i < 20; i++ {
		old += "Paragraph unchanged line.\n"
	}
	for i := 0; i < 20; i++ {
		new += "Completely different replaced paragraph content goes here for diffing purposes.\n"
	}

	d := Evaluate(true, fingerprint.Fingerprint(old), old, fingerprint.Fingerprint(new), new)
	if len(d.SignificantChanges) > maxSignificantChanges {
		t.Errorf("len(SignificantChanges) = %d, want <= %d", len(d.SignificantChanges), maxSignificantChanges)
	}
}
