// Package changedetector implements the Change Detector (component C9):
// decides whether a freshly fetched document constitutes a change worth
// analyzing, and produces the diff summary persisted on the resulting
// DocumentVersion. Paragraph-level diffing uses the Myers/Ratcliff-Obershelp
// sequence matcher from github.com/pmezard/go-difflib, an ecosystem diff
// library already present in the retrieval pack's dependency graph, rather
// than a hand-rolled LCS implementation.
package changedetector

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"

	"fpai/internal/fingerprint"
	"fpai/internal/model"
)

// DecisionKind discriminates the two outcomes of Evaluate.
type DecisionKind int

const (
	NoChange DecisionKind = iota
	Change
)

// Decision is the result of evaluating a newly fetched fingerprint
// against the latest stored DocumentVersion.
type Decision struct {
	Kind               DecisionKind
	ChangeKind         model.ChangeKind
	Summary            string
	SignificantChanges []string
	RiskDelta          int64 // always 0; the Analysis Orchestrator computes the real delta on completion
}

const maxSignificantChanges = 10
const significantChangeExcerptLen = 140

// Evaluate compares newFingerprint/newNormalized against the latest
// stored version's fingerprint and text. latestFingerprint and
// latestNormalized should come from a cache-then-DB lookup step
// 1; pass hasLatest=false when no version exists yet (first intake),
// which always yields a Change with kind=initial and ignores the latest
// arguments.
func Evaluate(hasLatest bool, latestFingerprint fingerprint.Hash256, latestNormalized string, newFingerprint fingerprint.Hash256, newNormalized string) Decision {
	if !hasLatest {
		return Decision{
			Kind:       Change,
			ChangeKind: model.ChangeKindInitial,
			Summary:    "initial version",
		}
	}

	if latestFingerprint == newFingerprint {
		return Decision{Kind: NoChange}
	}

	oldParas := splitParagraphs(latestNormalized)
	newParas := splitParagraphs(newNormalized)

	matcher := difflib.NewMatcher(oldParas, newParas)
	opcodes := matcher.GetOpCodes()

	var added, removed, modified int
	var significant []string

	for _, op := range opcodes {
		switch op.Tag {
		case 'i':
			added += op.J2 - op.J1
			for _, p := range newParas[op.J1:op.J2] {
				significant = append(significant, excerptOf(p))
			}
		case 'd':
			removed += op.I2 - op.I1
			for _, p := range oldParas[op.I1:op.I2] {
				significant = append(significant, excerptOf(p))
			}
		case 'r':
			n := op.I2 - op.I1
			if m := op.J2 - op.J1; m > n {
				n = m
			}
			modified += n
			for _, p := range newParas[op.J1:op.J2] {
				significant = append(significant, excerptOf(p))
			}
		}
	}

	changedParas := added + removed + modified
	totalParas := len(oldParas)
	if len(newParas) > totalParas {
		totalParas = len(newParas)
	}
	if totalParas == 0 {
		totalParas = 1
	}

	kind := model.ChangeKindModified
	changedRatio := float64(changedParas) / float64(totalParas)
	oldSections := countSections(oldParas)
	newSections := countSections(newParas)
	sectionDelta := sectionDeltaRatio(oldSections, newSections)
	if changedRatio > 0.5 || sectionDelta > 0.2 {
		kind = model.ChangeKindStructureChanged
	}

	significant = topBySize(significant, maxSignificantChanges)

	return Decision{
		Kind:               Change,
		ChangeKind:         kind,
		Summary:            summarize(added, removed, modified),
		SignificantChanges: significant,
		RiskDelta:          0,
	}
}

func splitParagraphs(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// countSections applies heuristic: a line is a section heading if
// it ends with ':' or is a short all-caps line.
func countSections(paras []string) int {
	count := 0
	for _, p := range paras {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(trimmed, ":") {
			count++
			continue
		}
		if len(trimmed) <= 60 && isAllCaps(trimmed) {
			count++
		}
	}
	return count
}

func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func sectionDeltaRatio(oldCount, newCount int) float64 {
	base := oldCount
	if base == 0 {
		base = 1
	}
	delta := newCount - oldCount
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) / float64(base)
}

func excerptOf(paragraph string) string {
	trimmed := strings.TrimSpace(paragraph)
	r := []rune(trimmed)
	if len(r) <= significantChangeExcerptLen {
		return trimmed
	}
	return string(r[:significantChangeExcerptLen])
}

type rankedExcerpt struct {
	text string
	idx  int
}

// topBySize keeps the n longest excerpts, preserving their original
// relative order among the kept set ( "top 10 by size").
func topBySize(excerpts []string, n int) []string {
	if len(excerpts) <= n {
		return excerpts
	}
	ranked := make([]rankedExcerpt, len(excerpts))
	for i, e := range excerpts {
		ranked[i] = rankedExcerpt{text: e, idx: i}
	}
	sort.Slice(ranked, func(i, j int) bool { return len(ranked[i].text) > len(ranked[j].text) })
	kept := ranked[:n]
	sort.Slice(kept, func(i, j int) bool { return kept[i].idx < kept[j].idx })

	out := make([]string, len(kept))
	for i, k := range kept {
		out[i] = k.text
	}
	return out
}

func summarize(added, removed, modified int) string {
	var parts []string
	if added > 0 {
		parts = append(parts, pluralize(added, "paragraph added", "paragraphs added"))
	}
	if removed > 0 {
		parts = append(parts, pluralize(removed, "paragraph removed", "paragraphs removed"))
	}
	if modified > 0 {
		parts = append(parts, pluralize(modified, "paragraph modified", "paragraphs modified"))
	}
	if len(parts) == 0 {
		return "no paragraph-level changes detected"
	}
	return strings.Join(parts, ", ")
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}
