package orchestrator

import (
	"regexp"
	"strings"

	"fpai/internal/model"
)

// candidate is a pre-dedup match produced by either rule-based keyword or
// regex scanning, or by semantic clause search.
type candidate struct {
	Category      string
	Severity      model.Severity
	PositionStart int64
	PositionEnd   int64
	Confidence    float64
	PatternID     *model.PatternRule
}

// matchRules scans normalized text against every active PatternRule's
// keywords and regex, producing candidate findings.
func matchRules(normalized string, rules []model.PatternRule) []candidate {
	lower := strings.ToLower(normalized)
	var out []candidate

	for i := range rules {
		r := &rules[i]
		if !r.Active {
			continue
		}
		for _, kw := range r.Keywords {
			needle := strings.ToLower(kw)
			start := 0
			for {
				idx := strings.Index(lower[start:], needle)
				if idx < 0 {
					break
				}
				pos := start + idx
				out = append(out, candidate{
					Category:      r.Category,
					Severity:      r.Severity,
					PositionStart: int64(pos),
					PositionEnd:   int64(pos + len(kw)),
					Confidence:    0.6,
					PatternID:     r,
				})
				start = pos + len(kw)
				if start >= len(lower) {
					break
				}
			}
		}
		if r.Regex != nil && *r.Regex != "" {
			re, err := regexp.Compile(*r.Regex)
			if err != nil {
				continue // an unparseable rule regex produces no matches rather than failing the whole analysis
			}
			for _, loc := range re.FindAllStringIndex(normalized, -1) {
				out = append(out, candidate{
					Category:      r.Category,
					Severity:      r.Severity,
					PositionStart: int64(loc[0]),
					PositionEnd:   int64(loc[1]),
					Confidence:    0.8,
					PatternID:     r,
				})
			}
		}
	}
	return out
}

// overlaps reports whether two candidate spans share any character.
func overlaps(a, b candidate) bool {
	return a.PositionStart < b.PositionEnd && b.PositionStart < a.PositionEnd
}

// dedupeCandidates implements "deduplicate overlapping matches by
// keeping the highest severity; tie-break by longest span; tie-break by
// lowest position_start" policy. The orchestrator applies it once, to the
// rule+semantic merged set (step 4).
func dedupeCandidates(candidates []candidate) []candidate {
	if len(candidates) == 0 {
		return nil
	}

	better := func(a, b candidate) bool {
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		aSpan := a.PositionEnd - a.PositionStart
		bSpan := b.PositionEnd - b.PositionStart
		if aSpan != bSpan {
			return aSpan > bSpan
		}
		return a.PositionStart < b.PositionStart
	}

	kept := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		absorbed := false
		for i, k := range kept {
			if !overlaps(c, k) {
				continue
			}
			absorbed = true
			merged := c.Confidence
			if k.Confidence > merged {
				merged = k.Confidence
			}
			if better(c, k) {
				kept[i] = c
			}
			kept[i].Confidence = merged
			break
		}
		if !absorbed {
			kept = append(kept, c)
		}
	}
	return kept
}

// toFindings converts deduplicated candidates into persistable Findings,
// bounding excerpts to 500 characters/.
func toFindings(normalized string, candidates []candidate, excerptFn func(start, end int64) (string, error)) ([]model.Finding, error) {
	findings := make([]model.Finding, 0, len(candidates))
	for _, c := range candidates {
		excerpt, err := excerptFn(c.PositionStart, c.PositionEnd)
		if err != nil {
			return nil, err
		}
		f := model.Finding{
			Category:      c.Category,
			Severity:      c.Severity,
			Confidence:    c.Confidence,
			PositionStart: c.PositionStart,
			PositionEnd:   c.PositionEnd,
			Excerpt:       excerpt,
		}
		if c.PatternID != nil {
			id := c.PatternID.ID
			f.PatternID = &id
			f.Title = c.PatternID.Name
			f.Description = c.PatternID.Description
			f.Recommendation = c.PatternID.LegalBasis
		}
		findings = append(findings, f)
	}
	return findings, nil
}
