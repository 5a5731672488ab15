// Package evaluation scores a completed attempt against the case's ground
// truth.
package evaluation

import (
	"strings"
	"unicode"

	"github.com/abhisek/medsim/internal/casedef"
)

// Component weights of the composite score. They sum to 1.
const (
	DiagnosisWeight   = 0.6
	CoverageWeight    = 0.3
	EfficiencyWeight  = 0.1
	partialMatchScore = 0.5

	// partialOverlap is the share of the combined key words two diagnoses
	// must have in common for partial credit.
	partialOverlap = 0.5
	minKeywordLen  = 3
)

var stopWords = map[string]bool{
	"and": true, "the": true, "with": true, "due": true, "from": true, "for": true, "secondary": true,
}

// Result is the breakdown behind a score.
type Result struct {
	Score float64 `json:"score"`

	// Diagnosis is 1 for an exact match against the diagnosis or one of its
	// aliases, 0.5 when at least half of their combined key words are
	// shared, 0 otherwise.
	Diagnosis float64 `json:"diagnosis"`

	EssentialOrdered []string `json:"essentialOrdered"`
	EssentialMissed  []string `json:"essentialMissed"`
	Unnecessary      []string `json:"unnecessary"`
}

// Score computes the composite score for an attempt that ordered the given
// tests and submitted finalDiagnosis.
func Score(c *casedef.Case, orderedTests []string, finalDiagnosis string) Result {
	r := Result{Diagnosis: DiagnosisMatch(c, finalDiagnosis)}

	ordered := make(map[string]bool, len(orderedTests))
	for _, name := range orderedTests {
		ordered[name] = true
	}

	essential := 0
	for _, it := range c.OrderableItems {
		if !it.Essential {
			continue
		}
		essential++
		if ordered[it.TestName] {
			r.EssentialOrdered = append(r.EssentialOrdered, it.TestName)
		} else {
			r.EssentialMissed = append(r.EssentialMissed, it.TestName)
		}
	}
	for _, name := range orderedTests {
		if it, ok := c.Item(name); !ok || !it.Essential {
			r.Unnecessary = append(r.Unnecessary, name)
		}
	}

	coverage := 1.0
	if essential > 0 {
		coverage = float64(len(r.EssentialOrdered)) / float64(essential)
	}
	efficiency := 1.0
	if len(orderedTests) > 0 {
		efficiency = 1.0 - float64(len(r.Unnecessary))/float64(len(orderedTests))
	}

	score := DiagnosisWeight*r.Diagnosis + CoverageWeight*coverage + EfficiencyWeight*efficiency
	r.Score = clamp(score, 0, 1)
	return r
}

// DiagnosisMatch compares a submitted diagnosis to the case's ground truth,
// ignoring case, punctuation and spacing.
func DiagnosisMatch(c *casedef.Case, submitted string) float64 {
	got := normalize(submitted)
	if got == "" {
		return 0
	}
	best := 0.0
	for _, want := range append([]string{c.Diagnosis}, c.DiagnosisAliases...) {
		w := normalize(want)
		switch {
		case w == "":
			continue
		case w == got:
			return 1
		case overlap(keywords(got), keywords(w)) >= partialOverlap:
			best = partialMatchScore
		}
	}
	return best
}

func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// keywords returns the distinct words of a normalized diagnosis that carry
// meaning: short words and stop words are dropped.
func keywords(normalized string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(normalized) {
		if len(w) < minKeywordLen || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// overlap is the number of shared words over the size of the union.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
