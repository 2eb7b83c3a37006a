// Package triage provides deterministic local logic for ranking violations,
// choosing notification priority, and scoring confidence. No LLM calls are
// made here.
package triage

import (
	"github.com/dshills/carecall/internal/schema"
)

// SeverityOrdinal returns the numeric ordinal for a severity, used to compare
// urgency. low=0, medium=1, high=2; anything else is -1.
func SeverityOrdinal(s schema.Severity) int {
	switch s {
	case schema.SeverityLow:
		return 0
	case schema.SeverityMedium:
		return 1
	case schema.SeverityHigh:
		return 2
	default:
		return -1
	}
}

// CountSeverities aggregates severity counts across the violations of a.
func CountSeverities(a schema.Analysis) (high, medium, low int) {
	for _, v := range a.Violations {
		switch v.Severity {
		case schema.SeverityHigh:
			high++
		case schema.SeverityMedium:
			medium++
		case schema.SeverityLow:
			low++
		}
	}
	return
}

// Highest returns the most urgent severity among the violations of a, or ""
// when there are none.
func Highest(a schema.Analysis) schema.Severity {
	var best schema.Severity
	for _, v := range a.Violations {
		if SeverityOrdinal(v.Severity) > SeverityOrdinal(best) {
			best = v.Severity
		}
	}
	return best
}

// EmailPriority applies the notification rule: any high-severity violation
// makes the email high priority, otherwise it is normal.
func EmailPriority(a schema.Analysis) schema.Priority {
	if high, _, _ := CountSeverities(a); high > 0 {
		return schema.PriorityHigh
	}
	return schema.PriorityNormal
}

// PrimaryViolationType returns the violation type of the most severe
// violation (first wins on ties), or fallback when there are none.
func PrimaryViolationType(a schema.Analysis, fallback string) string {
	best := -1
	out := fallback
	for _, v := range a.Violations {
		if o := SeverityOrdinal(v.Severity); o > best && v.ViolationType != "" {
			best = o
			out = v.ViolationType
		}
	}
	return out
}

// Confidence scores an analysis by the tier that produced it.
func Confidence(t schema.Tier) float64 {
	switch t {
	case schema.TierPrimary:
		return 0.95
	case schema.TierRetry:
		return 0.85
	default:
		return 0.5
	}
}
