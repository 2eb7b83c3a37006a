// Package schema defines the canonical data types exchanged by the analysis
// pipeline: the analysis object, violations, and the declarative document
// schemas used for incident reports and notification emails.
package schema

import (
	"fmt"
	"strings"
)

// Severity represents the urgency of a policy violation.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ParseSeverity converts s to a Severity constant. Matching is
// case-insensitive and ignores surrounding whitespace. Returns an error for
// any other value; callers must not silently accept it.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	}
	return "", fmt.Errorf("schema: unknown severity %q", s)
}

// Priority is the delivery urgency of a notification email.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Violation is a single finding that the transcript indicates a breach of a
// named policy section. All five fields are always populated after repair.
type Violation struct {
	PolicySection  string   `json:"policy_section"`
	ViolationType  string   `json:"violation_type"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	RequiredAction string   `json:"required_action"`
}

// Analysis is the structured result of analyzing a transcript against the
// care policies.
type Analysis struct {
	Summary               string         `json:"summary"`
	Violations            []Violation    `json:"violations"`
	NotificationsRequired []string       `json:"notifications_required"`
	RiskAssessments       []string       `json:"risk_assessments"`
	Recommendations       []string       `json:"recommendations"`
	ExtractedFacts        map[string]any `json:"extracted_facts"`
}

// Normalize replaces nil slices and maps with empty ones so the analysis
// always serializes with list-typed and object-typed fields, and removes
// duplicate notification recipients.
func (a *Analysis) Normalize() {
	if a.Violations == nil {
		a.Violations = []Violation{}
	}
	a.NotificationsRequired = Dedupe(a.NotificationsRequired)
	if a.RiskAssessments == nil {
		a.RiskAssessments = []string{}
	}
	if a.Recommendations == nil {
		a.Recommendations = []string{}
	}
	if a.ExtractedFacts == nil {
		a.ExtractedFacts = map[string]any{}
	}
}

// Clone returns a deep copy of a.
func (a Analysis) Clone() Analysis {
	out := a
	out.Violations = append([]Violation{}, a.Violations...)
	out.NotificationsRequired = append([]string{}, a.NotificationsRequired...)
	out.RiskAssessments = append([]string{}, a.RiskAssessments...)
	out.Recommendations = append([]string{}, a.Recommendations...)
	out.ExtractedFacts = make(map[string]any, len(a.ExtractedFacts))
	for k, v := range a.ExtractedFacts {
		out.ExtractedFacts[k] = cloneValue(v)
	}
	return out
}

// ServiceUserName returns the extracted service user name, if any.
func (a Analysis) ServiceUserName() string {
	name, _ := a.ExtractedFacts["service_user_name"].(string)
	return strings.TrimSpace(name)
}

// Dedupe returns items without duplicates (compared case-insensitively),
// keeping the first occurrence. Never returns nil.
func Dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		key := strings.ToLower(strings.TrimSpace(it))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(it))
	}
	return out
}

// Tier identifies which stage of the analysis cascade produced a result.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierRetry    Tier = "retry"
	TierFallback Tier = "fallback"
)
