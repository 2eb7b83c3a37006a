package repair

import (
	"fmt"
	"strings"

	"github.com/dshills/carecall/internal/schema"
)

// AnalysisOptions tunes DecodeAnalysis.
type AnalysisOptions struct {
	// RequireName makes an empty or "unknown" service user name fatal.
	RequireName bool
}

var analysisKeys = []string{
	"summary", "violations", "notifications_required",
	"risk_assessments", "recommendations", "extracted_facts",
}

var violationKeys = []string{
	"policy_section", "violation_type", "severity", "description", "required_action",
}

// placeholderNames are values a model echoes back from prompt templates
// instead of the name found in the transcript.
var placeholderNames = map[string]bool{
	"[name]":            true,
	"name":              true,
	"name if mentioned": true,
	"service user":      true,
	"service user name": true,
	"the service user":  true,
	"greg jones":        true,
	"john doe":          true,
	"jane doe":          true,
}

// absentNames mean the model found no name. They are only an error when a
// name is required.
var absentNames = map[string]bool{
	"":          true,
	"unknown":   true,
	"not found": true,
	"n/a":       true,
	"none":      true,
}

// factAliases are top-level keys some models emit instead of nesting them
// under extracted_facts.
var factAliases = []string{"service_user_name", "location", "incident_type", "incident_time"}

// DecodeAnalysis parses raw model output into an Analysis. Missing keys are
// filled with empty values and missing violation severities default to
// medium; those are reported as non-fatal errors. A parse failure, an
// unrecognized severity, a malformed violations list, or a placeholder name
// is fatal.
func DecodeAnalysis(raw string, opts AnalysisOptions) (*schema.Analysis, []ValidationError) {
	m, err := Decode(raw)
	if err != nil {
		return nil, []ValidationError{{Field: "json_parse", Message: err.Error(), Fatal: true}}
	}

	var errs []ValidationError
	for _, k := range analysisKeys {
		if _, ok := m[k]; !ok {
			errs = append(errs, ValidationError{Field: k, Message: "missing; filled with empty value"})
		}
	}

	a := &schema.Analysis{}
	if v, ok := m["summary"]; ok && v != nil {
		s, _, ok := textValue(v)
		if !ok {
			errs = append(errs, ValidationError{Field: "summary", Message: "not text; cleared"})
		} else {
			a.Summary = s.(string)
		}
	}

	switch vs := m["violations"].(type) {
	case nil:
	case []any:
		for i, item := range vs {
			obj, ok := item.(map[string]any)
			if !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("violations[%d]", i),
					Message: "not an object",
					Fatal:   true,
				})
				continue
			}
			v, verrs := decodeViolation(i, obj)
			errs = append(errs, verrs...)
			a.Violations = append(a.Violations, v)
		}
	default:
		errs = append(errs, ValidationError{Field: "violations", Message: "not a list", Fatal: true})
	}

	a.NotificationsRequired = decodeList(m, "notifications_required", &errs)
	a.RiskAssessments = decodeList(m, "risk_assessments", &errs)
	a.Recommendations = decodeList(m, "recommendations", &errs)

	switch facts := m["extracted_facts"].(type) {
	case map[string]any:
		a.ExtractedFacts = facts
	case nil:
	default:
		errs = append(errs, ValidationError{Field: "extracted_facts", Message: "not an object; cleared"})
	}
	if a.ExtractedFacts == nil {
		a.ExtractedFacts = map[string]any{}
	}
	for _, k := range factAliases {
		if _, nested := a.ExtractedFacts[k]; nested {
			continue
		}
		if v, ok := m[k]; ok {
			a.ExtractedFacts[k] = v
		}
	}

	a.Normalize()
	errs = append(errs, checkName(a, opts)...)
	return a, errs
}

func decodeViolation(i int, obj map[string]any) (schema.Violation, []ValidationError) {
	var errs []ValidationError
	text := make(map[string]string, len(violationKeys))
	for _, k := range violationKeys {
		raw, ok := obj[k]
		if !ok || raw == nil {
			if k != "severity" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("violations[%d].%s", i, k),
					Message: "missing; filled with empty value",
				})
			}
			continue
		}
		s, _, ok := textValue(raw)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("violations[%d].%s", i, k),
				Message: "not text; cleared",
				Fatal:   k == "severity",
			})
			continue
		}
		text[k] = s.(string)
	}

	v := schema.Violation{
		PolicySection:  text["policy_section"],
		ViolationType:  text["violation_type"],
		Description:    text["description"],
		RequiredAction: text["required_action"],
	}
	sevField := fmt.Sprintf("violations[%d].severity", i)
	if raw, present := obj["severity"]; !present || raw == nil {
		// Only an absent severity defaults.
		v.Severity = schema.SeverityMedium
		errs = append(errs, ValidationError{Field: sevField, Message: "missing; defaulted to medium"})
		return v, errs
	}
	sevText, isText := text["severity"]
	if !isText {
		return v, errs // reported above as fatal
	}
	rawSev := strings.TrimSpace(sevText)
	if rawSev == "" {
		errs = append(errs, ValidationError{Field: sevField, Message: "empty severity", Fatal: true})
		return v, errs
	}
	sev, err := schema.ParseSeverity(rawSev)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   sevField,
			Message: fmt.Sprintf("invalid severity %q", rawSev),
			Fatal:   true,
		})
		return v, errs
	}
	v.Severity = sev
	return v, errs
}

func decodeList(m map[string]any, key string, errs *[]ValidationError) []string {
	raw, ok := m[key]
	if !ok || raw == nil {
		return []string{}
	}
	v, _, ok := listValue(raw)
	if !ok {
		*errs = append(*errs, ValidationError{Field: key, Message: "not a list of strings; cleared"})
		return []string{}
	}
	return v.([]string)
}

func checkName(a *schema.Analysis, opts AnalysisOptions) []ValidationError {
	raw, present := a.ExtractedFacts["service_user_name"]
	if !present && !opts.RequireName {
		return nil
	}
	name, isStr := raw.(string)
	if present && !isStr && raw != nil {
		return []ValidationError{{Field: "placeholder", Message: "service_user_name is not text", Fatal: true}}
	}
	norm := strings.ToLower(strings.TrimSpace(name))
	if placeholderNames[norm] || strings.HasPrefix(norm, "[") {
		return []ValidationError{{
			Field:   "placeholder",
			Message: fmt.Sprintf("service_user_name %q is a template placeholder", name),
			Fatal:   true,
		}}
	}
	if opts.RequireName && absentNames[norm] {
		return []ValidationError{{
			Field:   "required_field",
			Message: "service_user_name is required",
			Fatal:   true,
		}}
	}
	return nil
}
