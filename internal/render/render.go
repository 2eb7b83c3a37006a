// Package render produces output from a completed analysis.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/carecall/internal/schema"
	"github.com/dshills/carecall/internal/service"
	"github.com/dshills/carecall/internal/triage"
)

// RenderJSON produces a pretty-printed JSON representation of the result.
func RenderJSON(res *service.AnalyzeResult) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("render: nil result")
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render: json marshal: %w", err)
	}
	return b, nil
}

// RenderMarkdown produces a Markdown summary of the result for terminal
// output. Report fields follow the order of reportSchema.
func RenderMarkdown(res *service.AnalyzeResult, reportSchema schema.Schema) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder

	sb.WriteString("## Incident Analysis\n\n")
	fmt.Fprintf(&sb, "**Tier:** %s  \n", res.AnalysisTier)
	fmt.Fprintf(&sb, "**Confidence:** %.2f  \n", res.ConfidenceScore)
	a := schema.Analysis{Violations: res.PolicyViolations}
	high, medium, low := triage.CountSeverities(a)
	fmt.Fprintf(&sb, "**High:** %d | **Medium:** %d | **Low:** %d\n\n", high, medium, low)
	if res.AnalysisSummary != "" {
		sb.WriteString(mdEscape(res.AnalysisSummary))
		sb.WriteString("\n\n")
	}

	if len(res.PolicyViolations) > 0 {
		sb.WriteString("## Policy Violations\n\n")
		sb.WriteString("| Section | Type | Severity | Required Action |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, v := range res.PolicyViolations {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n",
				mdEscape(v.PolicySection), mdEscape(v.ViolationType), v.Severity, mdEscape(v.RequiredAction))
		}
		sb.WriteString("\n")
	}

	if len(res.Recommendations) > 0 {
		sb.WriteString("## Recommendations\n\n")
		for _, r := range res.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		sb.WriteString("\n")
	}

	if len(res.IncidentReport) > 0 {
		sb.WriteString("## Incident Report\n\n")
		sb.WriteString("| Field | Value |\n")
		sb.WriteString("|---|---|\n")
		for _, k := range fieldOrder(res.IncidentReport, reportSchema) {
			fmt.Fprintf(&sb, "| %s | %s |\n", k, mdEscape(formatValue(res.IncidentReport[k])))
		}
		sb.WriteString("\n")
	}

	if len(res.EmailDraft) > 0 {
		e := res.EmailDraft
		sb.WriteString("## Email Draft\n\n")
		fmt.Fprintf(&sb, "**To:** %s  \n", strings.Join(e.List("to"), ", "))
		if cc := e.List("cc"); len(cc) > 0 {
			fmt.Fprintf(&sb, "**Cc:** %s  \n", strings.Join(cc, ", "))
		}
		fmt.Fprintf(&sb, "**Subject:** %s  \n", e.String("subject"))
		fmt.Fprintf(&sb, "**Priority:** %s  \n", e.String("priority"))
		if att := e.List("attachments"); len(att) > 0 {
			fmt.Fprintf(&sb, "**Attachments:** %s  \n", strings.Join(att, ", "))
		}
		sb.WriteString("\n")
		for _, line := range strings.Split(e.String("body"), "\n") {
			sb.WriteString("> ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func fieldOrder(doc schema.Document, s schema.Schema) []string {
	keys := make([]string, 0, len(doc))
	seen := make(map[string]bool, len(doc))
	for _, name := range s.Names() {
		if _, ok := doc[name]; ok {
			keys = append(keys, name)
			seen[name] = true
		}
	}
	for _, k := range doc.Keys() {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func formatValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case []string:
		return strings.Join(t, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// mdEscape replaces characters that would break Markdown table cells.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}
