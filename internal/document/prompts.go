package document

import (
	"fmt"
	"strings"

	"github.com/dshills/carecall/internal/persona"
	"github.com/dshills/carecall/internal/schema"
)

func buildGenerateSystemPrompt(kind Kind, s schema.Schema) string {
	var sb strings.Builder
	sb.WriteString(persona.Must(string(kind)).SystemPrompt)
	sb.WriteString("\n\nOutput ONLY a valid JSON object with exactly these fields: ")
	sb.WriteString(strings.Join(quoted(s.Names()), ", "))
	sb.WriteString(". No prose, no markdown, no explanation outside the JSON.\n\n")
	sb.WriteString(fieldGuide(s, s.Names()))
	return sb.String()
}

func buildReportPrompt(transcript, analysisJSON string, s schema.Schema) string {
	var sb strings.Builder
	sb.WriteString("CALL TRANSCRIPT:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\nPOLICY ANALYSIS:\n")
	sb.WriteString(analysisJSON)
	sb.WriteString("\n\nFill in the incident report fields ")
	sb.WriteString(strings.Join(quoted(s.Names()), ", "))
	sb.WriteString(" from the transcript and analysis. Use an ISO 8601 timestamp for date/time fields " +
		"and true/false for yes/no fields. Produce the JSON report now.")
	return sb.String()
}

func buildEmailPrompt(reportJSON, analysisJSON string, r Recipients) string {
	var sb strings.Builder
	sb.WriteString("INCIDENT REPORT:\n")
	sb.WriteString(reportJSON)
	sb.WriteString("\n\nPOLICY ANALYSIS:\n")
	sb.WriteString(analysisJSON)
	fmt.Fprintf(&sb, "\n\nRecipients: the supervisor (%s) is always in \"to\". ", r.Supervisor)
	fmt.Fprintf(&sb, "If the Risk Assessor must be notified, add %s to \"cc\". ", r.RiskAssessor)
	fmt.Fprintf(&sb, "If family or next of kin must be notified, add %s to \"to\".\n", r.FamilyContact)
	sb.WriteString("Set \"priority\" to \"high\" when any violation has high severity, otherwise \"normal\". " +
		"Attach \"incident_report.pdf\". Produce the JSON email now.")
	return sb.String()
}

// fieldGuide lists the description of each named field, for the mapping
// section of a prompt.
func fieldGuide(s schema.Schema, names []string) string {
	var sb strings.Builder
	sb.WriteString("FIELD MAPPING GUIDE - Map information to these JSON fields:\n")
	for _, name := range names {
		f, ok := s.Field(name)
		desc := f.Description
		switch {
		case !ok:
			desc = "keep the existing value unless the instruction is about it"
		case desc == "":
			desc = string(f.Kind) + " field"
		}
		fmt.Fprintf(&sb, "- %q: %s\n", name, desc)
	}
	return sb.String()
}

// updateExamples are the kind-specific instruction-to-field examples sent
// with every update.
var updateExamples = map[Kind][]string{
	KindReport: {
		`If the user says "first aid was not given" -> set "first_aid_administered": false`,
		`If the user says "first aid was administered" -> set "first_aid_administered": true`,
		`If the user says "no injuries" -> update "description" to mention no injuries`,
		`If the user says "ambulance called" -> set "emergency_services_contacted": true`,
		`If the user says "supervisor was notified" -> update "who_was_notified"`,
		`If the user mentions a new location -> update "location"`,
		`If the user adds injury details -> update "description" and possibly "first_aid_administered"`,
	},
	KindEmail: {
		`If the user says "send to a different person" -> update the "to" array`,
		`If the user says "mark as urgent" -> set "priority": "high"`,
		`If the user says "add more details" -> update "body" to include the new information`,
		`If the user mentions copying someone -> update the "cc" array`,
		`If the user changes the incident severity -> update "subject" and "priority"`,
		`If the user mentions new attachments -> update the "attachments" array`,
		`If the user changes the sender organization -> update the signature in "body"`,
	},
}

func buildUpdateSystemPrompt() string {
	return persona.Must("editor").SystemPrompt +
		"\n\nOutput ONLY the complete updated JSON object. No prose, no markdown."
}

func buildUpdatePrompt(kind Kind, s schema.Schema, originalJSON string, keys []string, instruction string, uc UpdateContext) string {
	label := "INCIDENT REPORT"
	if kind == KindEmail {
		label = "EMAIL DRAFT"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "CURRENT %s JSON:\n%s\n\n", label, originalJSON)
	fmt.Fprintf(&sb, "NEW INFORMATION PROVIDED BY USER:\n%q\n\n", instruction)
	if uc.Analysis != nil && uc.Analysis.Summary != "" {
		fmt.Fprintf(&sb, "CONTEXT - analysis summary of the call:\n%s\n\n", uc.Analysis.Summary)
	}
	sb.WriteString(fieldGuide(s, keys))
	sb.WriteString("\nANALYSIS PROCESS:\n" +
		"1. READ the user's new information\n" +
		"2. IDENTIFY which fields it relates to\n" +
		"3. UPDATE only those fields\n" +
		"4. PRESERVE all other fields exactly as they are\n\n")
	sb.WriteString("EXAMPLES:\n")
	for _, ex := range updateExamples[kind] {
		fmt.Fprintf(&sb, "- %s\n", ex)
	}
	sb.WriteString("\nREQUIREMENTS:\n")
	sb.WriteString("1. Return the COMPLETE JSON with ALL original fields: " + strings.Join(quoted(keys), ", ") + "\n")
	sb.WriteString("2. Do NOT add new fields or remove existing fields\n")
	var bools, lists []string
	for _, k := range keys {
		f, ok := s.Field(k)
		switch {
		case !ok:
		case f.Kind == schema.KindBoolean:
			bools = append(bools, k)
		case f.Kind == schema.KindList:
			lists = append(lists, k)
		}
	}
	if len(bools) > 0 {
		fmt.Fprintf(&sb, "3. %s must be true or false\n", strings.Join(quoted(bools), ", "))
	}
	if len(lists) > 0 {
		fmt.Fprintf(&sb, "4. %s must always be arrays, even with a single item\n", strings.Join(quoted(lists), ", "))
	}
	if f, ok := s.Field("priority"); ok && len(f.Enum) > 0 {
		fmt.Fprintf(&sb, "5. \"priority\" must be exactly one of %s\n", strings.Join(quoted(f.Enum), ", "))
	}
	sb.WriteString("\nReturn the complete updated JSON object now.")
	return sb.String()
}

func quoted(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}
