package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/dshills/carecall/internal/extract"
	"github.com/dshills/carecall/internal/schema"
	"github.com/dshills/carecall/internal/triage"
)

// fallbackReport builds incident report values from the transcript and
// analysis alone.
func fallbackReport(in Input, now time.Time) map[string]any {
	sig := extract.Scan(in.Transcript)
	a := in.Analysis

	name := a.ServiceUserName()
	if name == "" {
		name = sig.Name
	}
	if name == "" {
		name = "Unknown"
	}
	location, _ := a.ExtractedFacts["location"].(string)
	if strings.TrimSpace(location) == "" {
		location = sig.Location
	}
	if location == "" {
		location = "Not specified"
	}

	immediate := "Support provided as per protocol"
	if len(a.Violations) > 0 {
		var actions []string
		for i, v := range a.Violations {
			if i == 2 {
				break
			}
			if v.RequiredAction != "" {
				actions = append(actions, v.RequiredAction)
			}
		}
		immediate = "Immediate support initiated. " + strings.Join(actions, "; ")
	}

	notified := strings.Join(a.NotificationsRequired, ", ")
	if notified == "" {
		notified = "To be determined"
	}
	assessment := strings.Join(a.RiskAssessments, ", ")
	if assessment == "" {
		assessment = "N/A"
	}

	return map[string]any{
		"date_time":                    now.Format(time.RFC3339),
		"service_user_name":            name,
		"location":                     location,
		"incident_type":                incidentType(a),
		"description":                  describe(in.Transcript, sig),
		"immediate_actions":            strings.TrimSpace(immediate),
		"first_aid_administered":       sig.Injury,
		"emergency_services_contacted": sig.Emergency,
		"who_was_notified":             notified,
		"witnesses":                    "None reported",
		"agreed_next_steps":            nextSteps(a),
		"risk_assessment_needed":       len(a.RiskAssessments) > 0,
		"risk_assessment_type":         assessment,
	}
}

func incidentType(a schema.Analysis) string {
	var types []string
	for _, v := range a.Violations {
		vt := strings.ToLower(v.ViolationType)
		if strings.Contains(vt, "fall") {
			types = append(types, "Fall")
		}
		if strings.Contains(vt, "mental") || strings.Contains(vt, "confusion") {
			types = append(types, "Mental Health Concern")
		}
	}
	types = schema.Dedupe(types)
	if len(types) == 0 {
		return "Incident"
	}
	return strings.Join(types, ", ")
}

func describe(transcript string, sig extract.Signals) string {
	var parts []string
	if sig.Fall {
		if s := extract.FallSentence(transcript); s != "" {
			parts = append(parts, s)
		}
	}
	if sig.Confusion {
		parts = append(parts, "Service user exhibited signs of confusion or memory difficulties.")
	}
	if sig.Injury {
		if s := extract.InjurySentence(transcript); s != "" && (len(parts) == 0 || s != parts[0]) {
			parts = append(parts, s)
		}
	}
	if sig.Duration != "" && sig.Fall {
		parts = append(parts, fmt.Sprintf("Time on the floor: %s.", strings.ToLower(sig.Duration)))
	}
	if sig.Recurring {
		parts = append(parts, "This is a recurring incident.")
	}
	if len(parts) == 0 {
		return "Service user contacted support. Details to be confirmed."
	}
	return strings.Join(parts, " ")
}

func nextSteps(a schema.Analysis) string {
	var steps []string
	for _, v := range a.Violations {
		vt := strings.ToLower(v.ViolationType)
		switch {
		case strings.Contains(vt, "recurring fall"):
			steps = append(steps, "Arrange immediate moving and handling risk assessment")
		case strings.Contains(vt, "fall"):
			steps = append(steps, "Monitor for additional falls")
		}
		if strings.Contains(vt, "mental health") {
			steps = append(steps, "Contact family to discuss cognitive concerns", "Consider cognitive assessment referral")
		}
	}
	steps = schema.Dedupe(steps)
	if len(steps) == 0 {
		return "Continue regular monitoring and support"
	}
	return strings.Join(steps, "; ")
}

// fallbackEmail builds email values from the report and analysis alone.
func fallbackEmail(in Input, r Recipients) map[string]any {
	to := []string{r.Supervisor}
	cc := []string{}
	for _, n := range in.Analysis.NotificationsRequired {
		low := strings.ToLower(n)
		if strings.Contains(low, "risk assessor") {
			cc = append(cc, r.RiskAssessor)
		}
		if strings.Contains(low, "family") || strings.Contains(low, "next of kin") {
			to = append(to, r.FamilyContact)
		}
	}

	priority := triage.EmailPriority(in.Analysis)
	incident := orDefault(in.Report.String("incident_type"), "Incident")
	who := orDefault(in.Report.String("service_user_name"), "Service User")
	subject := fmt.Sprintf("Incident Report: %s - %s", incident, who)
	if priority == schema.PriorityHigh {
		subject = fmt.Sprintf("URGENT: %s - %s", incident, who)
	}

	return map[string]any{
		"to":          schema.Dedupe(to),
		"cc":          schema.Dedupe(cc),
		"subject":     subject,
		"body":        emailBody(in.Report, in.Analysis, priority),
		"priority":    string(priority),
		"attachments": []string{"incident_report.pdf"},
	}
}

func emailBody(report schema.Document, a schema.Analysis, priority schema.Priority) string {
	var lines []string
	add := func(s ...string) { lines = append(lines, s...) }

	if priority == schema.PriorityHigh {
		add("This email requires immediate attention.", "")
	}
	add("Dear Team,", "")
	add(fmt.Sprintf("I am writing to inform you of an incident involving %s that occurred on %s.",
		orDefault(report.String("service_user_name"), "a service user"),
		formatDateTime(report.String("date_time"))), "")

	add("**Incident Summary:**",
		"- Type: "+orDefault(report.String("incident_type"), "Unknown"),
		"- Location: "+orDefault(report.String("location"), "Unknown"),
		"- Description: "+orDefault(report.String("description"), "No description available"),
		"")

	add("**Immediate Actions Taken:**",
		orDefault(report.String("immediate_actions"), "Standard support protocol initiated"),
		"")

	if len(a.Violations) > 0 {
		add("**Policy Concerns Identified:**")
		for _, v := range a.Violations {
			add(fmt.Sprintf("- %s: %s", orDefault(v.PolicySection, "Policy"), v.Description))
		}
		add("")
	}

	add("**Required Follow-up Actions:**")
	for _, v := range a.Violations {
		if v.RequiredAction != "" {
			add("- " + v.RequiredAction)
		}
	}
	if report.Bool("risk_assessment_needed") {
		add("- " + orDefault(report.String("risk_assessment_type"), "Risk assessment") + " required")
	}
	add("")

	add("**Agreed Next Steps:**",
		orDefault(report.String("agreed_next_steps"), "To be determined"),
		"")

	add("Please review the attached incident report for full details. If you have any questions "+
		"or require additional information, please contact me immediately.", "")
	add("Best regards,", "Emma Care Coordination Team")
	return strings.Join(lines, "\n")
}

func formatDateTime(s string) string {
	if s == "" {
		return "Unknown time"
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("January 02, 2006 at 03:04 PM")
		}
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
