// Package extract implements the deterministic, keyword-driven analysis
// used when no AI provider produces a valid result.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dshills/carecall/internal/policy"
	"github.com/dshills/carecall/internal/schema"
)

var quoteNormalizer = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u201c", `"`, "\u201d", `"`)

var (
	nameRe     = regexp.MustCompile(`(?i:\bi am|\bi'm|\bthis is|\bmy name is)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	locationRe = regexp.MustCompile(`(?i)\b(?:in|at|on|near)\s+(?:the|my)\s+(bedroom|bathroom|kitchen|living room|garden|hallway|stairs|lounge|dining room)\b`)
	placeRe    = regexp.MustCompile(`(?i)\b(bedroom|bathroom|kitchen|living room|garden|hallway|stairs|lounge|dining room)\b`)
	durationRe = regexp.MustCompile(`(?i)\b(\d+)\s*(minutes?|mins?|hours?|hrs?)\b`)
	fallRe     = regexp.MustCompile(`(?i)\b(fall|falls|fallen|fell|falling)\b|on the floor|can't get up|cannot get up`)
	repeatRe   = regexp.MustCompile(`(?i)\b(second time|third time|fourth time|this week|again|multiple|another fall)\b`)
	confusedRe = regexp.MustCompile(`(?i)\b(confused|confusion|disoriented|disorientated|can't remember|fuzzy|all over the place)\b`)
	injuryRe   = regexp.MustCompile(`(?i)\b(hurt|hurts|pain|painful|bleeding|blood|bruis\w*|cut|injur\w*|broken|sore)\b`)
	noInjuryRe = regexp.MustCompile(`(?i)\b(no blood|nothing's broken|nothing is broken|not hurt|no pain|not injured|no injur\w*)\b`)
	emergRe    = regexp.MustCompile(`(?i)\b(ambulance|999|paramedics?|emergency services|a&e|emergency)\b`)
	sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
)

// nameStopwords are capitalized words that follow "I'm"/"this is" without
// being a name.
var nameStopwords = map[string]bool{
	"Fine": true, "Okay": true, "Ok": true, "Sorry": true, "Not": true, "So": true,
	"Really": true, "Just": true, "Calling": true, "Here": true, "On": true,
	"In": true, "The": true, "And": true, "But": true, "Still": true, "Very": true,
	"Feeling": true, "Scared": true, "Worried": true, "Confused": true, "Stuck": true,
}

var titleCaser = cases.Title(language.English)

// Normalize replaces typographic quotes with their ASCII forms so the
// keyword patterns match pasted transcripts.
func Normalize(transcript string) string {
	return quoteNormalizer.Replace(transcript)
}

// Name returns the first self-introduced name in the transcript, or "".
func Name(transcript string) string {
	for _, m := range nameRe.FindAllStringSubmatch(Normalize(transcript), -1) {
		words := strings.Fields(m[1])
		if nameStopwords[words[0]] {
			continue
		}
		if len(words) == 2 && nameStopwords[words[1]] {
			words = words[:1]
		}
		return strings.Join(words, " ")
	}
	return ""
}

// Location returns the room the incident happened in, title-cased, or "".
func Location(transcript string) string {
	text := Normalize(transcript)
	if m := locationRe.FindStringSubmatch(text); m != nil {
		return titleCaser.String(strings.ToLower(m[1]))
	}
	if m := placeRe.FindStringSubmatch(text); m != nil {
		return titleCaser.String(strings.ToLower(m[1]))
	}
	return ""
}

// Duration returns a phrase describing the first duration mentioned, e.g.
// "Approximately 20 minutes", or "".
func Duration(transcript string) string {
	m := durationRe.FindStringSubmatch(transcript)
	if m == nil {
		return ""
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "h"):
		unit = "hours"
		if m[1] == "1" {
			unit = "hour"
		}
	default:
		unit = "minutes"
		if m[1] == "1" {
			unit = "minute"
		}
	}
	return fmt.Sprintf("Approximately %s %s", m[1], unit)
}

// Signals are the keyword classifications of a transcript.
type Signals struct {
	Name      string
	Location  string
	Duration  string
	Fall      bool
	Recurring bool
	Confusion bool
	Injury    bool
	Emergency bool
}

// Scan classifies transcript.
func Scan(transcript string) Signals {
	text := Normalize(transcript)
	fall := fallRe.MatchString(text)
	return Signals{
		Name:      Name(text),
		Location:  Location(text),
		Duration:  Duration(text),
		Fall:      fall,
		Recurring: fall && repeatRe.MatchString(text),
		Confusion: confusedRe.MatchString(text),
		Injury:    injuryRe.MatchString(text) && !noInjuryRe.MatchString(text),
		Emergency: emergRe.MatchString(text),
	}
}

// Sentence returns the first statement of transcript that matches re,
// trimmed. Questions are only returned when no statement matches.
func Sentence(transcript string, re *regexp.Regexp) string {
	var question string
	for _, s := range sentenceRe.FindAllString(Normalize(transcript), -1) {
		if !re.MatchString(s) {
			continue
		}
		s = strings.TrimSpace(s)
		if !strings.HasSuffix(s, "?") {
			return s
		}
		if question == "" {
			question = s
		}
	}
	return question
}

// FallSentence, ConfusionSentence and InjurySentence locate the sentence
// describing each signal.
func FallSentence(transcript string) string      { return Sentence(transcript, fallRe) }
func ConfusionSentence(transcript string) string { return Sentence(transcript, confusedRe) }
func InjurySentence(transcript string) string    { return Sentence(transcript, injuryRe) }

// Extractor produces a complete Analysis from keywords alone. Policy
// section titles are resolved from the loaded policy document.
type Extractor struct {
	policy policy.Document
}

// New returns an extractor citing sections of doc.
func New(doc policy.Document) *Extractor {
	return &Extractor{policy: doc}
}

const (
	mobilityFallback     = "Section 3: Mobility & Moving"
	mentalFallback       = "Section 5: Mental Health and Emotional Well-being"
	movingRiskAssessment = "Moving and Handling Risk Assessment"
)

// Analyze never fails: every input, including empty text, yields a
// well-formed Analysis.
func (e *Extractor) Analyze(transcript string) schema.Analysis {
	sig := Scan(transcript)
	a := schema.Analysis{
		ExtractedFacts: map[string]any{
			"service_user_name":            sig.Name,
			"location":                     sig.Location,
			"incident_time":                sig.Duration,
			"repeated_incident":            sig.Recurring,
			"injuries_reported":            sig.Injury,
			"mental_state_concerns":        sig.Confusion,
			"emergency_services_mentioned": sig.Emergency,
		},
	}

	mobility := e.policy.SectionTitle("mobility", mobilityFallback)
	switch {
	case sig.Recurring:
		a.Violations = append(a.Violations, schema.Violation{
			PolicySection:  mobility,
			ViolationType:  "Recurring falls",
			Severity:       schema.SeverityHigh,
			Description:    "Service user has experienced repeated falls within a short period",
			RequiredAction: "Email supervisor immediately and CC Risk Assessor for moving and handling risk assessment review",
		})
		a.NotificationsRequired = append(a.NotificationsRequired, "Supervisor", "Risk Assessor")
		a.RiskAssessments = append(a.RiskAssessments, movingRiskAssessment)
	case sig.Fall:
		a.Violations = append(a.Violations, schema.Violation{
			PolicySection:  mobility,
			ViolationType:  "Fall incident",
			Severity:       schema.SeverityMedium,
			Description:    "Service user has fallen and may not be able to get up independently",
			RequiredAction: "Email supervisor immediately with incident details",
		})
		a.NotificationsRequired = append(a.NotificationsRequired, "Supervisor")
	}

	if sig.Confusion {
		a.Violations = append(a.Violations, schema.Violation{
			PolicySection:  e.policy.SectionTitle("mental health", mentalFallback),
			ViolationType:  "Mental health concern",
			Severity:       schema.SeverityHigh,
			Description:    "Service user showing signs of confusion and memory difficulties",
			RequiredAction: "Alert family or next of kin to inform them of the situation",
		})
		a.NotificationsRequired = append(a.NotificationsRequired, "Family/Next of Kin")
		a.Recommendations = append(a.Recommendations,
			"Schedule cognitive assessment",
			"Review medication for potential side effects")
	}

	a.Summary = summarize(a.Violations, sig)
	a.Normalize()
	return a
}

func summarize(violations []schema.Violation, sig Signals) string {
	if len(violations) == 0 {
		return "No immediate policy violations identified, but continued monitoring recommended."
	}
	high := 0
	for _, v := range violations {
		if v.Severity == schema.SeverityHigh {
			high++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Incident analysis identified %d policy concern(s) (%d high severity) requiring action.", len(violations), high)
	who := "Service user"
	if sig.Name != "" {
		who = sig.Name
	}
	switch {
	case sig.Recurring:
		fmt.Fprintf(&sb, " %s has experienced a repeated fall", who)
	case sig.Fall:
		fmt.Fprintf(&sb, " %s has experienced a fall", who)
	}
	if sig.Fall && sig.Location != "" {
		fmt.Fprintf(&sb, " in the %s", strings.ToLower(sig.Location))
	}
	if sig.Fall {
		sb.WriteString(".")
	}
	if sig.Confusion {
		fmt.Fprintf(&sb, " %s shows signs of confusion.", who)
	}
	return sb.String()
}
