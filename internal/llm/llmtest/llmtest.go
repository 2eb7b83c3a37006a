// Package llmtest provides a scripted llm.Provider for tests of packages
// that build their own gateways.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dshills/carecall/internal/llm"
)

// Prompt prefixes of the user prompts sent by each pipeline stage.
const (
	Analysis    = "CARE POLICIES:"
	Report      = "CALL TRANSCRIPT:"
	Email       = "INCIDENT REPORT:"
	ReportEdit  = "CURRENT INCIDENT REPORT JSON"
	EmailEdit   = "CURRENT EMAIL DRAFT JSON"
	AnyPrompt   = ""
	unscripted  = "llmtest: no response scripted for prompt"
	defaultName = "scripted"
)

// Reply is one scripted answer.
type Reply struct {
	Text string
	Err  error
}

// Call records one completion request.
type Call struct {
	Provider string
	System   string
	User     string
}

// Provider answers each call with the reply registered for the longest
// matching user-prompt prefix.
type Provider struct {
	mu      sync.Mutex
	name    string
	replies map[string]Reply
	calls   []Call
}

// New returns a provider with the given replies keyed by prompt prefix.
func New(replies map[string]Reply) *Provider {
	p := &Provider{name: defaultName, replies: make(map[string]Reply, len(replies))}
	for k, v := range replies {
		p.replies[k] = v
	}
	return p
}

// Set replaces the reply for prefix.
func (p *Provider) Set(prefix string, r Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[prefix] = r
}

func (p *Provider) Complete(ctx context.Context, system, user string, _ int, _ float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Provider: p.name, System: system, User: user})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	best, found := "", false
	for prefix := range p.replies {
		if strings.HasPrefix(user, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	if !found {
		return "", fmt.Errorf("%s %.40q", unscripted, user)
	}
	r := p.replies[best]
	return r.Text, r.Err
}

// Calls returns the requests received so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call{}, p.calls...)
}

// CallsWithPrefix counts the requests whose user prompt starts with prefix.
func (p *Provider) CallsWithPrefix(prefix string) int {
	n := 0
	for _, c := range p.Calls() {
		if strings.HasPrefix(c.User, prefix) {
			n++
		}
	}
	return n
}

// Install makes every gateway built during the test use p. The names of
// created providers are recorded in the returned slice.
func Install(t testing.TB, p *Provider) *[]string {
	t.Helper()
	var created []string
	var mu sync.Mutex
	orig := llm.NewProvider
	llm.NewProvider = func(name, apiKey, model string) (llm.Provider, error) {
		mu.Lock()
		created = append(created, name+"/"+model)
		mu.Unlock()
		return p, nil
	}
	t.Cleanup(func() { llm.NewProvider = orig })
	return &created
}

// Settings returns default settings with keys for every provider.
func Settings() llm.Settings {
	return llm.DefaultSettings().
		WithAPIKey(llm.OpenAI, "sk-test").
		WithAPIKey(llm.Anthropic, "sk-ant-test").
		WithAPIKey(llm.Google, "gm-test")
}

// Canned model outputs for the Mary Smith recurring-fall call.
const (
	MaryTranscript = "Caller: Hi, I'm Mary Smith. I've fallen in my bedroom and can't get up. " +
		"This is the second time this week."

	AnalysisJSON = `{
  "summary": "Mary Smith has fallen in her bedroom for the second time this week.",
  "violations": [{
    "policy_section": "Section 3: Mobility & Moving",
    "violation_type": "Recurring falls",
    "severity": "high",
    "description": "Second fall within a week",
    "required_action": "Email supervisor immediately and CC Risk Assessor"
  }],
  "notifications_required": ["Supervisor", "Risk Assessor"],
  "risk_assessments": ["Moving and Handling Risk Assessment"],
  "recommendations": ["Review mobility aids"],
  "extracted_facts": {"service_user_name": "Mary Smith", "location": "Bedroom"}
}`

	ReportJSON = `{
  "date_time": "2024-03-05T14:30:00Z",
  "service_user_name": "Mary Smith",
  "location": "Bedroom",
  "incident_type": "Fall",
  "description": "Mary fell in her bedroom and could not get up.",
  "immediate_actions": "Supervisor alerted",
  "first_aid_administered": false,
  "emergency_services_contacted": false,
  "who_was_notified": "Supervisor, Risk Assessor",
  "witnesses": "None",
  "agreed_next_steps": "Moving and handling risk assessment",
  "risk_assessment_needed": true,
  "risk_assessment_type": "Moving and Handling Risk Assessment"
}`

	EmailJSON = `{
  "to": ["supervisor@emmacare.com"],
  "cc": ["riskassessment@emmacare.com"],
  "subject": "URGENT: Recurring falls - Mary Smith",
  "body": "Dear Team,\n\nMary Smith has fallen again.\n\nBest regards,\nEmma Care Coordination Team",
  "priority": "high",
  "attachments": ["incident_report.pdf"]
}`
)

// Mary returns a provider scripted with the canned Mary Smith outputs.
func Mary() *Provider {
	return New(map[string]Reply{
		Analysis: {Text: AnalysisJSON},
		Report:   {Text: ReportJSON},
		Email:    {Text: EmailJSON},
	})
}
