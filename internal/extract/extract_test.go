package extract

import (
	"reflect"
	"strings"
	"testing"

	"github.com/dshills/carecall/internal/policy"
	"github.com/dshills/carecall/internal/schema"
)

const maryTranscript = `Agent: Emma Care, how can I help?
Caller: Hi, I'm Mary Smith. I've fallen in my bedroom and I can't get up.
Agent: Are you hurt?
Caller: My hip is sore. This is the second time this week. I've been on the floor for about 20 minutes.`

func TestName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello, I'm Mary Smith and I fell", "Mary Smith"},
		{"my name is George", "George"},
		{"I’m Greg Jones", "Greg Jones"},
		{"I'm fine really, this is Anne Lee", "Anne Lee"},
		{"I'm Sorry, this is Tom And I fell", "Tom"},
		{"i am on the floor", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := Name(c.in); got != c.want {
			t.Errorf("Name(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLocation(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"I fell in my bedroom", "Bedroom"},
		{"I'm at the bottom, on the stairs", "Stairs"},
		{"somewhere in the LIVING ROOM", "Living Room"},
		{"the kitchen floor is wet", "Kitchen"},
		{"I fell outside", ""},
	}
	for _, c := range cases {
		if got := Location(c.in); got != c.want {
			t.Errorf("Location(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDuration(t *testing.T) {
	cases := map[string]string{
		"about 20 minutes":   "Approximately 20 minutes",
		"for 1 hour already": "Approximately 1 hour",
		"5 mins":             "Approximately 5 minutes",
		"a while":            "",
	}
	for in, want := range cases {
		if got := Duration(in); got != want {
			t.Errorf("Duration(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScan_Keywords(t *testing.T) {
	sig := Scan(maryTranscript)
	if !sig.Fall || !sig.Recurring || !sig.Injury || sig.Confusion || sig.Emergency {
		t.Errorf("signals = %+v", sig)
	}
	if Scan("the autumn fall colours").Recurring {
		t.Error("no recurrence phrase should not be recurring")
	}
	if Scan("I fell but there's no blood, nothing's broken").Injury {
		t.Error("negated injury should not be reported")
	}
	if !Scan("they called an ambulance").Emergency {
		t.Error("ambulance should flag emergency services")
	}
	if Scan("waterfalls are lovely").Fall {
		t.Error("fall keyword must match on word boundaries")
	}
}

func TestAnalyze_MarySmith(t *testing.T) {
	a := New(policy.Default()).Analyze(maryTranscript)

	if len(a.Violations) != 1 {
		t.Fatalf("violations = %+v", a.Violations)
	}
	v := a.Violations[0]
	if !strings.Contains(v.PolicySection, "Mobility") {
		t.Errorf("policy_section = %q", v.PolicySection)
	}
	if v.Severity != schema.SeverityHigh || v.ViolationType != "Recurring falls" {
		t.Errorf("violation = %+v", v)
	}
	if !reflect.DeepEqual(a.NotificationsRequired, []string{"Supervisor", "Risk Assessor"}) {
		t.Errorf("notifications = %v", a.NotificationsRequired)
	}
	if !reflect.DeepEqual(a.RiskAssessments, []string{"Moving and Handling Risk Assessment"}) {
		t.Errorf("risk assessments = %v", a.RiskAssessments)
	}
	if a.ServiceUserName() != "Mary Smith" {
		t.Errorf("name = %q", a.ServiceUserName())
	}
	if a.ExtractedFacts["location"] != "Bedroom" || a.ExtractedFacts["incident_time"] != "Approximately 20 minutes" {
		t.Errorf("facts = %v", a.ExtractedFacts)
	}
}

func TestAnalyze_SingleFallIsMedium(t *testing.T) {
	a := New(policy.Default()).Analyze("I'm Joan Bell, I fell in the kitchen.")
	if len(a.Violations) != 1 || a.Violations[0].Severity != schema.SeverityMedium {
		t.Fatalf("violations = %+v", a.Violations)
	}
	if !reflect.DeepEqual(a.NotificationsRequired, []string{"Supervisor"}) {
		t.Errorf("notifications = %v", a.NotificationsRequired)
	}
}

func TestAnalyze_Confusion(t *testing.T) {
	a := New(policy.Default()).Analyze("Everything is fuzzy and I'm so confused, I can't remember taking my tablets")
	if len(a.Violations) != 1 {
		t.Fatalf("violations = %+v", a.Violations)
	}
	v := a.Violations[0]
	if v.Severity != schema.SeverityHigh || !strings.Contains(v.PolicySection, "Mental Health") {
		t.Errorf("violation = %+v", v)
	}
	if !reflect.DeepEqual(a.NotificationsRequired, []string{"Family/Next of Kin"}) {
		t.Errorf("notifications = %v", a.NotificationsRequired)
	}
	if len(a.Recommendations) != 2 {
		t.Errorf("recommendations = %v", a.Recommendations)
	}
}

func TestAnalyze_SectionTitlesFromPolicy(t *testing.T) {
	doc := policy.FromText("Section 9: Mobility Support\nAssist users.\n")
	a := New(doc).Analyze("I fell over")
	if got := a.Violations[0].PolicySection; got != "Section 9: Mobility Support" {
		t.Errorf("policy_section = %q", got)
	}
}

func TestAnalyze_Totality(t *testing.T) {
	e := New(policy.Document{})
	for _, in := range []string{"", "x", "{\"violations\": [", strings.Repeat("fall ", 5000), "\x00\xff\xfe", "I'm "} {
		a := e.Analyze(in)
		if a.Violations == nil || a.NotificationsRequired == nil || a.RiskAssessments == nil ||
			a.Recommendations == nil || a.ExtractedFacts == nil || a.Summary == "" {
			t.Errorf("Analyze(%.20q) returned an incomplete analysis: %+v", in, a)
		}
		for _, v := range a.Violations {
			if v.PolicySection == "" || v.Severity == "" {
				t.Errorf("Analyze(%.20q) violation missing fields: %+v", in, v)
			}
		}
	}
}

func TestSentences(t *testing.T) {
	if got := FallSentence(maryTranscript); !strings.Contains(got, "fallen in my bedroom") {
		t.Errorf("FallSentence = %q", got)
	}
	if got := InjurySentence(maryTranscript); got != "Caller: My hip is sore." {
		t.Errorf("InjurySentence = %q", got)
	}
	if got := ConfusionSentence(maryTranscript); got != "" {
		t.Errorf("ConfusionSentence = %q", got)
	}
}
