package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/dshills/carecall/internal/document"
	"github.com/dshills/carecall/internal/events"
	"github.com/dshills/carecall/internal/llm"
	"github.com/dshills/carecall/internal/llm/llmtest"
	"github.com/dshills/carecall/internal/pipeline"
	"github.com/dshills/carecall/internal/schema"
	"github.com/dshills/carecall/internal/session"
)

func newService(t *testing.T, p *llmtest.Provider, settings llm.Settings) (*Service, *events.Recorder) {
	t.Helper()
	llmtest.Install(t, p)
	rec := events.NewRecorder(64)
	svc, err := New(settings, pipeline.DefaultDeps(nil), session.NewStore(), rec)
	if err != nil {
		t.Fatal(err)
	}
	return svc, rec
}

func reportWith(t *testing.T, field string, value any) string {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(llmtest.ReportJSON), &doc); err != nil {
		t.Fatal(err)
	}
	doc[field] = value
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParseUpdateType(t *testing.T) {
	tests := []struct {
		in      string
		want    UpdateType
		wantErr bool
	}{
		{"", UpdateReport, false},
		{"incident_report", UpdateReport, false},
		{"email_update", UpdateEmail, false},
		{"transcript_update", UpdateTranscript, false},
		{"summary", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUpdateType(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseUpdateType(%q) = %q, %v", tt.in, got, err)
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownUpdateType) {
			t.Errorf("error %v should wrap ErrUnknownUpdateType", err)
		}
	}
}

func TestCombineTranscript(t *testing.T) {
	got := CombineTranscript("I fell.", "The ambulance came.")
	want := "Original Transcript:\nI fell.\n\nAdditional Transcript Information:\nThe ambulance came."
	if got != want {
		t.Errorf("CombineTranscript = %q", got)
	}
}

func TestAnalyze(t *testing.T) {
	svc, rec := newService(t, llmtest.Mary(), llmtest.Settings())
	res, err := svc.Analyze(context.Background(), llmtest.MaryTranscript, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != session.DefaultID || res.AnalysisTier != schema.TierPrimary || res.ConfidenceScore != 0.95 {
		t.Errorf("result = %+v", res)
	}
	if len(res.PolicyViolations) != 1 || res.IncidentReport.String("service_user_name") != "Mary Smith" {
		t.Errorf("result = %+v", res)
	}
	if res.EmailDraft.String("priority") != "high" {
		t.Errorf("email = %v", res.EmailDraft)
	}

	evs := rec.Events()
	if len(evs) != 1 || evs[0].Type != events.SubjectAnalysisCompleted {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Payload["highest_severity"] != "high" || evs[0].Payload["primary_violation"] != "Recurring falls" {
		t.Errorf("payload = %v", evs[0].Payload)
	}

	if _, err := svc.Analyze(context.Background(), "  ", "x"); !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("empty transcript: err = %v", err)
	}
}

func TestAnalyze_UnconfiguredFallsBack(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llm.DefaultSettings())
	res, err := svc.Analyze(context.Background(), llmtest.MaryTranscript, "s")
	if err != nil {
		t.Fatal(err)
	}
	if res.AnalysisTier != schema.TierFallback || res.ConfidenceScore != 0.5 {
		t.Errorf("tier = %q, confidence = %v", res.AnalysisTier, res.ConfidenceScore)
	}
	if len(res.IncidentReport) != 13 || len(res.EmailDraft) != 6 {
		t.Errorf("documents incomplete: %v %v", res.IncidentReport, res.EmailDraft)
	}
}

func TestUpdate_NoPriorAnalysis(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llmtest.Settings())
	_, err := svc.Update(context.Background(), UpdateRequest{SessionID: "nobody", NewInformation: "x"})
	if !errors.Is(err, ErrNoPriorAnalysis) {
		t.Errorf("err = %v", err)
	}
}

func TestUpdate_Validation(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llmtest.Settings())
	ctx := context.Background()
	if _, err := svc.Update(ctx, UpdateRequest{NewInformation: "x", UpdateType: "nope"}); !errors.Is(err, ErrUnknownUpdateType) {
		t.Errorf("unknown type: err = %v", err)
	}
	if _, err := svc.Update(ctx, UpdateRequest{NewInformation: " "}); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("empty info: err = %v", err)
	}
}

// The ambulance scenario through the service: only the emergency flag
// changes and the email is untouched.
func TestUpdate_Report(t *testing.T) {
	p := llmtest.Mary()
	svc, rec := newService(t, p, llmtest.Settings())
	ctx := context.Background()
	before, err := svc.Analyze(ctx, llmtest.MaryTranscript, "s1")
	if err != nil {
		t.Fatal(err)
	}
	rec.Events()

	p.Set(llmtest.ReportEdit, llmtest.Reply{Text: reportWith(t, "emergency_services_contacted", true)})
	res, err := svc.Update(ctx, UpdateRequest{SessionID: "s1", NewInformation: "ambulance called"})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdateStatus != document.StatusApplied || len(res.Changes) != 1 || res.Changes[0].Field != "emergency_services_contacted" {
		t.Fatalf("status = %q, changes = %+v", res.UpdateStatus, res.Changes)
	}
	if !reflect.DeepEqual(res.EmailDraft, before.EmailDraft) {
		t.Error("email should not change on a report update")
	}

	stored, _ := svc.store.Get("s1")
	if !stored.Report.Bool("emergency_services_contacted") || stored.LastUpdateType != "incident_report" ||
		stored.LastUpdateInfo != "ambulance called" || stored.Version != 2 {
		t.Errorf("stored = %+v", stored)
	}
	evs := rec.Events()
	if len(evs) != 1 || evs[0].Type != events.SubjectDocumentUpdated || evs[0].Payload["status"] != "applied" {
		t.Errorf("events = %+v", evs)
	}
}

func TestUpdate_FailedKeepsDocument(t *testing.T) {
	p := llmtest.Mary()
	svc, _ := newService(t, p, llmtest.Settings())
	ctx := context.Background()
	before, _ := svc.Analyze(ctx, llmtest.MaryTranscript, "s1")

	p.Set(llmtest.EmailEdit, llmtest.Reply{Err: errors.New("rate limited")})
	res, err := svc.Update(ctx, UpdateRequest{SessionID: "s1", NewInformation: "mark as low", UpdateType: "email_update"})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdateStatus != document.StatusFailed || res.Error == "" {
		t.Errorf("status = %q, error = %q", res.UpdateStatus, res.Error)
	}
	if !reflect.DeepEqual(res.EmailDraft, before.EmailDraft) {
		t.Errorf("email changed after failed update: %v", res.EmailDraft)
	}
	if res.Changes == nil {
		t.Error("changes should serialize as an empty list")
	}
}

func TestUpdate_TranscriptDegraded(t *testing.T) {
	p := llmtest.Mary()
	svc, _ := newService(t, p, llmtest.Settings())
	ctx := context.Background()
	if _, err := svc.Analyze(ctx, llmtest.MaryTranscript, "s1"); err != nil {
		t.Fatal(err)
	}
	down := llmtest.Reply{Err: errors.New("provider down")}
	for _, prefix := range []string{llmtest.Analysis, llmtest.Report, llmtest.Email} {
		p.Set(prefix, down)
	}

	res, err := svc.Update(ctx, UpdateRequest{SessionID: "s1", NewInformation: "She is now in the kitchen.", UpdateType: "transcript_update"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, ErrDegradedUpdate.Error()) || !strings.Contains(res.Error, "provider down") {
		t.Errorf("update_error = %q", res.Error)
	}
	for _, c := range res.Changes {
		if c.Field == "date_time" {
			t.Errorf("date_time should keep the original incident time: %+v", c)
		}
	}
	stored, _ := svc.store.Get("s1")
	if got := stored.Report.String("date_time"); got != "2024-03-05T14:30:00Z" {
		t.Errorf("date_time = %q", got)
	}
	if stored.Tier != schema.TierFallback {
		t.Errorf("tier = %q", stored.Tier)
	}
}

func TestUpdate_NothingToUpdate(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llmtest.Settings())
	svc.store.Put("s1", session.Context{Transcript: "I fell"})
	_, err := svc.Update(context.Background(), UpdateRequest{SessionID: "s1", NewInformation: "x", UpdateType: "email_update"})
	if !errors.Is(err, ErrNothingToUpdate) {
		t.Errorf("err = %v", err)
	}
}

func TestUpdate_Transcript(t *testing.T) {
	p := llmtest.Mary()
	svc, _ := newService(t, p, llmtest.Settings())
	ctx := context.Background()
	svc.Analyze(ctx, llmtest.MaryTranscript, "s1")

	res, err := svc.Update(ctx, UpdateRequest{SessionID: "s1", NewInformation: "Paramedics arrived.", UpdateType: "transcript_update"})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdateStatus != document.StatusApplied {
		t.Errorf("status = %q", res.UpdateStatus)
	}
	stored, _ := svc.store.Get("s1")
	if stored.Transcript != CombineTranscript(llmtest.MaryTranscript, "Paramedics arrived.") {
		t.Errorf("transcript = %q", stored.Transcript)
	}
	if n := p.CallsWithPrefix(llmtest.Analysis); n != 2 {
		t.Errorf("analysis calls = %d, want 2", n)
	}
	last := p.Calls()
	found := false
	for _, c := range last {
		if strings.HasPrefix(c.User, llmtest.Analysis) && strings.Contains(c.User, "Additional Transcript Information:") {
			found = true
		}
	}
	if !found {
		t.Error("re-analysis should see the combined transcript")
	}
}

// fieldEditor applies report edits of the form "field=value" to the
// document carried in the prompt, so concurrent edits only all survive if
// each one starts from the previous result.
type fieldEditor struct {
	fallback llm.Provider
}

func (e fieldEditor) Complete(ctx context.Context, system, user string, maxTokens int, temp float64) (string, error) {
	const docHeader = llmtest.ReportEdit + ":\n"
	const infoHeader = "\n\nNEW INFORMATION PROVIDED BY USER:\n"
	if !strings.HasPrefix(user, docHeader) {
		return e.fallback.Complete(ctx, system, user, maxTokens, temp)
	}
	docText, rest, ok := strings.Cut(strings.TrimPrefix(user, docHeader), infoHeader)
	if !ok {
		return "", fmt.Errorf("fieldEditor: no instruction in prompt")
	}
	line, _, _ := strings.Cut(rest, "\n")
	instruction, err := strconv.Unquote(line)
	if err != nil {
		return "", err
	}
	field, value, ok := strings.Cut(instruction, "=")
	if !ok {
		return "", fmt.Errorf("fieldEditor: bad instruction %q", instruction)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(docText), &doc); err != nil {
		return "", err
	}
	doc[field] = value
	out, err := json.Marshal(doc)
	return string(out), err
}

func TestUpdate_ConcurrentSameSession(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llmtest.Settings())
	orig := llm.NewProvider
	llm.NewProvider = func(name, apiKey, model string) (llm.Provider, error) {
		return fieldEditor{fallback: llmtest.Mary()}, nil
	}
	t.Cleanup(func() { llm.NewProvider = orig })
	if err := svc.rebuild(llmtest.Settings()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := svc.Analyze(ctx, llmtest.MaryTranscript, "s1"); err != nil {
		t.Fatal(err)
	}

	edits := map[string]string{
		"witnesses":            "Neighbour",
		"location":             "Kitchen",
		"immediate_actions":    "Helped to chair",
		"who_was_notified":     "Daughter",
		"agreed_next_steps":    "GP visit",
		"incident_type":        "Slip",
		"description":          "Slipped on a rug",
		"risk_assessment_type": "Home environment",
	}
	var wg sync.WaitGroup
	for field, value := range edits {
		wg.Add(1)
		go func(field, value string) {
			defer wg.Done()
			res, err := svc.Update(ctx, UpdateRequest{SessionID: "s1", NewInformation: field + "=" + value})
			if err != nil {
				t.Error(err)
				return
			}
			if res.UpdateStatus != document.StatusApplied {
				t.Errorf("%s: status = %q (%s)", field, res.UpdateStatus, res.Error)
			}
		}(field, value)
	}
	wg.Wait()

	stored, _ := svc.store.Get("s1")
	if stored.Version != len(edits)+1 {
		t.Errorf("version = %d, want %d", stored.Version, len(edits)+1)
	}
	for field, value := range edits {
		if got := stored.Report.String(field); got != value {
			t.Errorf("%s = %q, want %q (edit lost)", field, got, value)
		}
	}
	if len(stored.Report) != 13 {
		t.Errorf("report has %d fields, want 13", len(stored.Report))
	}
}

func TestRegenerate(t *testing.T) {
	p := llmtest.Mary()
	svc, _ := newService(t, p, llmtest.Settings())
	ctx := context.Background()

	var original map[string]any
	json.Unmarshal([]byte(llmtest.EmailJSON), &original)
	edited := map[string]any{}
	for k, v := range original {
		edited[k] = v
	}
	edited["priority"] = "normal"
	data, _ := json.Marshal(edited)
	p.Set(llmtest.EmailEdit, llmtest.Reply{Text: string(data)})

	out, err := svc.Regenerate(ctx, "email", original, "this is not urgent")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != document.StatusApplied || out.Document.String("priority") != "normal" {
		t.Errorf("outcome = %+v", out)
	}

	if _, err := svc.Regenerate(ctx, "summary", original, "x"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("unknown component: err = %v", err)
	}
	if _, err := svc.Regenerate(ctx, "report", nil, "x"); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("nil original: err = %v", err)
	}
}

func TestClearContext(t *testing.T) {
	svc, rec := newService(t, llmtest.Mary(), llmtest.Settings())
	ctx := context.Background()
	svc.Analyze(ctx, llmtest.MaryTranscript, "")
	rec.Events()

	if !svc.ClearContext(ctx, "") {
		t.Error("default session should have existed")
	}
	if svc.ClearContext(ctx, "") {
		t.Error("second clear should report nothing")
	}
	if evs := rec.Events(); len(evs) != 1 || evs[0].Type != events.SubjectContextCleared {
		t.Errorf("events = %+v", evs)
	}
	if _, err := svc.Update(ctx, UpdateRequest{NewInformation: "x"}); !errors.Is(err, ErrNoPriorAnalysis) {
		t.Errorf("err = %v", err)
	}
}

func TestHealth(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llmtest.Settings())
	svc.Analyze(context.Background(), llmtest.MaryTranscript, "a")
	h := svc.Health()
	if h.Status != "healthy" || h.AIProvider != llm.OpenAI || !h.AIConfigured {
		t.Errorf("health = %+v", h)
	}
	if h.DebugInfo.ActiveSessions != 1 || h.DebugInfo.Model != "gpt-4o-mini" || h.DebugInfo.ReportFields != 13 {
		t.Errorf("debug = %+v", h.DebugInfo)
	}
	if h.DebugInfo.PolicySections < 2 {
		t.Errorf("policy sections = %d", h.DebugInfo.PolicySections)
	}
}

func TestSwitchProvider(t *testing.T) {
	settings := llm.DefaultSettings().WithAPIKey(llm.OpenAI, "sk").WithAPIKey("claude", "ak")
	svc, rec := newService(t, llmtest.Mary(), settings)
	ctx := context.Background()
	old := svc.Pipeline()

	st, err := svc.SwitchProvider(ctx, "claude")
	if err != nil {
		t.Fatal(err)
	}
	if st.ActiveProvider != llm.Anthropic || st.Status != "success" || !st.AvailableProviders[llm.Anthropic] {
		t.Errorf("status = %+v", st)
	}
	if svc.Pipeline() == old {
		t.Error("pipeline should be rebuilt")
	}
	if evs := rec.Events(); len(evs) != 1 || evs[0].Payload["to"] != llm.Anthropic {
		t.Errorf("events = %+v", evs)
	}

	current := svc.Pipeline()
	_, err = svc.SwitchProvider(ctx, "gemini")
	var cfgErr *llm.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if svc.Pipeline() != current || svc.ProviderStatus().ActiveProvider != llm.Anthropic {
		t.Error("failed switch must keep the current pipeline")
	}
}

func TestUpdateKeys(t *testing.T) {
	svc, _ := newService(t, llmtest.Mary(), llm.DefaultSettings())
	ctx := context.Background()
	if svc.Health().AIConfigured {
		t.Fatal("should start unconfigured")
	}
	st, err := svc.UpdateKeys(ctx, Keys{OpenAI: "sk-new", Gemini: "gm-new"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{llm.OpenAI: true, llm.Anthropic: false, llm.Google: true}
	if !reflect.DeepEqual(st.AvailableProviders, want) {
		t.Errorf("available = %v", st.AvailableProviders)
	}
	if !svc.Health().AIConfigured {
		t.Error("active provider should now be configured")
	}
	res, err := svc.Analyze(ctx, llmtest.MaryTranscript, "")
	if err != nil || res.AnalysisTier != schema.TierPrimary {
		t.Errorf("analysis after keys: tier = %q, err = %v", res.AnalysisTier, err)
	}
}
