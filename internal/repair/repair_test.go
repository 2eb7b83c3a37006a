package repair

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dshills/carecall/internal/schema"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestStripMarkdownFences(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"~~~\n{}\n~~~", `{}`},
		{"```json\n{\"a\":1}", `{"a":1}`},
		{`  {"a":1}  `, `{"a":1}`},
		{"```\n```", ""},
	}
	for _, c := range cases {
		if got := StripMarkdownFences(c.in); got != c.want {
			t.Errorf("StripMarkdownFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecode(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
		notObj  bool
	}{
		{"plain", `{"subject":"x"}`, false, false},
		{"fenced", "```json\n{\"subject\":\"x\"}\n```", false, false},
		{"invalid escape", `{"body":"step \d done"}`, false, false},
		{"prose around", "Here is the JSON:\n{\"subject\":\"x\"}\nThanks", false, false},
		{"array", `[1,2]`, true, true},
		{"garbage", `not json at all`, true, false},
		{"empty", ``, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, err := Decode(c.in)
			if (err != nil) != c.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, c.wantErr)
			}
			if c.notObj && !errors.Is(err, ErrNotObject) {
				t.Errorf("err = %v, want ErrNotObject", err)
			}
			if !c.wantErr && m == nil {
				t.Error("expected a map")
			}
		})
	}
}

func TestComplete_FillsDropsAndCoerces(t *testing.T) {
	s := schema.DefaultReportSchema()
	candidate := map[string]any{
		"service_user_name":            "Mary Smith",
		"first_aid_administered":       "true",
		"who_was_notified":             []any{"Supervisor", "Family"},
		"emergency_services_contacted": map[string]any{"oops": 1},
		"not_a_field":                  "x",
	}
	doc, rep := Complete(candidate, s, fixedNow)

	if len(doc) != len(s.Fields) {
		t.Fatalf("keys = %v, want %d schema fields", doc.Keys(), len(s.Fields))
	}
	if _, ok := doc["not_a_field"]; ok {
		t.Error("unknown key survived Complete")
	}
	if doc["first_aid_administered"] != true {
		t.Errorf("first_aid_administered = %v, want true", doc["first_aid_administered"])
	}
	if doc["emergency_services_contacted"] != false {
		t.Errorf("emergency_services_contacted = %v, want default false", doc["emergency_services_contacted"])
	}
	if doc["who_was_notified"] != "Supervisor, Family" {
		t.Errorf("who_was_notified = %v", doc["who_was_notified"])
	}
	if doc["date_time"] != fixedNow.Format(time.RFC3339) {
		t.Errorf("date_time = %v, want now", doc["date_time"])
	}
	if doc["location"] != "" {
		t.Errorf("location = %v, want empty", doc["location"])
	}
	if !reflect.DeepEqual(rep.Dropped, []string{"not_a_field"}) {
		t.Errorf("Dropped = %v", rep.Dropped)
	}
	if !reflect.DeepEqual(rep.Invalid, []string{"emergency_services_contacted"}) {
		t.Errorf("Invalid = %v", rep.Invalid)
	}
}

func TestComplete_EmailListsAndPriority(t *testing.T) {
	doc, _ := Complete(map[string]any{
		"to":       "supervisor@emmacare.com",
		"cc":       "",
		"priority": "HIGH",
	}, schema.EmailSchema, fixedNow)
	if !reflect.DeepEqual(doc["to"], []string{"supervisor@emmacare.com"}) {
		t.Errorf("to = %#v", doc["to"])
	}
	if !reflect.DeepEqual(doc["cc"], []string{}) {
		t.Errorf("cc = %#v", doc["cc"])
	}
	if doc["priority"] != "high" {
		t.Errorf("priority = %v", doc["priority"])
	}
	if !reflect.DeepEqual(doc["attachments"], []string{}) {
		t.Errorf("attachments = %#v", doc["attachments"])
	}

	doc, _ = Complete(map[string]any{"priority": "urgent"}, schema.EmailSchema, fixedNow)
	if doc["priority"] != "normal" {
		t.Errorf("invalid priority should default to normal, got %v", doc["priority"])
	}
}

func originalEmail() schema.Document {
	return schema.Document{
		"to":          []string{"supervisor@emmacare.com"},
		"cc":          []string{},
		"subject":     "Incident Report: Fall incident - Mary Smith",
		"body":        "Dear Supervisor,",
		"priority":    "normal",
		"attachments": []string{"incident_report.pdf"},
	}
}

func TestMerge_KeySetClosure(t *testing.T) {
	orig := originalEmail()
	candidate := map[string]any{
		"subject":  "URGENT: Fall incident - Mary Smith",
		"priority": "high",
		"bcc":      []any{"x@example.com"},
	}
	out, rep := Merge(orig, candidate, schema.EmailSchema)
	if !reflect.DeepEqual(out.Keys(), orig.Keys()) {
		t.Fatalf("keys = %v, want %v", out.Keys(), orig.Keys())
	}
	if out["subject"] != "URGENT: Fall incident - Mary Smith" || out["priority"] != "high" {
		t.Errorf("update not applied: %v", out)
	}
	if !reflect.DeepEqual(out["to"], orig["to"]) {
		t.Errorf("missing key should keep original, got %v", out["to"])
	}
	if !reflect.DeepEqual(rep.Dropped, []string{"bcc"}) {
		t.Errorf("Dropped = %v", rep.Dropped)
	}
}

func TestMerge_ScalarToList(t *testing.T) {
	orig := originalEmail()
	out, rep := Merge(orig, map[string]any{"cc": "riskassessment@emmacare.com"}, schema.EmailSchema)
	if !reflect.DeepEqual(out["cc"], []string{"riskassessment@emmacare.com"}) {
		t.Errorf("cc = %#v", out["cc"])
	}
	if !reflect.DeepEqual(rep.Coerced, []string{"cc"}) {
		t.Errorf("Coerced = %v", rep.Coerced)
	}
}

func TestMerge_InvalidValueKeepsOriginal(t *testing.T) {
	orig := schema.Document{"first_aid_administered": false, "location": "Bedroom"}
	s := schema.DefaultReportSchema()
	out, rep := Merge(orig, map[string]any{
		"first_aid_administered": "maybe",
		"location":               nil,
	}, s)
	if out["first_aid_administered"] != false || out["location"] != "Bedroom" {
		t.Errorf("out = %v", out)
	}
	if len(rep.Invalid) != 2 {
		t.Errorf("Invalid = %v", rep.Invalid)
	}
}

func TestMerge_BooleanStrings(t *testing.T) {
	orig := schema.Document{"emergency_services_contacted": false}
	out, _ := Merge(orig, map[string]any{"emergency_services_contacted": "true"}, schema.DefaultReportSchema())
	if out["emergency_services_contacted"] != true {
		t.Errorf("got %v, want true", out["emergency_services_contacted"])
	}
}

func TestMerge_DoesNotAliasOriginal(t *testing.T) {
	orig := originalEmail()
	out, _ := Merge(orig, map[string]any{}, schema.EmailSchema)
	out.List("attachments")[0] = "changed.pdf"
	if orig.List("attachments")[0] != "incident_report.pdf" {
		t.Error("Merge result shares storage with the original")
	}
}

func TestNormalize_ConvertsJSONShapes(t *testing.T) {
	doc := schema.Document{"to": []any{"a@example.com"}, "priority": "High", "extra": 1.0}
	out := Normalize(doc, schema.EmailSchema)
	if !reflect.DeepEqual(out["to"], []string{"a@example.com"}) {
		t.Errorf("to = %#v", out["to"])
	}
	if out["priority"] != "high" {
		t.Errorf("priority = %v", out["priority"])
	}
	if out["extra"] != 1.0 {
		t.Errorf("unknown key changed: %v", out["extra"])
	}
}

func TestDiff(t *testing.T) {
	orig := originalEmail()
	updated := orig.Clone()
	updated["priority"] = "high"
	updated["cc"] = []string{"riskassessment@emmacare.com"}
	changes := Diff(orig, updated)
	if len(changes) != 2 {
		t.Fatalf("changes = %v", changes)
	}
	if changes[0].Field != "cc" || changes[1].Field != "priority" {
		t.Errorf("changes out of order: %v", changes)
	}
	if len(Diff(orig, orig.Clone())) != 0 {
		t.Error("identical documents should have no diff")
	}
}
