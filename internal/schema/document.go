package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// FieldKind is the value type of a document field.
type FieldKind string

const (
	KindText     FieldKind = "Text"
	KindBoolean  FieldKind = "Boolean"
	KindDateTime FieldKind = "DateTime"
	KindList     FieldKind = "List"
	KindEnum     FieldKind = "Enum"
)

// Field declares one named field of a document.
type Field struct {
	Name        string
	Kind        FieldKind
	Description string   // used in the field-mapping guide sent to the model
	Enum        []string // legal values when Kind == KindEnum
	Default     any      // nil means the kind's zero default
}

// Schema is an ordered, closed set of fields.
type Schema struct {
	Name   string
	Fields []Field
}

// Field returns the named field declaration.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns the field names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Document is a generated report or email: a JSON object whose keys are the
// fields of its schema. Values are string, bool or []string after repair.
type Document map[string]any

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the document keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the named field as a string, or "" if absent or not a string.
func (d Document) String(name string) string {
	s, _ := d[name].(string)
	return s
}

// Bool returns the named field as a bool, or false.
func (d Document) Bool(name string) bool {
	b, _ := d[name].(bool)
	return b
}

// List returns the named field as a string slice, or nil.
func (d Document) List(name string) []string {
	l, _ := d[name].([]string)
	return l
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

//go:embed incident_template.json
var defaultTemplate []byte

// reportFieldGuide describes what each incident report field means. The text
// is sent to the model so that free-text instructions map onto fields.
var reportFieldGuide = map[string]string{
	"date_time":                    "Any time/date references",
	"service_user_name":            "Person's name mentioned",
	"location":                     "Any location/place mentioned (bedroom, kitchen, etc.)",
	"incident_type":                "Type of incident (Fall, Medical Emergency, etc.)",
	"description":                  "Details about what happened",
	"immediate_actions":            "Actions taken immediately",
	"first_aid_administered":       "true/false - if first aid was given or NOT given",
	"emergency_services_contacted": "true/false - if emergency services called (ambulance, 999, paramedics)",
	"who_was_notified":             "People/roles notified",
	"witnesses":                    "Any witnesses mentioned",
	"agreed_next_steps":            "Future actions planned",
	"risk_assessment_needed":       "true/false - if an assessment is required",
	"risk_assessment_type":         "Type of assessment needed",
}

// DefaultReportSchema returns the incident report schema from the embedded
// template.
func DefaultReportSchema() Schema {
	s, err := ParseTemplate(defaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("schema: embedded template: %v", err))
	}
	return s
}

// LoadReportSchema reads the incident report template at path. A missing or
// unreadable file yields the embedded template; the boolean reports whether
// the fallback was used.
func LoadReportSchema(path string) (Schema, bool, error) {
	if path == "" {
		return DefaultReportSchema(), true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultReportSchema(), true, nil
	}
	s, err := ParseTemplate(data)
	if err != nil {
		return Schema{}, false, fmt.Errorf("schema: template %s: %w", path, err)
	}
	return s, false, nil
}

// ParseTemplate parses a JSON field template of the form
// {"field_name": "Text|Boolean|DateTime", ...}. Field order is preserved.
func ParseTemplate(data []byte) (Schema, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return Schema{}, fmt.Errorf("read template: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Schema{}, fmt.Errorf("template must be a JSON object")
	}
	s := Schema{Name: "incident_report"}
	seen := map[string]bool{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Schema{}, fmt.Errorf("read field name: %w", err)
		}
		name, _ := keyTok.(string)
		var kind string
		if err := dec.Decode(&kind); err != nil {
			return Schema{}, fmt.Errorf("field %q: %w", name, err)
		}
		if seen[name] {
			return Schema{}, fmt.Errorf("duplicate field %q", name)
		}
		seen[name] = true
		s.Fields = append(s.Fields, Field{
			Name:        name,
			Kind:        templateKind(kind),
			Description: reportFieldGuide[name],
		})
	}
	if len(s.Fields) == 0 {
		return Schema{}, fmt.Errorf("template declares no fields")
	}
	return s, nil
}

func templateKind(s string) FieldKind {
	switch FieldKind(s) {
	case KindBoolean, KindDateTime, KindList:
		return FieldKind(s)
	default:
		return KindText
	}
}

// EmailSchema is the fixed schema of a notification email.
var EmailSchema = Schema{
	Name: "email_draft",
	Fields: []Field{
		{Name: "to", Kind: KindList, Description: `Array of primary email recipients (e.g. ["supervisor@emmacare.com"])`},
		{Name: "cc", Kind: KindList, Description: `Array of CC email recipients (e.g. ["riskassessment@emmacare.com"])`},
		{Name: "subject", Kind: KindText, Description: "Email subject line - update if incident nature changes"},
		{Name: "body", Kind: KindText, Description: "Email content - update with new information"},
		{
			Name:        "priority",
			Kind:        KindEnum,
			Description: `"high", "medium", "normal" or "low" - change based on urgency`,
			Enum:        []string{string(PriorityHigh), string(PriorityMedium), string(PriorityNormal), string(PriorityLow)},
			Default:     string(PriorityNormal),
		},
		{Name: "attachments", Kind: KindList, Description: `Array of attachment names (e.g. ["incident_report.pdf"])`},
	},
}
