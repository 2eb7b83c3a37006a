// Package repair reconciles model output with the declarative document
// schemas: it strips fences, parses, fills missing fields, coerces values to
// their declared kinds, and merges partial updates over an original document.
package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/carecall/internal/schema"
)

// ErrNotObject is returned by Decode when the payload parses but is not a
// JSON object.
var ErrNotObject = errors.New("repair: payload is not a JSON object")

// ValidationError records a single validation failure on model output.
// Fatal errors mean the candidate must be discarded (retry or fall back);
// non-fatal ones were repaired in place.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NeedsRepair reports whether errs contains a fatal error.
func NeedsRepair(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// Decode strips markdown fences from raw and parses it as a JSON object.
// Invalid escape sequences and surrounding prose are tolerated.
func Decode(raw string) (map[string]any, error) {
	text := StripMarkdownFences(raw)
	var v any
	err := json.Unmarshal([]byte(text), &v)
	if err != nil {
		if err2 := json.Unmarshal([]byte(fixInvalidJSONEscapes(text)), &v); err2 == nil {
			err = nil
		} else if obj, ok := outermostObject(text); ok {
			if err3 := json.Unmarshal([]byte(fixInvalidJSONEscapes(obj)), &v); err3 == nil {
				err = nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("repair: parse: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return m, nil
}

// Repairs records what was changed while conforming a candidate.
type Repairs struct {
	Missing []string // absent fields filled from defaults or the original
	Invalid []string // present fields whose value could not be normalized
	Coerced []string // present fields converted to their declared kind
	Dropped []string // keys not part of the document
}

// Empty reports whether no repair was needed.
func (r Repairs) Empty() bool {
	return len(r.Missing)+len(r.Invalid)+len(r.Coerced)+len(r.Dropped) == 0
}

// Default returns the default value for f.
func Default(f schema.Field, now time.Time) any {
	if f.Default != nil {
		if l, ok := f.Default.([]string); ok {
			return append([]string{}, l...)
		}
		return f.Default
	}
	switch f.Kind {
	case schema.KindBoolean:
		return false
	case schema.KindDateTime:
		return now.Format(time.RFC3339)
	case schema.KindList:
		return []string{}
	case schema.KindEnum:
		if len(f.Enum) > 0 {
			return f.Enum[0]
		}
		return ""
	default:
		return ""
	}
}

// Value normalizes v to the kind of f. ok is false when v cannot represent
// the kind; coerced is true when the value changed type on the way.
func Value(f schema.Field, v any) (out any, coerced, ok bool) {
	switch f.Kind {
	case schema.KindBoolean:
		return boolValue(v)
	case schema.KindList:
		return listValue(v)
	case schema.KindEnum:
		s, isStr := v.(string)
		if !isStr {
			return nil, false, false
		}
		norm := strings.ToLower(strings.TrimSpace(s))
		for _, e := range f.Enum {
			if norm == e {
				return e, norm != s, true
			}
		}
		return nil, false, false
	case schema.KindDateTime:
		s, isStr := v.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return nil, false, false
		}
		return s, false, true
	case schema.KindText:
		return textValue(v)
	default:
		return v, false, true
	}
}

func boolValue(v any) (any, bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, false, true
	case float64:
		if t == 0 || t == 1 {
			return t == 1, true, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y":
			return true, true, true
		case "false", "no", "n":
			return false, true, true
		}
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b, true, true
		}
	}
	return nil, false, false
}

func listValue(v any) (any, bool, bool) {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...), false, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			switch s := e.(type) {
			case nil:
				continue
			case string:
				out = append(out, s)
			case float64, bool:
				out = append(out, fmt.Sprint(s))
			default:
				return nil, false, false
			}
		}
		return out, false, true
	case string:
		if strings.TrimSpace(t) == "" {
			return []string{}, true, true
		}
		return []string{t}, true, true
	}
	return nil, false, false
}

func textValue(v any) (any, bool, bool) {
	switch t := v.(type) {
	case string:
		return t, false, true
	case float64, bool:
		return fmt.Sprint(t), true, true
	case []string:
		return strings.Join(t, ", "), true, true
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			switch s := e.(type) {
			case string:
				parts = append(parts, s)
			case float64, bool:
				parts = append(parts, fmt.Sprint(s))
			default:
				return nil, false, false
			}
		}
		return strings.Join(parts, ", "), true, true
	}
	return nil, false, false
}

// Complete conforms a freshly generated candidate to s: every schema field
// is present with a value of its declared kind, and nothing else is.
func Complete(candidate map[string]any, s schema.Schema, now time.Time) (schema.Document, Repairs) {
	var rep Repairs
	doc := make(schema.Document, len(s.Fields))
	for _, f := range s.Fields {
		raw, present := candidate[f.Name]
		if !present || raw == nil {
			doc[f.Name] = Default(f, now)
			rep.Missing = append(rep.Missing, f.Name)
			continue
		}
		v, coerced, ok := Value(f, raw)
		if !ok {
			doc[f.Name] = Default(f, now)
			rep.Invalid = append(rep.Invalid, f.Name)
			continue
		}
		if coerced {
			rep.Coerced = append(rep.Coerced, f.Name)
		}
		doc[f.Name] = v
	}
	for _, k := range sortedKeys(candidate) {
		if _, ok := s.Field(k); !ok {
			rep.Dropped = append(rep.Dropped, k)
		}
	}
	return doc, rep
}

// Merge overlays candidate onto original. The result has exactly the keys
// of original: keys missing from candidate, or whose candidate value cannot
// be normalized, keep the original value; keys not in original are dropped.
func Merge(original schema.Document, candidate map[string]any, s schema.Schema) (schema.Document, Repairs) {
	var rep Repairs
	out := make(schema.Document, len(original))
	for _, k := range original.Keys() {
		ov := original[k]
		raw, present := candidate[k]
		if !present {
			out[k] = cloneAny(ov)
			rep.Missing = append(rep.Missing, k)
			continue
		}
		f, known := s.Field(k)
		if !known {
			out[k] = cloneAny(raw)
			continue
		}
		if raw == nil {
			out[k] = cloneAny(ov)
			rep.Invalid = append(rep.Invalid, k)
			continue
		}
		v, coerced, ok := Value(f, raw)
		if !ok {
			out[k] = cloneAny(ov)
			rep.Invalid = append(rep.Invalid, k)
			continue
		}
		if coerced {
			rep.Coerced = append(rep.Coerced, k)
		}
		out[k] = v
	}
	for _, k := range sortedKeys(candidate) {
		if _, ok := original[k]; !ok {
			rep.Dropped = append(rep.Dropped, k)
		}
	}
	return out, rep
}

// Normalize returns a copy of doc with each schema field normalized to its
// declared kind where possible. Values that cannot be normalized are kept
// as-is; no keys are added or removed.
func Normalize(doc schema.Document, s schema.Schema) schema.Document {
	out := make(schema.Document, len(doc))
	for k, v := range doc {
		f, known := s.Field(k)
		if !known || v == nil {
			out[k] = cloneAny(v)
			continue
		}
		if nv, _, ok := Value(f, v); ok {
			out[k] = nv
		} else {
			out[k] = cloneAny(v)
		}
	}
	return out
}

// Change is one field that differs between two documents.
type Change struct {
	Field    string `json:"field"`
	Original any    `json:"original"`
	Updated  any    `json:"updated"`
}

// Diff lists the fields of updated whose values differ from original.
func Diff(original, updated schema.Document) []Change {
	var changes []Change
	for _, k := range updated.Keys() {
		if !reflect.DeepEqual(original[k], updated[k]) {
			changes = append(changes, Change{Field: k, Original: original[k], Updated: updated[k]})
		}
	}
	return changes
}

func cloneAny(v any) any {
	return schema.Document{"v": v}.Clone()["v"]
}

func sortedKeys(m map[string]any) []string {
	return schema.Document(m).Keys()
}
