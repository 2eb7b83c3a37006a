package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/repair"
	"github.com/dshills/carecall/internal/schema"
)

// Status is the outcome class of an update.
type Status string

const (
	StatusApplied   Status = "applied"   // at least one field changed
	StatusUnchanged Status = "unchanged" // the model answered but changed nothing
	StatusFailed    Status = "failed"    // the original is returned as-is
)

// UpdateContext is optional background sent with an update.
type UpdateContext struct {
	Transcript string
	Analysis   *schema.Analysis
	SessionID  string
}

// Outcome is the result of an update. On StatusFailed, Document deep-equals
// the original and Err says why.
type Outcome struct {
	Document schema.Document
	Status   Status
	Changes  []repair.Change
	Err      error
}

// Updater applies natural-language instructions to one kind of document.
type Updater struct {
	kind   Kind
	schema schema.Schema
	model  Completer
	log    *logger.Logger
}

// NewUpdater returns an updater for documents of kind shaped by s.
func NewUpdater(kind Kind, s schema.Schema, model Completer, log *logger.Logger) *Updater {
	if log == nil {
		log = logger.Nop()
	}
	return &Updater{kind: kind, schema: s, model: model, log: log}
}

// Update applies instruction to original. The returned document always has
// exactly the keys of original; original itself is never modified.
func (u *Updater) Update(ctx context.Context, original schema.Document, instruction string, uc UpdateContext) Outcome {
	log := u.log
	if uc.SessionID != "" {
		log = log.With("session_id", uc.SessionID)
	}
	fail := func(err error) Outcome {
		log.Warn("update failed; original kept", "error", err)
		return Outcome{Document: original.Clone(), Status: StatusFailed, Err: err}
	}
	if u.model == nil {
		return fail(errors.New("document: no model configured"))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	originalJSON, err := json.MarshalIndent(original, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("document: encode original: %w", err))
	}
	keys := orderedKeys(original, u.schema)
	prompt := buildUpdatePrompt(u.kind, u.schema, string(originalJSON), keys, instruction, uc)
	raw, err := u.model.Complete(ctx, buildUpdateSystemPrompt(), prompt)
	if err != nil {
		return fail(err)
	}
	candidate, err := repair.Decode(raw)
	if err != nil {
		return fail(err)
	}

	base := repair.Normalize(original, u.schema)
	updated, rep := repair.Merge(base, candidate, u.schema)
	if len(rep.Missing) > 0 || len(rep.Invalid) > 0 || len(rep.Dropped) > 0 {
		log.Debug("update output repaired", "restored", rep.Missing, "invalid", rep.Invalid, "dropped", rep.Dropped)
	}
	changes := repair.Diff(base, updated)
	if len(changes) == 0 {
		log.Info("update produced no changes", "instruction_chars", len(instruction))
		return Outcome{Document: updated, Status: StatusUnchanged}
	}
	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	log.Info("document updated", "fields", fields)
	return Outcome{Document: updated, Status: StatusApplied, Changes: changes}
}

// orderedKeys returns the keys of doc in schema order, followed by any keys
// the schema does not declare.
func orderedKeys(doc schema.Document, s schema.Schema) []string {
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
