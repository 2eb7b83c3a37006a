// Package document generates and updates the incident report and the
// notification email. Generation tries the model and falls back to a
// deterministic template; updates merge model output over the original
// document without adding or dropping fields.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/repair"
	"github.com/dshills/carecall/internal/schema"
)

// Kind names a document type.
type Kind string

const (
	KindReport Kind = "report"
	KindEmail  Kind = "email"
)

// ParseKind accepts "report"/"incident_report" and "email"/"email_draft".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "report", "incident_report":
		return KindReport, nil
	case "email", "email_draft":
		return KindEmail, nil
	}
	return "", fmt.Errorf("document: unknown kind %q", s)
}

// Source records whether a document came from the model or the template.
type Source string

const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

// ErrEmptyGeneration is recorded when the model returns an object that
// carries none of the document's fields.
var ErrEmptyGeneration = errors.New("document: model output has no document fields")

// Completer sends one prompt pair to a model. *llm.Gateway implements it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Recipients are the addresses used by the email template.
type Recipients struct {
	Supervisor    string
	RiskAssessor  string
	FamilyContact string
}

// DefaultRecipients returns the standard coordination addresses.
func DefaultRecipients() Recipients {
	return Recipients{
		Supervisor:    "supervisor@emmacare.com",
		RiskAssessor:  "riskassessment@emmacare.com",
		FamilyContact: "family.contact@emmacare.com",
	}
}

// Input is what a generator works from. The report generator reads the
// transcript; the email generator reads the report.
type Input struct {
	Transcript string
	Report     schema.Document
	Analysis   schema.Analysis
}

// Generation is the result of Generate.
type Generation struct {
	Document schema.Document
	Source   Source
	Err      error // why the model output was not used, if it was not
}

// Generator produces one kind of document.
type Generator struct {
	kind       Kind
	schema     schema.Schema
	model      Completer
	recipients Recipients
	updater    *Updater
	log        *logger.Logger
	now        func() time.Time
}

// NewReportGenerator returns a generator for incident reports shaped by s.
func NewReportGenerator(model Completer, s schema.Schema, log *logger.Logger) *Generator {
	return newGenerator(KindReport, s, model, DefaultRecipients(), log)
}

// NewEmailGenerator returns a generator for notification emails.
func NewEmailGenerator(model Completer, r Recipients, log *logger.Logger) *Generator {
	return newGenerator(KindEmail, schema.EmailSchema, model, r, log)
}

func newGenerator(kind Kind, s schema.Schema, model Completer, r Recipients, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("document", string(kind))
	return &Generator{
		kind:       kind,
		schema:     s,
		model:      model,
		recipients: r,
		updater:    NewUpdater(kind, s, model, log),
		log:        log,
		now:        time.Now,
	}
}

// Kind returns the document kind.
func (g *Generator) Kind() Kind { return g.kind }

// Schema returns the document schema.
func (g *Generator) Schema() schema.Schema { return g.schema }

// Updater returns the updater for this document kind.
func (g *Generator) Updater() *Updater { return g.updater }

// Generate produces a document. It never fails: any model or parse error
// yields the deterministic template document.
func (g *Generator) Generate(ctx context.Context, in Input) Generation {
	doc, err := g.generateAI(ctx, in)
	if err != nil {
		g.log.Warn("generation fell back to template", "error", err)
		return Generation{Document: g.Fallback(in), Source: SourceFallback, Err: err}
	}
	return Generation{Document: doc, Source: SourceAI}
}

func (g *Generator) generateAI(ctx context.Context, in Input) (schema.Document, error) {
	if g.model == nil {
		return nil, errors.New("document: no model configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, err := g.buildGeneratePrompt(in)
	if err != nil {
		return nil, err
	}
	raw, err := g.model.Complete(ctx, buildGenerateSystemPrompt(g.kind, g.schema), user)
	if err != nil {
		return nil, err
	}
	candidate, err := repair.Decode(raw)
	if err != nil {
		return nil, err
	}
	doc, rep := repair.Complete(candidate, g.schema, g.now())
	if len(rep.Missing)+len(rep.Invalid) == len(g.schema.Fields) {
		return nil, ErrEmptyGeneration
	}
	if !rep.Empty() {
		g.log.Debug("generated document repaired",
			"missing", rep.Missing, "invalid", rep.Invalid, "coerced", rep.Coerced, "dropped", rep.Dropped)
	}
	if g.kind == KindEmail && len(doc.List("to")) == 0 {
		doc["to"] = []string{g.recipients.Supervisor}
	}
	return doc, nil
}

// Fallback returns the deterministic template document for in.
func (g *Generator) Fallback(in Input) schema.Document {
	var values map[string]any
	switch g.kind {
	case KindEmail:
		values = fallbackEmail(in, g.recipients)
	default:
		values = fallbackReport(in, g.now())
	}
	doc, _ := repair.Complete(values, g.schema, g.now())
	return doc
}

// Regenerate revises original according to free-text feedback using the
// update protocol: fields the feedback does not touch are kept.
func (g *Generator) Regenerate(ctx context.Context, original schema.Document, feedback string) Outcome {
	return g.updater.Update(ctx, repair.Normalize(original, g.schema), feedback, UpdateContext{})
}

func (g *Generator) buildGeneratePrompt(in Input) (string, error) {
	analysisJSON, err := json.MarshalIndent(in.Analysis, "", "  ")
	if err != nil {
		return "", fmt.Errorf("document: encode analysis: %w", err)
	}
	if g.kind == KindEmail {
		reportJSON, err := json.MarshalIndent(in.Report, "", "  ")
		if err != nil {
			return "", fmt.Errorf("document: encode report: %w", err)
		}
		return buildEmailPrompt(string(reportJSON), string(analysisJSON), g.recipients), nil
	}
	return buildReportPrompt(in.Transcript, string(analysisJSON), g.schema), nil
}
