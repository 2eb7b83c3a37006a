// Package pipeline wires one provider configuration into the analysis
// engine and the document generators. A Pipeline is immutable; switching
// provider or keys builds a new one.
package pipeline

import (
	"context"
	"fmt"

	"github.com/dshills/carecall/internal/analysis"
	"github.com/dshills/carecall/internal/document"
	"github.com/dshills/carecall/internal/llm"
	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/policy"
	"github.com/dshills/carecall/internal/schema"
)

// Deps are the parts of a pipeline that do not change with the provider.
type Deps struct {
	Policy       policy.Document
	ReportSchema schema.Schema
	Recipients   document.Recipients
	Analysis     analysis.Options
	Log          *logger.Logger
}

// DefaultDeps returns deps built from the embedded policy and template.
func DefaultDeps(log *logger.Logger) Deps {
	return Deps{
		Policy:       policy.Default(),
		ReportSchema: schema.DefaultReportSchema(),
		Recipients:   document.DefaultRecipients(),
		Log:          log,
	}
}

// Pipeline is the analysis engine plus report and email generators, all
// sharing one gateway.
type Pipeline struct {
	gateway *llm.Gateway
	engine  *analysis.Engine
	report  *document.Generator
	email   *document.Generator
	policy  policy.Document
}

// New builds a pipeline for settings.
func New(settings llm.Settings, d Deps) (*Pipeline, error) {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	if d.Policy.Text == "" {
		d.Policy = policy.Default()
	}
	if len(d.ReportSchema.Fields) == 0 {
		d.ReportSchema = schema.DefaultReportSchema()
	}
	if d.Recipients == (document.Recipients{}) {
		d.Recipients = document.DefaultRecipients()
	}
	gw, err := llm.NewGateway(settings, log.With("component", "llm"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{
		gateway: gw,
		engine:  analysis.New(gw, log.With("component", "analysis"), d.Analysis),
		report:  document.NewReportGenerator(gw, d.ReportSchema, log),
		email:   document.NewEmailGenerator(gw, d.Recipients, log),
		policy:  d.Policy,
	}, nil
}

// Run is the result of a full pass over one transcript.
type Run struct {
	Analysis analysis.Result
	Report   document.Generation
	Email    document.Generation
}

// Run analyzes transcript, then generates the report and, from it, the email.
func (p *Pipeline) Run(ctx context.Context, transcript string) Run {
	res := p.engine.Analyze(ctx, transcript, p.policy.Text)
	report := p.report.Generate(ctx, document.Input{Transcript: transcript, Analysis: res.Analysis})
	email := p.email.Generate(ctx, document.Input{Transcript: transcript, Report: report.Document, Analysis: res.Analysis})
	return Run{Analysis: res, Report: report, Email: email}
}

// Generator returns the generator for kind.
func (p *Pipeline) Generator(kind document.Kind) *document.Generator {
	if kind == document.KindEmail {
		return p.email
	}
	return p.report
}

// Updater returns the updater for kind.
func (p *Pipeline) Updater(kind document.Kind) *document.Updater {
	return p.Generator(kind).Updater()
}

// Settings returns the provider settings the pipeline was built with.
func (p *Pipeline) Settings() llm.Settings { return p.gateway.Settings() }

// Gateway returns the shared provider gateway.
func (p *Pipeline) Gateway() *llm.Gateway { return p.gateway }

// Policy returns the policy document used for analysis.
func (p *Pipeline) Policy() policy.Document { return p.policy }

// ReportSchema returns the incident report schema.
func (p *Pipeline) ReportSchema() schema.Schema { return p.report.Schema() }
