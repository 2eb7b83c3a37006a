// Package analysis turns a transcript into a policy analysis through a
// three-tier cascade: a primary model call, one structured retry, and the
// deterministic rule-based extractor. Analyze never fails.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/carecall/internal/extract"
	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/policy"
	"github.com/dshills/carecall/internal/repair"
	"github.com/dshills/carecall/internal/schema"
)

// ErrInvalidModelOutput is recorded when a model response fails validation.
var ErrInvalidModelOutput = errors.New("analysis: invalid model output")

// Completer sends one prompt pair to a model. *llm.Gateway implements it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Options configures an Engine.
type Options struct {
	// RequireName rejects model output without a service user name.
	RequireName bool
}

// Result is the outcome of Analyze.
type Result struct {
	Analysis schema.Analysis
	Tier     schema.Tier
	// Errors are the failures of the tiers that were skipped over.
	Errors []error
}

// Engine runs the analysis cascade.
type Engine struct {
	model Completer
	opts  Options
	log   *logger.Logger
}

// New returns an engine that calls model. A nil model always falls back.
func New(model Completer, log *logger.Logger, opts Options) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{model: model, opts: opts, log: log}
}

// Analyze analyzes transcript against policyText.
func (e *Engine) Analyze(ctx context.Context, transcript, policyText string) Result {
	var res Result
	if e.model == nil {
		res.Errors = append(res.Errors, errors.New("analysis: no model configured"))
		return e.fallback(transcript, policyText, res)
	}
	if err := ctx.Err(); err != nil {
		res.Errors = append(res.Errors, err)
		return e.fallback(transcript, policyText, res)
	}

	sys := buildSystemPrompt()
	decodeOpts := repair.AnalysisOptions{RequireName: e.opts.RequireName}

	raw, callErr := e.model.Complete(ctx, sys, buildUserPrompt(policyText, transcript))
	var verrs []repair.ValidationError
	if callErr == nil {
		a, errs := repair.DecodeAnalysis(raw, decodeOpts)
		if !repair.NeedsRepair(errs) {
			res.Analysis, res.Tier = e.enrich(*a, transcript), schema.TierPrimary
			e.log.Info("analysis complete", "tier", res.Tier, "violations", len(a.Violations))
			return res
		}
		verrs = errs
		res.Errors = append(res.Errors, validationFailure(errs))
	} else {
		res.Errors = append(res.Errors, callErr)
	}
	if err := ctx.Err(); err != nil {
		return e.fallback(transcript, policyText, res)
	}

	e.log.Warn("primary analysis failed; retrying", "errors", len(res.Errors))
	retryPrompt := buildRepairPrompt(buildStepPrompt(policyText, transcript), raw, verrs, callErr)
	raw2, err := e.model.Complete(ctx, sys, retryPrompt)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return e.fallback(transcript, policyText, res)
	}
	a, errs := repair.DecodeAnalysis(raw2, decodeOpts)
	if repair.NeedsRepair(errs) {
		res.Errors = append(res.Errors, validationFailure(errs))
		return e.fallback(transcript, policyText, res)
	}
	res.Analysis, res.Tier = e.enrich(*a, transcript), schema.TierRetry
	e.log.Info("analysis complete", "tier", res.Tier, "violations", len(a.Violations))
	return res
}

func (e *Engine) fallback(transcript, policyText string, res Result) Result {
	doc := policy.FromText(policyText)
	res.Analysis = extract.New(doc).Analyze(transcript)
	res.Tier = schema.TierFallback
	e.log.Warn("using rule-based analysis", "errors", len(res.Errors))
	return res
}

// enrich fills blank identifying facts in a model analysis from the
// transcript itself.
func (e *Engine) enrich(a schema.Analysis, transcript string) schema.Analysis {
	a.Normalize()
	fill := func(key, val string) {
		if val == "" {
			return
		}
		if cur, _ := a.ExtractedFacts[key].(string); cur == "" || absentFact(cur) {
			a.ExtractedFacts[key] = val
		}
	}
	fill("service_user_name", extract.Name(transcript))
	fill("location", extract.Location(transcript))
	return a
}

func absentFact(s string) bool {
	switch s {
	case "unknown", "Unknown", "not found", "Not found", "N/A", "n/a", "none", "None":
		return true
	}
	return false
}

func validationFailure(errs []repair.ValidationError) error {
	for _, e := range errs {
		if e.Fatal {
			return fmt.Errorf("%w: %s", ErrInvalidModelOutput, e.Error())
		}
	}
	return ErrInvalidModelOutput
}
