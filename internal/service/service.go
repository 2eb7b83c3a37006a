// Package service implements the session-aware operations behind the HTTP
// API: analyze a transcript, update or regenerate its documents, and manage
// the active provider.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dshills/carecall/internal/document"
	"github.com/dshills/carecall/internal/events"
	"github.com/dshills/carecall/internal/llm"
	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/pipeline"
	"github.com/dshills/carecall/internal/repair"
	"github.com/dshills/carecall/internal/schema"
	"github.com/dshills/carecall/internal/session"
	"github.com/dshills/carecall/internal/triage"
)

var (
	ErrEmptyTranscript   = errors.New("service: transcript is empty")
	ErrEmptyInput        = errors.New("service: no new information provided")
	ErrNoPriorAnalysis   = errors.New("service: no previous analysis for session")
	ErrNothingToUpdate   = errors.New("service: document was never generated")
	ErrUnknownUpdateType = errors.New("service: unknown update type")
	ErrUnknownComponent  = errors.New("service: unknown component")
	ErrDegradedUpdate    = errors.New("service: re-analysis used the rule-based fallback")
)

// UpdateType selects what an update request changes.
type UpdateType string

const (
	UpdateReport     UpdateType = "incident_report"
	UpdateEmail      UpdateType = "email_update"
	UpdateTranscript UpdateType = "transcript_update"
)

// ParseUpdateType maps a request value to an UpdateType. Empty means
// UpdateReport.
func ParseUpdateType(s string) (UpdateType, error) {
	switch UpdateType(strings.TrimSpace(s)) {
	case "", UpdateReport:
		return UpdateReport, nil
	case UpdateEmail:
		return UpdateEmail, nil
	case UpdateTranscript:
		return UpdateTranscript, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownUpdateType, s)
}

// CombineTranscript extends a stored transcript with additional text.
func CombineTranscript(original, addition string) string {
	return "Original Transcript:\n" + original + "\n\nAdditional Transcript Information:\n" + addition
}

// Service is safe for concurrent use.
type Service struct {
	deps   pipeline.Deps
	pipe   atomic.Pointer[pipeline.Pipeline]
	mu     sync.Mutex // serializes reconfiguration
	store  *session.Store
	events events.Publisher
	log    *logger.Logger
}

// New builds a service using settings for its first pipeline.
func New(settings llm.Settings, deps pipeline.Deps, store *session.Store, pub events.Publisher) (*Service, error) {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if store == nil {
		store = session.NewStore()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	p, err := pipeline.New(settings, deps)
	if err != nil {
		return nil, err
	}
	s := &Service{deps: deps, store: store, events: pub, log: deps.Log.With("component", "service")}
	s.pipe.Store(p)
	return s, nil
}

// Pipeline returns the current pipeline.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipe.Load() }

// AnalyzeResult is the response to an analysis.
type AnalyzeResult struct {
	AnalysisSummary  string             `json:"analysis_summary"`
	IncidentReport   schema.Document    `json:"incident_report"`
	EmailDraft       schema.Document    `json:"email_draft"`
	PolicyViolations []schema.Violation `json:"policy_violations"`
	Recommendations  []string           `json:"recommendations"`
	ConfidenceScore  float64            `json:"confidence_score"`
	SessionID        string             `json:"session_id"`
	AnalysisTier     schema.Tier        `json:"analysis_tier"`
}

// Analyze runs the full pipeline on transcript and stores the result as the
// session's context, replacing any previous one.
func (s *Service) Analyze(ctx context.Context, transcript, sessionID string) (AnalyzeResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return AnalyzeResult{}, ErrEmptyTranscript
	}
	sessionID = sessionOrDefault(sessionID)
	log := s.log.With("session_id", sessionID)
	log.Info("analyzing transcript", "transcript", transcript)

	run := s.pipe.Load().Run(ctx, transcript)
	stored := s.store.Put(sessionID, session.Context{
		Transcript: transcript,
		Analysis:   run.Analysis.Analysis,
		Tier:       run.Analysis.Tier,
		Report:     run.Report.Document,
		Email:      run.Email.Document,
	})

	a := stored.Analysis
	high, medium, low := triage.CountSeverities(a)
	log.Info("analysis stored", "tier", run.Analysis.Tier, "report", run.Report.Source, "email", run.Email.Source,
		"high", high, "medium", medium, "low", low)
	s.publish(ctx, events.SubjectAnalysisCompleted, sessionID, map[string]any{
		"tier":              string(run.Analysis.Tier),
		"highest_severity":  string(triage.Highest(a)),
		"primary_violation": triage.PrimaryViolationType(a, ""),
		"violations":        len(a.Violations),
		"report_source":     string(run.Report.Source),
		"email_source":      string(run.Email.Source),
	})

	return AnalyzeResult{
		AnalysisSummary:  a.Summary,
		IncidentReport:   stored.Report,
		EmailDraft:       stored.Email,
		PolicyViolations: a.Violations,
		Recommendations:  a.Recommendations,
		ConfidenceScore:  triage.Confidence(run.Analysis.Tier),
		SessionID:        sessionID,
		AnalysisTier:     run.Analysis.Tier,
	}, nil
}

// UpdateRequest asks for the session's documents to be revised.
type UpdateRequest struct {
	SessionID      string `json:"session_id"`
	NewInformation string `json:"new_information"`
	UpdateType     string `json:"update_type"`
}

// UpdateResult is the response to an update.
type UpdateResult struct {
	Status           string             `json:"status"`
	UpdateType       UpdateType         `json:"update_type"`
	AnalysisSummary  string             `json:"analysis_summary"`
	IncidentReport   schema.Document    `json:"incident_report"`
	EmailDraft       schema.Document    `json:"email_draft"`
	PolicyViolations []schema.Violation `json:"policy_violations"`
	Recommendations  []string           `json:"recommendations"`
	UpdateStatus     document.Status    `json:"update_status"`
	Changes          []repair.Change    `json:"changes"`
	Error            string             `json:"update_error,omitempty"`
}

// Update applies req to the session's stored context. Updates of one
// session are serialized; the provider call happens under the session lock.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	kind, err := ParseUpdateType(req.UpdateType)
	if err != nil {
		return UpdateResult{}, err
	}
	info := strings.TrimSpace(req.NewInformation)
	if info == "" {
		return UpdateResult{}, ErrEmptyInput
	}
	sessionID := sessionOrDefault(req.SessionID)
	log := s.log.With("session_id", sessionID, "update_type", string(kind))
	p := s.pipe.Load()

	var outcome document.Outcome
	stored, err := s.store.Update(sessionID, func(c *session.Context) error {
		uc := document.UpdateContext{Transcript: c.Transcript, Analysis: &c.Analysis, SessionID: sessionID}
		switch kind {
		case UpdateReport:
			if len(c.Report) == 0 {
				return ErrNothingToUpdate
			}
			outcome = p.Updater(document.KindReport).Update(ctx, c.Report, info, uc)
			c.Report = outcome.Document
		case UpdateEmail:
			if len(c.Email) == 0 {
				return ErrNothingToUpdate
			}
			outcome = p.Updater(document.KindEmail).Update(ctx, c.Email, info, uc)
			c.Email = outcome.Document
		case UpdateTranscript:
			combined := CombineTranscript(c.Transcript, info)
			run := p.Run(ctx, combined)
			if run.Report.Source == document.SourceFallback {
				keepTimestamps(run.Report.Document, c.Report, p.ReportSchema())
			}
			outcome = document.Outcome{
				Document: run.Report.Document,
				Status:   document.StatusApplied,
				Changes:  repair.Diff(c.Report, run.Report.Document),
			}
			if run.Analysis.Tier == schema.TierFallback {
				outcome.Err = ErrDegradedUpdate
				if cause := errors.Join(run.Analysis.Errors...); cause != nil {
					outcome.Err = fmt.Errorf("%w: %w", ErrDegradedUpdate, cause)
				}
			}
			c.Transcript = combined
			c.Analysis = run.Analysis.Analysis
			c.Tier = run.Analysis.Tier
			c.Report = run.Report.Document
			c.Email = run.Email.Document
		}
		c.LastUpdateType = string(kind)
		c.LastUpdateInfo = info
		return nil
	})
	if errors.Is(err, session.ErrNoContext) {
		return UpdateResult{}, ErrNoPriorAnalysis
	}
	if err != nil {
		return UpdateResult{}, err
	}

	fields := make([]string, len(outcome.Changes))
	for i, c := range outcome.Changes {
		fields[i] = c.Field
	}
	log.Info("update committed", "status", outcome.Status, "fields", fields, "version", stored.Version)
	s.publish(ctx, events.SubjectDocumentUpdated, sessionID, map[string]any{
		"update_type": string(kind),
		"status":      string(outcome.Status),
		"fields":      fields,
		"version":     stored.Version,
	})

	res := UpdateResult{
		Status:           "success",
		UpdateType:       kind,
		AnalysisSummary:  stored.Analysis.Summary,
		IncidentReport:   stored.Report,
		EmailDraft:       stored.Email,
		PolicyViolations: stored.Analysis.Violations,
		Recommendations:  stored.Analysis.Recommendations,
		UpdateStatus:     outcome.Status,
		Changes:          outcome.Changes,
	}
	if res.Changes == nil {
		res.Changes = []repair.Change{}
	}
	if outcome.Err != nil {
		res.Error = outcome.Err.Error()
	}
	return res, nil
}

// keepTimestamps copies DateTime fields of prev into doc. A fallback report
// stamps the current time, which is not new information about the incident.
func keepTimestamps(doc, prev schema.Document, s schema.Schema) {
	for _, f := range s.Fields {
		if f.Kind != schema.KindDateTime {
			continue
		}
		if v, ok := prev[f.Name]; ok && v != nil && v != "" {
			doc[f.Name] = v
		}
	}
}

// Regenerate revises a caller-supplied report or email according to
// feedback. The session store is not involved.
func (s *Service) Regenerate(ctx context.Context, component string, original schema.Document, feedback string) (document.Outcome, error) {
	var kind document.Kind
	switch component {
	case "report":
		kind = document.KindReport
	case "email":
		kind = document.KindEmail
	default:
		return document.Outcome{}, fmt.Errorf("%w %q", ErrUnknownComponent, component)
	}
	if len(original) == 0 || strings.TrimSpace(feedback) == "" {
		return document.Outcome{}, ErrEmptyInput
	}
	out := s.pipe.Load().Generator(kind).Regenerate(ctx, original, feedback)
	s.log.Info("component regenerated", "component", component, "status", out.Status)
	return out, nil
}

// ClearContext forgets the session and reports whether it existed.
func (s *Service) ClearContext(ctx context.Context, sessionID string) bool {
	sessionID = sessionOrDefault(sessionID)
	existed := s.store.Clear(sessionID)
	s.log.Info("context cleared", "session_id", sessionID, "existed", existed)
	if existed {
		s.publish(ctx, events.SubjectContextCleared, sessionID, nil)
	}
	return existed
}

// Health describes the service for monitoring.
type Health struct {
	Status       string            `json:"status"`
	AIProvider   string            `json:"ai_provider"`
	AIConfigured bool              `json:"ai_configured"`
	Services     map[string]string `json:"services"`
	DebugInfo    DebugInfo         `json:"debug_info"`
}

// DebugInfo carries counters useful when diagnosing a running service.
type DebugInfo struct {
	ActiveSessions int    `json:"active_sessions"`
	Model          string `json:"model"`
	PolicySections int    `json:"policy_sections"`
	ReportFields   int    `json:"report_fields"`
}

// Health reports service status.
func (s *Service) Health() Health {
	p := s.pipe.Load()
	gw := p.Gateway()
	return Health{
		Status:       "healthy",
		AIProvider:   gw.ProviderName(),
		AIConfigured: gw.Configured(),
		Services: map[string]string{
			"analyzer":         "active",
			"report_generator": "active",
			"email_generator":  "active",
		},
		DebugInfo: DebugInfo{
			ActiveSessions: s.store.Len(),
			Model:          gw.CurrentModel(),
			PolicySections: len(p.Policy().Sections),
			ReportFields:   len(p.ReportSchema().Fields),
		},
	}
}

// ProviderStatus describes the provider configuration.
type ProviderStatus struct {
	Status             string            `json:"status,omitempty"`
	Message            string            `json:"message,omitempty"`
	ActiveProvider     string            `json:"active_provider"`
	AvailableProviders map[string]bool   `json:"available_providers"`
	Models             map[string]string `json:"models,omitempty"`
}

// ProviderStatus reports the active provider and which have keys.
func (s *Service) ProviderStatus() ProviderStatus {
	return providerStatus(s.pipe.Load().Settings())
}

func providerStatus(st llm.Settings) ProviderStatus {
	return ProviderStatus{
		ActiveProvider:     st.Active,
		AvailableProviders: st.Available(),
		Models:             st.Models(),
	}
}

// SwitchProvider makes name the active provider. A provider without a key
// yields *llm.ConfigurationError and leaves the current pipeline in place.
func (s *Service) SwitchProvider(ctx context.Context, name string) (ProviderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.pipe.Load().Settings()
	next, err := prev.WithActive(name)
	if err != nil {
		return ProviderStatus{}, err
	}
	if err := s.rebuild(next); err != nil {
		return ProviderStatus{}, err
	}
	s.log.Info("provider switched", "from", prev.Active, "to", next.Active)
	s.publish(ctx, events.SubjectProviderSwitched, "", map[string]any{"from": prev.Active, "to": next.Active})
	st := providerStatus(next)
	st.Status = "success"
	return st, nil
}

// Keys are provider credentials supplied at runtime. Empty values leave the
// current key in place.
type Keys struct {
	OpenAI string `json:"openai_key"`
	Claude string `json:"claude_key"`
	Gemini string `json:"gemini_key"`
}

// UpdateKeys stores new provider keys and rebuilds the pipeline.
func (s *Service) UpdateKeys(ctx context.Context, k Keys) (ProviderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.pipe.Load().Settings().
		WithAPIKey(llm.OpenAI, k.OpenAI).
		WithAPIKey(llm.Anthropic, k.Claude).
		WithAPIKey(llm.Google, k.Gemini)
	if err := s.rebuild(next); err != nil {
		return ProviderStatus{}, err
	}
	s.log.Info("provider keys updated", "configured", next.Configured())
	st := providerStatus(next)
	st.Status = "success"
	st.Message = "API keys updated successfully"
	return st, nil
}

func (s *Service) rebuild(settings llm.Settings) error {
	p, err := pipeline.New(settings, s.deps)
	if err != nil {
		return err
	}
	s.pipe.Store(p)
	return nil
}

func (s *Service) publish(ctx context.Context, subject, sessionID string, payload map[string]any) {
	if err := s.events.Publish(context.WithoutCancel(ctx), events.New(subject, sessionID, payload)); err != nil {
		s.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}

func sessionOrDefault(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return session.DefaultID
	}
	return id
}
