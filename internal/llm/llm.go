// Package llm handles provider selection, credentials, and bounded
// completion calls against the configured LLM backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dshills/carecall/internal/logger"
)

// Canonical provider names.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Google    = "google"
)

// DefaultTimeout bounds a single completion call when Settings.Timeout is
// zero.
const DefaultTimeout = 30 * time.Second

// ErrNotConfigured is returned by the placeholder provider used when the
// active provider has no API key.
var ErrNotConfigured = errors.New("llm: provider not configured")

// Provider is the interface for LLM backends.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// JSONMode is implemented by providers whose backend can be told to emit
// JSON only.
type JSONMode interface {
	NativeJSON() bool
}

// NewProvider is the factory for creating LLM providers. It is a package-level
// variable so tests can replace it with a mock without modifying the call site.
// Tests must restore the original value; use t.Cleanup to do so safely.
var NewProvider func(providerName, apiKey, model string) (Provider, error) = defaultNewProvider

// ConfigurationError reports a provider that cannot be used as configured.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("llm: provider %q: %s", e.Provider, e.Reason)
}

// Canonical maps a provider name or alias to its canonical name. Unknown
// names are returned lowercased and trimmed.
func Canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "claude":
		return Anthropic
	case "gemini":
		return Google
	}
	return n
}

// ProviderConfig is the credential and model for one provider.
type ProviderConfig struct {
	APIKey string
	Model  string
}

// Settings is an immutable description of the provider configuration.
// Methods return modified copies.
type Settings struct {
	Active      string
	Providers   map[string]ProviderConfig
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultSettings returns settings with the default models and no keys.
func DefaultSettings() Settings {
	return Settings{
		Active: OpenAI,
		Providers: map[string]ProviderConfig{
			OpenAI:    {Model: "gpt-4o-mini"},
			Anthropic: {Model: "claude-3-opus-20240229"},
			Google:    {Model: "gemini-1.5-flash"},
		},
		MaxTokens:   2000,
		Temperature: 0.3,
		Timeout:     DefaultTimeout,
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Providers = make(map[string]ProviderConfig, len(s.Providers))
	for k, v := range s.Providers {
		out.Providers[k] = v
	}
	return out
}

// WithActive returns settings with name as the active provider. A provider
// that is unknown or has no API key yields a *ConfigurationError.
func (s Settings) WithActive(name string) (Settings, error) {
	canon := Canonical(name)
	pc, ok := s.Providers[canon]
	if !ok {
		return s, &ConfigurationError{Provider: name, Reason: "unknown provider"}
	}
	if pc.APIKey == "" {
		return s, &ConfigurationError{Provider: canon, Reason: "no API key configured"}
	}
	out := s.clone()
	out.Active = canon
	return out, nil
}

// WithAPIKey returns settings with the key for name replaced. An empty key
// leaves the existing one in place.
func (s Settings) WithAPIKey(name, key string) Settings {
	key = strings.TrimSpace(key)
	if key == "" {
		return s
	}
	canon := Canonical(name)
	out := s.clone()
	pc := out.Providers[canon]
	pc.APIKey = key
	out.Providers[canon] = pc
	return out
}

// Available reports, per canonical provider name, whether a key is set.
func (s Settings) Available() map[string]bool {
	out := make(map[string]bool, len(s.Providers))
	for name, pc := range s.Providers {
		out[name] = pc.APIKey != ""
	}
	return out
}

// Configured returns the names of providers with a key, sorted.
func (s Settings) Configured() []string {
	var names []string
	for name, ok := range s.Available() {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Models returns the configured model per provider.
func (s Settings) Models() map[string]string {
	out := make(map[string]string, len(s.Providers))
	for name, pc := range s.Providers {
		out[name] = pc.Model
	}
	return out
}

// ActiveConfigured reports whether the active provider has a key.
func (s Settings) ActiveConfigured() bool {
	return s.Providers[s.Active].APIKey != ""
}

func (s Settings) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// jsonOnlySuffix is appended to the system prompt for providers without a
// native JSON mode.
const jsonOnlySuffix = "\n\nRespond with a single valid JSON object only. " +
	"Do not wrap it in markdown code fences and do not add any text before or after it."

// Gateway issues completion calls against the active provider.
type Gateway struct {
	settings Settings
	provider Provider
	log      *logger.Logger
}

// NewGateway builds a gateway for the active provider in settings. When the
// active provider has no key the gateway is still returned, but every call
// fails with ErrNotConfigured so callers fall through to their fallbacks.
func NewGateway(settings Settings, log *logger.Logger) (*Gateway, error) {
	if log == nil {
		log = logger.Nop()
	}
	settings = settings.clone()
	settings.Active = Canonical(settings.Active)
	g := &Gateway{settings: settings, log: log}
	if !settings.ActiveConfigured() {
		log.Warn("active provider has no API key; AI calls will fall back", "provider", settings.Active)
		g.provider = unconfiguredProvider{name: settings.Active}
		return g, nil
	}
	pc := settings.Providers[settings.Active]
	p, err := NewProvider(settings.Active, pc.APIKey, pc.Model)
	if err != nil {
		return nil, fmt.Errorf("llm: create provider: %w", err)
	}
	g.provider = p
	return g, nil
}

// Complete sends one prompt pair to the active provider, bounded by the
// configured timeout and the caller's context.
func (g *Gateway) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, g.settings.timeout())
	defer cancel()

	if jm, ok := g.provider.(JSONMode); !ok || !jm.NativeJSON() {
		systemPrompt += jsonOnlySuffix
	}
	start := time.Now()
	out, err := g.provider.Complete(ctx, systemPrompt, userPrompt, g.settings.MaxTokens, g.settings.Temperature)
	if err != nil {
		g.log.Warn("completion failed", "provider", g.settings.Active, "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("llm: %s: %w", g.settings.Active, err)
	}
	g.log.Debug("completion ok", "provider", g.settings.Active, "chars", len(out), "elapsed", time.Since(start))
	return out, nil
}

// CurrentModel returns the model used by the active provider.
func (g *Gateway) CurrentModel() string {
	return g.settings.Providers[g.settings.Active].Model
}

// ProviderName returns the canonical name of the active provider.
func (g *Gateway) ProviderName() string {
	return g.settings.Active
}

// Configured reports whether the active provider has a credential.
func (g *Gateway) Configured() bool {
	return g.settings.ActiveConfigured()
}

// Settings returns the gateway's settings.
func (g *Gateway) Settings() Settings {
	return g.settings.clone()
}

type unconfiguredProvider struct{ name string }

func (p unconfiguredProvider) Complete(context.Context, string, string, int, float64) (string, error) {
	return "", fmt.Errorf("%w: %s has no API key", ErrNotConfigured, p.name)
}

// defaultNewProvider dispatches to the appropriate provider implementation.
func defaultNewProvider(providerName, apiKey, model string) (Provider, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{Provider: providerName, Reason: "no API key configured"}
	}
	switch Canonical(providerName) {
	case OpenAI:
		return newOpenAIProvider(apiKey, model), nil
	case Anthropic:
		return newAnthropicProvider(apiKey, model), nil
	case Google:
		return newGoogleProvider(apiKey, model), nil
	default:
		return nil, &ConfigurationError{Provider: providerName, Reason: "unknown provider"}
	}
}
