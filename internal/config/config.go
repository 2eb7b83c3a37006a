// Package config loads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/carecall/internal/document"
	"github.com/dshills/carecall/internal/events"
	"github.com/dshills/carecall/internal/llm"
)

// Config holds every setting read from the environment. Command-line
// flags override individual fields after Load.
type Config struct {
	Port           int
	LogMode        string
	LogSalt        string
	Provider       string
	OpenAIKey      string
	AnthropicKey   string
	GoogleKey      string
	OpenAIModel    string
	AnthropicModel string
	GoogleModel    string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	RequireName    bool

	PoliciesPath string
	TemplatePath string

	SupervisorEmail    string
	RiskAssessorEmail  string
	FamilyContactEmail string

	CORSOrigins []string

	EventBus     string
	NatsURL      string
	NatsToken    string
	RedisAddr    string
	RedisChannel string
}

// Load reads Config from the environment, applying defaults for unset or
// unparseable values. It never fails.
func Load() Config {
	defaults := llm.DefaultSettings()
	recipients := document.DefaultRecipients()
	return Config{
		Port:           envInt("CARECALL_PORT", 8080),
		LogMode:        envStr("LOG_MODE", "dev"),
		LogSalt:        envStr("LOG_SALT", ""),
		Provider:       envStr("AI_PROVIDER", llm.OpenAI),
		OpenAIKey:      envStr("OPENAI_API_KEY", ""),
		AnthropicKey:   envStr("ANTHROPIC_API_KEY", envStr("CLAUDE_API_KEY", "")),
		GoogleKey:      envStr("GOOGLE_API_KEY", envStr("GEMINI_API_KEY", "")),
		OpenAIModel:    envStr("OPENAI_MODEL", defaults.Providers[llm.OpenAI].Model),
		AnthropicModel: envStr("ANTHROPIC_MODEL", defaults.Providers[llm.Anthropic].Model),
		GoogleModel:    envStr("GOOGLE_MODEL", defaults.Providers[llm.Google].Model),
		MaxTokens:      envInt("AI_MAX_TOKENS", defaults.MaxTokens),
		Temperature:    envFloat("AI_TEMPERATURE", defaults.Temperature),
		Timeout:        envDuration("AI_TIMEOUT", defaults.Timeout),
		RequireName:    envBool("REQUIRE_SERVICE_USER_NAME", false),

		PoliciesPath: envStr("POLICIES_PATH", ""),
		TemplatePath: envStr("TEMPLATE_PATH", ""),

		SupervisorEmail:    envStr("SUPERVISOR_EMAIL", recipients.Supervisor),
		RiskAssessorEmail:  envStr("RISK_ASSESSOR_EMAIL", recipients.RiskAssessor),
		FamilyContactEmail: envStr("FAMILY_CONTACT_EMAIL", recipients.FamilyContact),

		CORSOrigins: envList("CORS_ORIGINS", []string{"*"}),

		EventBus:     envStr("EVENT_BUS", "none"),
		NatsURL:      envStr("NATS_URL", "nats://localhost:4222"),
		NatsToken:    envStr("NATS_TOKEN", ""),
		RedisAddr:    envStr("REDIS_ADDR", ""),
		RedisChannel: envStr("REDIS_CHANNEL", "carecall.events"),
	}
}

// Settings returns the provider settings described by c.
func (c Config) Settings() llm.Settings {
	s := llm.DefaultSettings()
	s.Active = llm.Canonical(c.Provider)
	s.Providers = map[string]llm.ProviderConfig{
		llm.OpenAI:    {APIKey: c.OpenAIKey, Model: c.OpenAIModel},
		llm.Anthropic: {APIKey: c.AnthropicKey, Model: c.AnthropicModel},
		llm.Google:    {APIKey: c.GoogleKey, Model: c.GoogleModel},
	}
	s.MaxTokens = c.MaxTokens
	s.Temperature = c.Temperature
	s.Timeout = c.Timeout
	return s
}

// Recipients returns the email coordination addresses.
func (c Config) Recipients() document.Recipients {
	return document.Recipients{
		Supervisor:    c.SupervisorEmail,
		RiskAssessor:  c.RiskAssessorEmail,
		FamilyContact: c.FamilyContactEmail,
	}
}

// Events returns the event bus configuration.
func (c Config) Events() events.Config {
	return events.Config{
		Bus:          c.EventBus,
		NatsURL:      c.NatsURL,
		NatsToken:    c.NatsToken,
		RedisAddr:    c.RedisAddr,
		RedisChannel: c.RedisChannel,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("45s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
