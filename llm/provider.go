// Package llm provides the extraction providers behind one completion
// interface. Every provider talks plain HTTP with a bounded client.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns the provider name used in logs and on the record.
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // 0 = provider default
	Temperature float64 // 0 = deterministic
	Format      string  // "json" for structured output
	System      string
}

// Config holds provider configuration.
type Config struct {
	Provider string // gemini, openai, copilot, mistral, groq, anthropic
	Model    string
	APIKey   string
	BaseURL  string // optional override, used by tests
	Client   *http.Client
}

type openAIPreset struct {
	baseURL string
	model   string
}

var openAIPresets = map[string]openAIPreset{
	"openai":  {"https://api.openai.com/v1", "gpt-4o-mini"},
	"copilot": {"https://api.githubcopilot.com", "gpt-4o"},
	"mistral": {"https://api.mistral.ai/v1", "mistral-small-latest"},
	"groq":    {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(cfg.Provider)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s provider requires an API key", name)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}

	switch name {
	case "gemini":
		return &geminiProvider{
			apiKey:  cfg.APIKey,
			model:   orDefault(cfg.Model, "gemini-2.5-flash"),
			baseURL: orDefault(cfg.BaseURL, "https://generativelanguage.googleapis.com/v1beta"),
			client:  client,
		}, nil

	case "anthropic":
		return &anthropicProvider{
			apiKey:  cfg.APIKey,
			model:   orDefault(cfg.Model, "claude-sonnet-4-20250514"),
			baseURL: orDefault(cfg.BaseURL, "https://api.anthropic.com/v1"),
			client:  client,
		}, nil

	default:
		preset, ok := openAIPresets[name]
		if !ok {
			return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
		}
		return &openAIProvider{
			name:    name,
			apiKey:  cfg.APIKey,
			model:   orDefault(cfg.Model, preset.model),
			baseURL: orDefault(cfg.BaseURL, preset.baseURL),
			client:  client,
		}, nil
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
