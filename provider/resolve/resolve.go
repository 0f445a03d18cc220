// Package resolve builds an oasis.LLMEngine from a provider name and
// connection settings, so callers configure a model by name instead of
// importing a specific vendor package.
package resolve

import (
	"fmt"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat engine.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // overrides the default URL; auto-filled for known providers, unknown providers are rejected

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	Thinking    *bool
}

// Provider creates an oasis.LLMEngine from a provider-agnostic Config.
// Every known provider, Gemini included, speaks the OpenAI-compatible
// chat-completions wire format: Gemini exposes its own compatibility
// endpoint, so a single openaicompat client covers the whole list.
func Provider(cfg Config) (oasis.LLMEngine, error) {
	switch cfg.Provider {
	case "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	case "":
		return nil, fmt.Errorf("resolve: provider is required")
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func openaiCompatProvider(cfg Config) oasis.LLMEngine {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	// Thinking has no equivalent in the OpenAI-compatible request body
	// this package builds; silently ignored for every provider,
	// Gemini included, rather than erroring on a field we can't honor.
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
