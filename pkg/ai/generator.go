package ai

import (
	"context"
	"fmt"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ModelNamer is implemented by generators that can report the model they call.
// The name is persisted as model_used on drafted reports.
type ModelNamer interface {
	Model() string
}

const (
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai-compat"
)

// Config selects and configures a TextGenerator.
type Config struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"baseURL"`
	APIKey      string  `yaml:"apiKey"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// NewTextGenerator builds the generator named by cfg.Provider.
func NewTextGenerator(cfg Config) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		gen, err := NewGeminiGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Temperature)
		if err != nil {
			return nil, err
		}
		return gen, nil
	case ProviderOllama:
		return NewOllamaGenerator(cfg.BaseURL, cfg.Model, cfg.Temperature), nil
	case ProviderOpenAICompat, "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

// ModelName returns the generator's model name, or fallback when unknown.
func ModelName(g TextGenerator, fallback string) string {
	if n, ok := g.(ModelNamer); ok {
		if m := strings.TrimSpace(n.Model()); m != "" {
			return m
		}
	}
	return fallback
}
