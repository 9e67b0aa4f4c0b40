package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// OpenAICompatGenerator calls a /chat/completions endpoint. baseURL carries
// the version prefix, e.g. http://localhost:8000/v1. Local servers may run
// without an API key.
type OpenAICompatGenerator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	hc          *http.Client
}

func NewOpenAICompatGenerator(baseURL, apiKey, model string, temperature float64) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:      strings.TrimSpace(apiKey),
		model:       strings.TrimSpace(model),
		temperature: temperature,
		hc:          newHTTPClient(),
	}
}

func (g *OpenAICompatGenerator) Model() string { return g.model }

func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", errors.New("openai-compat generation model required")
	}
	req := openAIRequest{
		Model:       g.model,
		Messages:    chatMessages(systemPrompt, userPrompt),
		Temperature: g.temperature,
	}
	var header http.Header
	if g.apiKey != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+g.apiKey)
	}
	var resp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, g.hc, "openai-compat", g.baseURL+"/chat/completions", header, req, &resp, nestedMessage); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("empty response from openai-compat api")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}
