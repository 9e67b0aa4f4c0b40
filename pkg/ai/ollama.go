package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator calls a local Ollama server's /api/chat without streaming.
type OllamaGenerator struct {
	baseURL     string
	model       string
	temperature float64
	hc          *http.Client
}

func NewOllamaGenerator(baseURL, model string, temperature float64) *OllamaGenerator {
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaGenerator{
		baseURL:     baseURL,
		model:       strings.TrimSpace(model),
		temperature: temperature,
		hc:          newHTTPClient(),
	}
}

func (g *OllamaGenerator) Model() string { return g.model }

func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", errors.New("ollama generation model required")
	}
	req := ollamaRequest{
		Model:    g.model,
		Messages: chatMessages(systemPrompt, userPrompt),
	}
	if g.temperature > 0 {
		req.Options = &ollamaOptions{Temperature: g.temperature}
	}
	var resp struct {
		Message chatMessage `json:"message"`
	}
	if err := postJSON(ctx, g.hc, "ollama", g.baseURL+"/api/chat", nil, req, &resp, ollamaMessage); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", errors.New("empty response from ollama")
	}
	return text, nil
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

func ollamaMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	return body.Error
}
