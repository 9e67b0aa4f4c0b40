package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiGenerator calls the Gemini generateContent endpoint.
type GeminiGenerator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	hc          *http.Client
}

func NewGeminiGenerator(baseURL, apiKey, model string, temperature float64) (*GeminiGenerator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiGenerator{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       strings.TrimPrefix(strings.TrimSpace(model), "models/"),
		temperature: temperature,
		hc:          newHTTPClient(),
	}, nil
}

func (g *GeminiGenerator) Model() string { return g.model }

func (g *GeminiGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", errors.New("gemini generation model required")
	}
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	if g.temperature > 0 {
		req.GenerationConfig = &geminiConfig{Temperature: g.temperature}
	}

	header := http.Header{}
	header.Set("x-goog-api-key", g.apiKey)
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	var resp geminiResponse
	if err := postJSON(ctx, g.hc, "gemini", url, header, req, &resp, nestedMessage); err != nil {
		return "", err
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 {
		for _, p := range resp.Candidates[0].Content.Parts {
			b.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("empty response from gemini")
	}
	return text, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiConfig   `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}
