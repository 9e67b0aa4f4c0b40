package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx answer from a model provider.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api error: %d %s", e.Provider, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// Temporary reports whether the provider asked to be retried later.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

const generationTimeout = 120 * time.Second

func newHTTPClient() *http.Client { return &http.Client{Timeout: generationTimeout} }

// postJSON sends in as JSON and decodes a 2xx body into out. On failure it
// asks errMessage to pull a human message out of the provider's error body.
func postJSON(ctx context.Context, hc *http.Client, provider, url string, header http.Header, in, out any, errMessage func([]byte) string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Provider: provider, Status: resp.StatusCode, Message: strings.TrimSpace(errMessage(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", provider, err)
	}
	return nil
}

// nestedMessage reads {"error":{"message":"..."}}, the shape Gemini and
// OpenAI-compatible servers share.
func nestedMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	return body.Error.Message
}

func chatMessages(systemPrompt, userPrompt string) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	return append(msgs, chatMessage{Role: "user", Content: userPrompt})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
