package signals

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPENAI BACKEND - chat/completions with JSON response format
// ═══════════════════════════════════════════════════════════════════════════════

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint
type OpenAIBackend struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIBackend creates a new OpenAI backend. baseURL is the host root, e.g. https://api.openai.com
func NewOpenAIBackend(apiKey, model, baseURL string, timeout time.Duration) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIBackend{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the model name recorded with each signal
func (b *OpenAIBackend) Model() string {
	return b.model
}

type chatPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	Temperature    float64           `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one extraction request and returns the raw message content
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	parts := []chatPart{{Type: "text", Text: req.UserText}}
	// first image only
	if len(req.ImagePaths) > 0 {
		dataURL, err := imageDataURL(req.ImagePaths[0])
		if err != nil {
			return "", fmt.Errorf("attach image: %w", err)
		}
		parts = append(parts, chatPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}})
	}

	payload := chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: parts},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		Temperature:    0,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: %s", ErrRateLimited, truncate(respBody))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return "", fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, truncate(respBody))
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("extraction backend error %d: %s", resp.StatusCode, truncate(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return out.Choices[0].Message.Content, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func imageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := "image/jpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".webp":
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func truncate(b []byte) string {
	const limit = 300
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
