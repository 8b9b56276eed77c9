package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trustgate/internal/logging"
)

// OllamaClient completes prompts against a local Ollama /api/generate.
type OllamaClient struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	retryBase  time.Duration
}

// NewOllamaClient creates an Ollama completion client.
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
		retryBase:  500 * time.Millisecond,
	}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Complete implements types.LLMClient. Transport errors, 429 and 5xx are
// retried with exponential backoff; other statuses fail immediately.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]interface{}{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var out string
	err = withRetry(ctx, c.retryBase, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retryable(fmt.Errorf("ollama request failed: %w", err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retryable(fmt.Errorf("failed to read response: %w", err))
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return retryable(errRateLimited)
		case resp.StatusCode >= 500:
			return retryable(fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(raw)))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(raw))
		}

		var parsed ollamaGenerateResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != "" {
			return fmt.Errorf("ollama error: %s", parsed.Error)
		}
		out = strings.TrimSpace(parsed.Response)
		return nil
	})
	if err != nil {
		logging.Get(logging.CategoryLLM).Warn("ollama completion failed after %v: %v", time.Since(start), err)
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("no completion returned")
	}

	logging.LLMDebug("ollama completion: model=%s response_len=%d in %v", c.model, len(out), time.Since(start))
	return out, nil
}
