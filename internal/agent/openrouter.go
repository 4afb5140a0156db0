package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenRouter is a Model using the OpenRouter chat completions API.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
	maxRetries int
}

// OpenRouterOption configures the OpenRouter client.
type OpenRouterOption func(*OpenRouter)

// WithAPIKey sets the API key.
func WithAPIKey(key string) OpenRouterOption {
	return func(o *OpenRouter) {
		o.apiKey = key
	}
}

// WithModel sets the model, in provider/model form.
func WithModel(model string) OpenRouterOption {
	return func(o *OpenRouter) {
		o.model = model
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) OpenRouterOption {
	return func(o *OpenRouter) {
		o.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenRouterOption {
	return func(o *OpenRouter) {
		o.httpClient = client
	}
}

// WithMaxRetries sets how often rate-limited or failed requests are retried.
func WithMaxRetries(n int) OpenRouterOption {
	return func(o *OpenRouter) {
		o.maxRetries = n
	}
}

// Default OpenRouter configuration values
const (
	DefaultOpenRouterTimeout = 5 * time.Minute
	DefaultOpenRouterModel   = "google/gemini-2.5-flash"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates an OpenRouter client.
func NewOpenRouter(opts ...OpenRouterOption) *OpenRouter {
	o := &OpenRouter{
		apiKey:     os.Getenv("OPENROUTER_API_KEY"),
		baseURL:    DefaultOpenRouterBaseURL,
		httpClient: &http.Client{Timeout: DefaultOpenRouterTimeout},
		model:      DefaultOpenRouterModel,
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openRouterResponseFormat struct {
	Type       string                `json:"type"`
	JSONSchema *openRouterJSONSchema `json:"json_schema,omitempty"`
}

type openRouterRequest struct {
	Model          string                    `json:"model"`
	Messages       []openRouterMessage       `json:"messages"`
	Temperature    float64                   `json:"temperature"`
	ResponseFormat *openRouterResponseFormat `json:"response_format,omitempty"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Name returns "openrouter:<model>".
func (o *OpenRouter) Name() string {
	return "openrouter:" + o.model
}

// Complete sends one chat completion request.
func (o *OpenRouter) Complete(ctx context.Context, c Completion) (string, error) {
	if o.apiKey == "" {
		return "", fmt.Errorf("openrouter: API key is empty")
	}

	req := &openRouterRequest{
		Model:       o.model,
		Temperature: c.Temperature,
	}
	if c.System != "" {
		req.Messages = append(req.Messages, openRouterMessage{Role: "system", Content: c.System})
	}
	req.Messages = append(req.Messages, openRouterMessage{Role: "user", Content: c.Prompt})
	if c.Schema != nil {
		req.ResponseFormat = &openRouterResponseFormat{
			Type: "json_schema",
			JSONSchema: &openRouterJSONSchema{
				Name:   c.Schema.Name,
				Strict: true,
				Schema: c.Schema.JSONSchema(),
			},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}
		text, retry, err := o.do(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return "", lastErr
}

// do performs one HTTP round trip. retry reports whether the failure is
// transient.
func (o *OpenRouter) do(ctx context.Context, body *openRouterRequest) (string, bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", false, fmt.Errorf("openrouter: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", false, fmt.Errorf("openrouter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("X-Title", "scenefactory")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("openrouter: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", true, fmt.Errorf("openrouter: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}

	var parsed openRouterResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("openrouter: parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("openrouter: API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("openrouter: no completion returned")
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", false, fmt.Errorf("openrouter: empty completion (finish reason %s)", parsed.Choices[0].FinishReason)
	}
	return text, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
