package docs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Context7 fetches library documentation from the Context7 API.
type Context7 struct {
	apiKey     string
	baseURL    string
	library    string
	topic      string
	tokens     int
	httpClient *http.Client
	onSnippet  func(string)

	mu     sync.Mutex
	cached string
	done   bool
}

// Context7Option configures a Context7 client.
type Context7Option func(*Context7)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Context7Option {
	return func(c *Context7) { c.apiKey = key }
}

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Context7Option {
	return func(c *Context7) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithLibrary sets the library ID, e.g. "/manimcommunity/manim".
func WithLibrary(lib string) Context7Option {
	return func(c *Context7) { c.library = lib }
}

// WithTopic sets the documentation topic.
func WithTopic(topic string) Context7Option {
	return func(c *Context7) { c.topic = topic }
}

// WithTokens caps the size of the returned documentation.
func WithTokens(n int) Context7Option {
	return func(c *Context7) {
		if n > 0 {
			c.tokens = n
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Context7Option {
	return func(c *Context7) { c.httpClient = h }
}

// WithSnippetHook receives the first lines of every fetched document.
func WithSnippetHook(fn func(string)) Context7Option {
	return func(c *Context7) { c.onSnippet = fn }
}

// Default Context7 configuration values
const (
	DefaultContext7BaseURL = "https://context7.com/api/v1"
	DefaultContext7Library = "/manimcommunity/manim"
	DefaultContext7Tokens  = 5000
	snippetLines           = 10
)

// NewContext7 creates a Context7 client.
func NewContext7(opts ...Context7Option) *Context7 {
	c := &Context7{
		baseURL:    DefaultContext7BaseURL,
		library:    DefaultContext7Library,
		tokens:     DefaultContext7Tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the plain-text documentation of library for topic.
func (c *Context7) Fetch(ctx context.Context, library, topic string, tokens int) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("context7: API key not configured")
	}
	q := url.Values{}
	q.Set("type", "txt")
	if topic != "" {
		q.Set("topic", topic)
	}
	q.Set("tokens", strconv.Itoa(tokens))
	endpoint := c.baseURL + "/" + strings.TrimLeft(library, "/") + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("context7: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("context7: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("context7: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("context7: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("context7: no documentation for topic %q", topic)
	}
	if c.onSnippet != nil {
		c.onSnippet(firstLines(text, snippetLines))
	}
	return text, nil
}

// Reference fetches the configured library once and reuses the result.
// A failure degrades to a short note that is cached as well, so concurrent
// runs wait on at most one fetch. A fetch cut short by ctx is not cached.
func (c *Context7) Reference(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return c.cached
	}
	text, err := c.Fetch(ctx, c.library, c.topic, c.tokens)
	if err != nil {
		note := fmt.Sprintf("(Documentation for %s unavailable: %v)", c.library, err)
		if ctx.Err() == nil {
			c.cached, c.done = note, true
		}
		return note
	}
	c.cached = fmt.Sprintf("Documentation excerpt for %s:\n%s", c.library, text)
	c.done = true
	return c.cached
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
