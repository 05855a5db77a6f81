// Package generator provides the content-generator client used to fabricate
// personas, objectives and synthetic activity records. It speaks the
// chat-completions protocol of OpenAI-compatible services.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"detection-lab/internal/behavior"
)

// Shape selects the expected response form.
type Shape string

const (
	ShapeText       Shape = "text"
	ShapeStructured Shape = "structured"
)

// DefaultSystemContext is used when a request sets none.
const DefaultSystemContext = "You are an expert threat intelligence researcher, detection and response engineer, and threat hunter."

// Request is a single generation request.
type Request struct {
	Prompt        string
	SystemContext string
	Schema        *behavior.Schema
	Temperature   float64
	Shape         Shape
	// N is the number of choices to request. Zero means one.
	N int
}

// Response holds the generated choices.
type Response struct {
	Choices []string
}

// Text returns the first choice.
func (r *Response) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0]
}

// Decode unmarshals the first choice into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Choices) == 0 {
		return ErrNoChoices
	}
	return json.Unmarshal([]byte(r.Choices[0]), v)
}

// Generator is implemented by content generators.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

var (
	// ErrNoChoices is returned when the service returns no choices.
	ErrNoChoices = errors.New("generator: no choices returned")

	// ErrInvalidJSON is returned when a structured response is not valid JSON
	// or does not conform to the request schema.
	ErrInvalidJSON = errors.New("generator: response is not valid JSON")
)

// GenerationError is returned once retries are exhausted.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generator: failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ClientConfig holds configuration for the generator client.
type ClientConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gpt-4-0125-preview",
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
		MinBackoff: 4 * time.Second,
		MaxBackoff: 10 * time.Second,
	}
}

// Client calls a chat-completions endpoint with bounded retry.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *clientMetrics
}

type clientMetrics struct {
	requests atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// NewClient creates a new generator client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "generator"),
		metrics:    &clientMetrics{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
	N              int            `json:"n,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Generate sends the request, retrying transient failures with exponential
// backoff bounded by the configured minimum and maximum.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	body := c.buildRequest(req)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.retries.Add(1)
			wait := c.backoff(attempt)
			c.logger.Debug("retrying generation", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		attempts++

		resp, err := c.do(ctx, body, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("generation failed", "attempt", attempt+1, "error", err)

		var perm permanentError
		if errors.As(err, &perm) {
			break
		}
	}

	c.metrics.failures.Add(1)
	return nil, &GenerationError{Attempts: attempts, Err: lastErr}
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.minBackoff << (attempt - 1)
	if wait < c.minBackoff {
		wait = c.minBackoff
	}
	if c.maxBackoff > 0 && wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	return wait
}

func (c *Client) buildRequest(req Request) chatRequest {
	system := req.SystemContext
	if system == "" {
		system = DefaultSystemContext
	}
	prompt := req.Prompt
	format := "text"
	if req.Shape == ShapeStructured {
		system += " Please only output valid JSON."
		format = "json_object"
		if req.Schema != nil {
			prompt += fmt.Sprintf("\n\nRespond with JSON that conforms to the %s schema (%s):\n```json\n%s\n```\n",
				req.Schema.Name, req.Schema.Version, req.Schema.Body)
		}
	}
	n := req.N
	if n <= 1 {
		n = 0
	}
	return chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature:    req.Temperature,
		ResponseFormat: responseFormat{Type: format},
		N:              n,
	}
}

func (c *Client) do(ctx context.Context, body chatRequest, req Request) (*Response, error) {
	c.metrics.requests.Add(1)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, permanentError{fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, permanentError{err}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrNoChoices
	}

	result := &Response{Choices: make([]string, 0, len(out.Choices))}
	for _, choice := range out.Choices {
		content := strings.TrimSpace(choice.Message.Content)
		if req.Shape == ShapeStructured {
			content = stripFence(content)
			if !json.Valid([]byte(content)) {
				return nil, ErrInvalidJSON
			}
			if err := checkSchema(req.Schema, content); err != nil {
				return nil, err
			}
		}
		result.Choices = append(result.Choices, content)
	}
	return result, nil
}

// stripFence removes a surrounding ```json fence some models emit.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// checkSchema validates a structured choice against the request schema.
// Violations are retried like any malformed response; a schema that does
// not compile is not.
func checkSchema(schema *behavior.Schema, content string) error {
	if schema == nil {
		return nil
	}
	err := schema.Validate([]byte(content))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, behavior.ErrSchemaViolation):
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	default:
		return permanentError{err}
	}
}

// Metrics returns client statistics.
func (c *Client) Metrics() ClientMetrics {
	return ClientMetrics{
		Requests: c.metrics.requests.Load(),
		Retries:  c.metrics.retries.Load(),
		Failures: c.metrics.failures.Load(),
	}
}

// ClientMetrics holds generator client statistics.
type ClientMetrics struct {
	Requests int64 `json:"requests"`
	Retries  int64 `json:"retries"`
	Failures int64 `json:"failures"`
}
