// Package llm provides an OpenAI-compatible chat completion client with
// retry and error classification, plus the planner built on top of it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize bounds the completion response body.
const maxResponseSize = 10 * 1024 * 1024

// Config identifies the completion endpoint and model.
type Config struct {
	// Endpoint is the API base, e.g. "http://localhost:11434/v1". The chat
	// completions path is appended.
	Endpoint string `yaml:"endpoint"`

	// Model is the model name passed through to the endpoint.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token when set. Loaded from the environment,
	// never from config files.
	APIKey string `yaml:"-"`

	// Temperature controls sampling randomness.
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds a single completion request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns planner endpoint defaults suitable for a local
// OpenAI-compatible server.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "http://localhost:11434/v1",
		Model:       "qwen2.5-coder:14b",
		Temperature: 0.2,
		Timeout:     2 * time.Minute,
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the distilled completion result.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	TotalTokens  int
}

// Client talks to one OpenAI-compatible chat completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      RetryConfig
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryConfig overrides the completion retry configuration.
func WithRetryConfig(rc RetryConfig) ClientOption {
	return func(cl *Client) { cl.retry = rc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

// NewClient creates a client for the configured endpoint.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		cfg:   cfg,
		retry: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends the messages and returns the first choice, retrying
// transient failures with exponential backoff.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if len(messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		backoff := c.backoff(attempt)
		c.logger.Debug("completion failed, retrying",
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// backoff computes the delay before the next attempt, with +/- 25% jitter so
// concurrent workers do not retry in lockstep.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}

	d := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// doRequest executes a single completion call.
func (c *Client) doRequest(ctx context.Context, messages []Message) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal request: %w", err))
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending completion request",
		"model", c.cfg.Model,
		"url", url,
		"messages", len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("completion request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewTransientError(fmt.Errorf("response contained no choices"))
	}

	model := parsed.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, nil
}

// classifyHTTPError maps HTTP failures to transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	err := fmt.Errorf("completion API error (status %d): %s", statusCode, detail)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
