// Package llm provides a provider-agnostic text-generation client with
// per-call timeouts and transient/fatal error classification.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// defaultCallTimeout is the hard per-call deadline. A call that exceeds
// it is treated as transient so the pipeline can continue with the next
// batch.
const defaultCallTimeout = 120 * time.Second

// Endpoint identifies one configured generation backend. The values are
// supplied by the credential store; the client only consumes them.
type Endpoint struct {
	// Provider selects the wire format ("claude" or "local-model").
	Provider string

	// BaseURL overrides the provider default endpoint. For local-model
	// backends this is the server address; empty uses the default.
	BaseURL string

	// APIKey authenticates against the backend. May be empty for local
	// backends that do not require authentication.
	APIKey string

	// Model is the model identifier sent with every request.
	Model string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Usage holds the token consumption reported by the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage into this one.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Request defines a completion request.
type Request struct {
	// Model overrides the endpoint default model when non-empty.
	Model string

	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the backend default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the backend default.
	MaxTokens int
}

// Response contains a completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the model that produced the response.
	Model string

	// Usage is the reported token consumption.
	Usage Usage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// RetryConfig holds retry behavior for transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Client calls one configured generation backend.
type Client struct {
	endpoint    Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	callTimeout time.Duration
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithCallTimeout sets the hard per-call deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.callTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the given endpoint.
func NewClient(ep Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:    ep,
		retryConfig: DefaultRetryConfig(),
		callTimeout: defaultCallTimeout,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for slow generations
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the configured endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Generate sends a single-prompt completion and returns the generated
// text with token usage. It honors ctx for cooperative cancellation: a
// cancelled ctx aborts the in-flight HTTP request and returns ctx.Err().
func (c *Client) Generate(ctx context.Context, prompt, model string) (*Response, error) {
	return c.Complete(ctx, Request{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
}

// Complete sends a completion request, retrying transient failures with
// jittered exponential backoff. Fatal errors and context cancellation
// stop retrying immediately.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	model := req.Model
	if model == "" {
		model = c.endpoint.Model
	}
	if model == "" {
		return nil, NewFatalError(fmt.Errorf("no model configured"))
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, provider, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Cancellation and fatal errors are not retried.
		if errors.Is(err, context.Canceled) || IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Generation request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple clients retry at once.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request against the backend. Each
// attempt carries its own hard deadline in addition to the caller's ctx;
// whichever fires first aborts the call. A deadline hit is transient, a
// caller cancellation propagates as context.Canceled.
func (c *Client) doRequest(ctx context.Context, provider Provider, model string, req Request) (*Response, error) {
	url := provider.BuildURL(c.endpoint.BaseURL)

	body, err := provider.BuildRequestBody(model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	c.logger.Debug("Sending generation request",
		"provider", c.endpoint.Provider,
		"model", model,
		"url", url,
		"prompt_bytes", len(body))

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, c.endpoint.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Distinguish caller cancellation from a per-call deadline hit.
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, NewTransientError(fmt.Errorf("generation call timed out after %s: %w", c.callTimeout, err))
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, model)
	if err != nil {
		// Unparseable bodies are treated like a bad response from the
		// backend, not a config problem.
		return nil, NewTransientError(fmt.Errorf("parse response: %w", err))
	}

	return resp, nil
}

// classifyHTTPError determines whether an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("generation API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
