package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/metrics"
)

const (
	anthropicVersion  = "2023-06-01"
	messagesPath      = "/v1/messages"
	defaultMaxRetries = 2

	// Consecutive failures before the breaker opens, and how long it
	// stays open before probing again.
	breakerTripThreshold = 5
	breakerOpenTimeout   = 30 * time.Second
)

// AnthropicClient calls the Anthropic Messages API over HTTP. A circuit
// breaker guards the upstream: after repeated transport or 5xx failures,
// calls fail fast instead of piling onto a struggling service.
type AnthropicClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger

	apiKey    string
	model     string
	baseURL   string
	maxTokens int

	maxRetries           int
	retryInitialInterval time.Duration
}

// NewAnthropicClient builds a client from the agent configuration.
func NewAnthropicClient(cfg config.Agent) *AnthropicClient {
	c := &AnthropicClient{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		logger:     slog.Default().With("component", "anthropic"),

		apiKey:    cfg.AnthropicAPIKey,
		model:     cfg.AnthropicModel,
		baseURL:   cfg.AnthropicBaseURL,
		maxTokens: cfg.MaxTokens,

		maxRetries:           defaultMaxRetries,
		retryInitialInterval: 500 * time.Millisecond,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		IsSuccessful: func(err error) bool {
			// Client-side mistakes (4xx other than rate limits) say
			// nothing about upstream health and must not trip the
			// breaker.
			if err == nil {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Transient()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return c
}

// Complete implements Client. Transient failures are retried with
// exponential backoff; an open breaker or a non-retryable API error aborts
// immediately.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	op := func() error {
		r, err := c.breaker.Execute(func() (any, error) {
			return c.send(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("model unavailable: %w", err))
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Transient() {
				return backoff.Permanent(err)
			}
			c.logger.Warn("Model call failed, will retry", "error", err)
			return err
		}
		resp = r.(*Response)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitialInterval
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) send(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call model: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(httpResp)
	}

	var decoded messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp := &Response{
		ID:         decoded.ID,
		Model:      decoded.Model,
		StopReason: decoded.StopReason,
		Content:    decoded.Content,
		Usage:      decoded.Usage,
	}

	metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
	metrics.LLMTokens.WithLabelValues("input").Add(float64(decoded.Usage.InputTokens))
	metrics.LLMTokens.WithLabelValues("output").Add(float64(decoded.Usage.OutputTokens))

	// Message bodies are never logged; they carry user board content.
	c.logger.Debug("Model call complete",
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.ToolUses()),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		apiErr.Message = fmt.Sprintf("unreadable error body: %v", err)
		return apiErr
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
		return apiErr
	}

	apiErr.Message = string(body)
	return apiErr
}
