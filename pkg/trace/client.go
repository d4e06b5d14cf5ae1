// Package trace records agent invocations as Langfuse traces. Each agent run
// becomes one trace with a generation per model turn and a span per tool
// batch; everything is buffered in memory and shipped in a single ingestion
// call when the run ends, so tracing never sits on the request path.
package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencanvas/collabd/pkg/config"
)

const (
	ingestionPath = "/api/public/ingestion"
	healthPath    = "/api/public/health"
)

// Event is one element of a Langfuse ingestion batch.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Body      any       `json:"body"`
}

// Event types understood by the ingestion API.
const (
	EventTraceCreate      = "trace-create"
	EventGenerationCreate = "generation-create"
	EventSpanCreate       = "span-create"
)

// Usage is Langfuse's token accounting shape.
type Usage struct {
	Input  int    `json:"input"`
	Output int    `json:"output"`
	Total  int    `json:"total"`
	Unit   string `json:"unit,omitempty"`
}

// Client ships trace batches to a Langfuse host. A client built from empty
// credentials is disabled: Ingest drops batches silently and Health reports
// the missing configuration.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	host      string
	publicKey string
	secretKey string
	enabled   bool
}

// NewClient builds a Langfuse client from configuration.
func NewClient(cfg config.Langfuse) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default().With("component", "langfuse"),
		host:       cfg.Host,
		publicKey:  cfg.PublicKey,
		secretKey:  cfg.SecretKey,
		enabled:    cfg.Enabled(),
	}
}

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

type ingestionRequest struct {
	Batch []Event `json:"batch"`
}

type ingestionResult struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type ingestionResponse struct {
	Successes []ingestionResult `json:"successes"`
	Errors    []ingestionResult `json:"errors"`
}

// Ingest sends one batch of events. The ingestion API answers 207 with
// per-event results; events rejected there are logged and the batch still
// counts as delivered.
func (c *Client) Ingest(ctx context.Context, events []Event) error {
	if !c.enabled || len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(ingestionRequest{Batch: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+ingestionPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ship batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusMultiStatus {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("langfuse returned HTTP %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded ingestionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil && len(decoded.Errors) > 0 {
		for _, e := range decoded.Errors {
			c.logger.Warn("Langfuse rejected event", "event_id", e.ID, "status", e.Status, "message", e.Message)
		}
	}
	return nil
}

// Health verifies the Langfuse host is reachable and the credentials are
// accepted. Used by the observability check endpoint.
func (c *Client) Health(ctx context.Context) error {
	if !c.enabled {
		return fmt.Errorf("langfuse credentials not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+healthPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach langfuse: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("langfuse health returned HTTP %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
