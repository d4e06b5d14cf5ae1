package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracer opens traces. One Tracer lives for the process; each agent
// invocation gets its own Trace.
type Tracer struct {
	client *Client
	logger *slog.Logger
}

// NewTracer wraps a Langfuse client.
func NewTracer(client *Client) *Tracer {
	return &Tracer{
		client: client,
		logger: slog.Default().With("component", "tracer"),
	}
}

// Enabled reports whether traces will actually be shipped.
func (t *Tracer) Enabled() bool {
	return t.client.Enabled()
}

// Trace accumulates the events of one agent invocation. Methods are safe for
// concurrent use, though the executor drives them from a single goroutine.
type Trace struct {
	tracer *Tracer

	id    string
	name  string
	start time.Time

	mu     sync.Mutex
	body   traceBody
	events []Event
	usage  Usage
}

type traceBody struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Input     any       `json:"input,omitempty"`
	Output    any       `json:"output,omitempty"`
	Metadata  any       `json:"metadata,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

type generationBody struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"traceId"`
	Name          string    `json:"name"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	Model         string    `json:"model,omitempty"`
	Input         any       `json:"input,omitempty"`
	Output        any       `json:"output,omitempty"`
	Usage         *Usage    `json:"usage,omitempty"`
	Level         string    `json:"level,omitempty"`
	StatusMessage string    `json:"statusMessage,omitempty"`
}

type spanBody struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"traceId"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Input     any       `json:"input,omitempty"`
	Output    any       `json:"output,omitempty"`
	Metadata  any       `json:"metadata,omitempty"`
}

// Start opens a trace for one invocation. userID and sessionID may be empty.
func (t *Tracer) Start(name, userID, sessionID string, input any) *Trace {
	now := time.Now().UTC()
	tr := &Trace{
		tracer: t,
		id:     uuid.NewString(),
		name:   name,
		start:  now,
	}
	tr.body = traceBody{
		ID:        tr.id,
		Name:      name,
		Timestamp: now,
		UserID:    userID,
		SessionID: sessionID,
		Input:     input,
	}
	return tr
}

// ID returns the trace id, usable for cross-referencing in logs.
func (tr *Trace) ID() string {
	return tr.id
}

// Generation records one model call. usage may be zero when the call failed
// before a reply arrived.
func (tr *Trace) Generation(name, model string, start, end time.Time, input, output any, usage Usage, statusMessage string) {
	body := generationBody{
		ID:        uuid.NewString(),
		TraceID:   tr.id,
		Name:      name,
		StartTime: start,
		EndTime:   end,
		Model:     model,
		Input:     input,
		Output:    output,
	}
	if usage != (Usage{}) {
		u := usage
		if u.Unit == "" {
			u.Unit = "TOKENS"
		}
		if u.Total == 0 {
			u.Total = u.Input + u.Output
		}
		body.Usage = &u
	}
	if statusMessage != "" {
		body.Level = "ERROR"
		body.StatusMessage = statusMessage
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.usage.Input += usage.Input
	tr.usage.Output += usage.Output
	tr.events = append(tr.events, Event{
		ID:        uuid.NewString(),
		Type:      EventGenerationCreate,
		Timestamp: end,
		Body:      body,
	})
}

// Span records a non-model step, such as executing a tool batch or the
// commit itself.
func (tr *Trace) Span(name string, start, end time.Time, input, output any) {
	body := spanBody{
		ID:        uuid.NewString(),
		TraceID:   tr.id,
		Name:      name,
		StartTime: start,
		EndTime:   end,
		Input:     input,
		Output:    output,
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, Event{
		ID:        uuid.NewString(),
		Type:      EventSpanCreate,
		Timestamp: end,
		Body:      body,
	})
}

// SetOutput attaches the invocation result to the trace.
func (tr *Trace) SetOutput(output any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.body.Output = output
}

// SetMetadata attaches arbitrary metadata to the trace.
func (tr *Trace) SetMetadata(metadata any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.body.Metadata = metadata
}

// Usage returns the token usage accumulated across all generations so far.
func (tr *Trace) Usage() Usage {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	u := tr.usage
	u.Total = u.Input + u.Output
	return u
}

// End flushes the trace and all buffered events in one ingestion call.
// Shipping failures are logged and returned; callers on the request path
// treat them as best-effort.
func (tr *Trace) End(ctx context.Context) error {
	tr.mu.Lock()
	head := Event{
		ID:        uuid.NewString(),
		Type:      EventTraceCreate,
		Timestamp: tr.start,
		Body:      tr.body,
	}
	batch := append([]Event{head}, tr.events...)
	tr.events = nil
	tr.mu.Unlock()

	if err := tr.tracer.client.Ingest(ctx, batch); err != nil {
		tr.tracer.logger.Warn("Failed to ship trace", "trace_id", tr.id, "events", len(batch), "error", err)
		return err
	}
	return nil
}
