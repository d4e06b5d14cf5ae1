package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/llm"
	"github.com/opencanvas/collabd/pkg/metrics"
	"github.com/opencanvas/collabd/pkg/store"
	"github.com/opencanvas/collabd/pkg/trace"
)

const (
	commitTimeout = 15 * time.Second
	flushTimeout  = 10 * time.Second
)

// SnapshotReader provides the board contents when the request does not carry
// its own snapshot.
type SnapshotReader interface {
	ReadObjects(ctx context.Context, boardID string) ([]*board.Object, error)
}

// BatchApplier commits the plan. The hub registry implements it, which routes
// the batch through the board's serialization point like any other writer.
type BatchApplier interface {
	Apply(ctx context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error)
}

// Executor drives the tool-calling loop for one board command at a time.
// Invocations do not coordinate with each other; concurrent runs converge on
// the board through last-writer-wins like any other pair of writers.
type Executor struct {
	llm     llm.Client
	reader  SnapshotReader
	applier BatchApplier
	tracer  *trace.Tracer
	cfg     config.Agent
	logger  *slog.Logger
}

// NewExecutor builds an executor.
func NewExecutor(client llm.Client, reader SnapshotReader, applier BatchApplier, tracer *trace.Tracer, cfg config.Agent) *Executor {
	return &Executor{
		llm:     client,
		reader:  reader,
		applier: applier,
		tracer:  tracer,
		cfg:     cfg,
		logger:  slog.Default().With("component", "agent"),
	}
}

// Run executes one command: snapshot, turn loop, auto-fit, atomic commit.
// A turn that times out ends the loop; if the plan already holds writes they
// are committed and the result is marked partial, otherwise the run fails and
// the caller may retry.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	start := time.Now()

	snapshot := cmd.BoardState
	if len(snapshot) == 0 {
		var err error
		snapshot, err = e.reader.ReadObjects(ctx, cmd.BoardID)
		if err != nil {
			return nil, fmt.Errorf("read board %s: %w", cmd.BoardID, err)
		}
	}

	tr := e.tracer.Start("board-agent", cmd.UserID, cmd.BoardID, cmd.Command)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		_ = tr.End(flushCtx)
	}()

	e.logger.Info("Agent run started",
		"board_id", cmd.BoardID,
		"user_id", cmd.UserID,
		"trace_id", tr.ID(),
		"snapshot_objects", len(snapshot),
		"command_chars", len(cmd.Command))

	p := newPlan(snapshot)
	messages := []llm.Message{buildOpeningMessage(cmd.Command, board.Visible(snapshot))}

	var (
		summary   string
		completed bool
		partial   bool
		nudged    bool
		turns     int
	)
	outcome := "error"
	defer func() {
		metrics.AgentCommands.WithLabelValues(outcome).Inc()
		metrics.AgentTurns.Observe(float64(turns))
	}()

	for turn := 0; turn < e.cfg.MaxTurns; turn++ {
		turns = turn + 1

		turnCtx, cancelTurn := context.WithTimeout(ctx, e.cfg.PerTurnTimeout)
		turnStart := time.Now()
		resp, err := e.llm.Complete(turnCtx, &llm.Request{
			System:   systemPrompt,
			Messages: messages,
			Tools:    ToolDefinitions(),
		})
		cancelTurn()

		if err != nil {
			tr.Generation(turnName(turn), e.cfg.AnthropicModel, turnStart, time.Now(),
				turnMeta(turn, messages), nil, trace.Usage{}, err.Error())
			if p.hasWrites() {
				e.logger.Warn("Model call failed mid-run, committing collected plan",
					"board_id", cmd.BoardID, "turn", turn, "error", err)
				partial = true
				break
			}
			tr.SetOutput(fmt.Sprintf("failed: %v", err))
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		model := resp.Model
		if model == "" {
			model = e.cfg.AnthropicModel
		}
		tr.Generation(turnName(turn), model, turnStart, time.Now(),
			turnMeta(turn, messages), turnOutput(resp),
			trace.Usage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}, "")

		uses := resp.ToolUses()
		if len(uses) == 0 {
			// A prose-only opening turn gets one push toward the tools;
			// afterwards, prose means the model is done.
			if turn == 0 && !nudged {
				nudged = true
				messages = append(messages,
					llm.AssistantMessage(resp.Content...),
					llm.UserMessage(llm.TextBlock(mustUseToolsNudge)))
				continue
			}
			summary = strings.TrimSpace(resp.Text())
			completed = true
			break
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		toolStart := time.Now()
		results := make([]llm.ContentBlock, 0, len(uses)+1)
		names := make([]string, 0, len(uses))
		for _, use := range uses {
			content, isError := p.execute(use)
			callOutcome := "ok"
			if isError {
				callOutcome = "rejected"
			}
			metrics.AgentToolCalls.WithLabelValues(use.Name, callOutcome).Inc()
			results = append(results, llm.ToolResultBlock(use.ID, content, isError))
			names = append(names, use.Name)
		}
		tr.Span(fmt.Sprintf("tools-%d", turn), toolStart, time.Now(), names, len(results))

		if len(uses) == 1 {
			results = append(results, llm.TextBlock(batchCallsNudge))
		}
		messages = append(messages, llm.UserMessage(results...))
	}

	if !completed && !partial {
		// Turn ceiling reached.
		if !p.hasWrites() {
			tr.SetOutput("failed: turn limit reached with nothing planned")
			return nil, fmt.Errorf("%w: turn limit reached", ErrNoActions)
		}
		partial = true
	}
	if p.successes == 0 && p.failures > 0 {
		tr.SetOutput(fmt.Sprintf("failed: all %d tool calls rejected", p.failures))
		return nil, fmt.Errorf("%w: all %d tool calls were rejected", ErrNoActions, p.failures)
	}

	if p.hasWrites() {
		fitWrites := autoFitFrames(p.state, e.cfg.PadSide, e.cfg.PadTop, e.cfg.PadBottom)
		p.writes = append(p.writes, fitWrites...)

		// The commit must survive a caller that has already gone away;
		// the plan is complete and other subscribers are waiting on it.
		commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		commitStart := time.Now()
		set, err := e.applier.Apply(commitCtx, cmd.BoardID, cmd.UserID, p.writes)
		cancelCommit()
		if err != nil {
			tr.SetOutput(fmt.Sprintf("failed: %v", err))
			return nil, fmt.Errorf("commit plan: %w", err)
		}
		committed := 0
		if set != nil {
			committed = len(set.Objects)
		}
		tr.Span("commit", commitStart, time.Now(),
			map[string]any{"writes": len(p.writes), "auto_fit": len(fitWrites)}, committed)
	}

	summary = finishSummary(summary, partial, p.successes)
	tr.SetOutput(map[string]any{"summary": summary, "actions": len(p.actions), "partial": partial})

	outcome = "ok"
	if partial {
		outcome = "partial"
	}

	usage := tr.Usage()
	e.logger.Info("Agent run complete",
		"board_id", cmd.BoardID,
		"user_id", cmd.UserID,
		"trace_id", tr.ID(),
		"turns", turns,
		"actions", len(p.actions),
		"writes", len(p.writes),
		"partial", partial,
		"input_tokens", usage.Input,
		"output_tokens", usage.Output,
		"duration_ms", time.Since(start).Milliseconds())

	return &Result{
		Actions: p.actions,
		Summary: summary,
		Partial: partial,
		Usage:   usage,
	}, nil
}

func finishSummary(summary string, partial bool, successes int) string {
	if summary == "" {
		switch {
		case partial:
			return fmt.Sprintf("Partially completed: applied %d actions before the run was cut short.", successes)
		case successes > 0:
			return fmt.Sprintf("Completed %d actions.", successes)
		default:
			return "No changes were made."
		}
	}
	if partial {
		return summary + " (partially completed)"
	}
	return summary
}

func turnName(turn int) string {
	return fmt.Sprintf("turn-%d", turn)
}

func turnMeta(turn int, messages []llm.Message) map[string]any {
	return map[string]any{"turn": turn, "messages": len(messages)}
}

func turnOutput(resp *llm.Response) map[string]any {
	out := map[string]any{"stop_reason": resp.StopReason}
	if text := resp.Text(); text != "" {
		out["text"] = truncateText(text, 2000)
	}
	if uses := resp.ToolUses(); len(uses) > 0 {
		names := make([]string, 0, len(uses))
		for _, u := range uses {
			names = append(names, u.Name)
		}
		out["tool_calls"] = names
	}
	return out
}
