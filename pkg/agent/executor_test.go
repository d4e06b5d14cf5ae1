package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/llm"
	"github.com/opencanvas/collabd/pkg/store"
	"github.com/opencanvas/collabd/pkg/trace"
)

// scriptedTurn is one canned model response. A non-zero delay makes the fake
// block until the turn context expires, simulating a stalled upstream.
type scriptedTurn struct {
	resp  *llm.Response
	err   error
	delay time.Duration
}

type scriptedClient struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []*llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	snapshot := &llm.Request{
		System:   req.System,
		Tools:    req.Tools,
		Messages: append([]llm.Message(nil), req.Messages...),
	}
	c.requests = append(c.requests, snapshot)
	turn := len(c.requests) - 1
	c.mu.Unlock()

	if turn >= len(c.turns) {
		return nil, fmt.Errorf("unscripted model call %d", turn)
	}
	scripted := c.turns[turn]
	if scripted.delay > 0 {
		select {
		case <-time.After(scripted.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted.err != nil {
		return nil, scripted.err
	}
	return scripted.resp, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeReader struct {
	objs  []*board.Object
	err   error
	calls int
}

func (r *fakeReader) ReadObjects(_ context.Context, _ string) ([]*board.Object, error) {
	r.calls++
	return r.objs, r.err
}

type fakeApplier struct {
	calls   int
	boardID string
	editor  string
	writes  []store.Write
	err     error
}

func (a *fakeApplier) Apply(_ context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error) {
	a.calls++
	a.boardID = boardID
	a.editor = editor
	a.writes = writes
	if a.err != nil {
		return nil, a.err
	}
	changes := make([]store.ObjectChange, 0, len(writes))
	for _, w := range writes {
		changes = append(changes, store.ObjectChange{Kind: store.ChangeAdded, ObjectID: w.ObjectID})
	}
	return &store.ChangeSet{BoardID: boardID, Objects: changes}, nil
}

func testAgentConfig() config.Agent {
	return config.Agent{
		AnthropicModel: "claude-sonnet-4-20250514",
		MaxTokens:      4096,
		MaxTurns:       8,
		PerTurnTimeout: 5 * time.Second,
		PadSide:        30,
		PadTop:         70,
		PadBottom:      30,
	}
}

func newTestExecutor(client llm.Client, snapshot []*board.Object) (*Executor, *fakeApplier, *fakeReader) {
	reader := &fakeReader{objs: snapshot}
	applier := &fakeApplier{}
	tracer := trace.NewTracer(trace.NewClient(config.Langfuse{}))
	return NewExecutor(client, reader, applier, tracer, testAgentConfig()), applier, reader
}

func toolUse(id, name, input string) llm.ContentBlock {
	return llm.ContentBlock{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)}
}

func toolUseResponse(usage llm.Usage, blocks ...llm.ContentBlock) *llm.Response {
	return &llm.Response{StopReason: llm.StopToolUse, Content: blocks, Usage: usage}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{llm.TextBlock(text)}}
}

func stickyAt(id string, x, y float64) *board.Object {
	return &board.Object{ID: id, Type: board.TypeSticky, X: x, Y: y, Width: 200, Height: 200}
}

func TestExecutor_Run(t *testing.T) {
	cmd := Command{BoardID: "board-1", UserID: "agent-user", Command: "add two stickies"}

	t.Run("happy path commits one batch", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{InputTokens: 100, OutputTokens: 10},
				toolUse("tu_1", ToolCreateStickyNote, `{"x": 0, "y": 0, "text": "one"}`),
				toolUse("tu_2", ToolCreateStickyNote, `{"x": 240, "y": 0, "text": "two"}`),
			)},
			{resp: textResponse("Added two stickies.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)

		assert.Equal(t, "Added two stickies.", res.Summary)
		assert.False(t, res.Partial)
		require.Len(t, res.Actions, 2)
		for _, a := range res.Actions {
			assert.Equal(t, ToolCreateStickyNote, a.Tool)
			assert.NotEmpty(t, a.ObjectID)
			assert.Empty(t, a.Error)
		}
		assert.Equal(t, 100, res.Usage.Input)
		assert.Equal(t, 10, res.Usage.Output)

		assert.Equal(t, 1, applier.calls, "the whole plan commits in a single batch")
		assert.Equal(t, "board-1", applier.boardID)
		assert.Equal(t, "agent-user", applier.editor)
		require.Len(t, applier.writes, 2)
		for _, w := range applier.writes {
			assert.Equal(t, store.OpCreate, w.Op)
		}

		// A multi-call turn returns one tool_result per call and no
		// batching reminder.
		require.Equal(t, 2, client.callCount())
		second := client.requests[1]
		require.Len(t, second.Messages, 3)
		results := second.Messages[2]
		assert.Equal(t, llm.RoleUser, results.Role)
		require.Len(t, results.Content, 2)
		assert.Equal(t, "tu_1", results.Content[0].ToolUseID)
		assert.Equal(t, "tu_2", results.Content[1].ToolUseID)
		assert.Contains(t, results.Content[0].Content, "Created sticky note")
	})

	t.Run("client snapshot skips the store read", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: textResponse("One sticky present.")},
			{resp: textResponse("One sticky present.")},
		}}
		exec, applier, reader := newTestExecutor(client, nil)

		withState := cmd
		withState.BoardState = []*board.Object{stickyAt("obj-1", 10, 20)}
		res, err := exec.Run(context.Background(), withState)
		require.NoError(t, err)

		assert.Equal(t, 0, reader.calls, "supplied snapshot must be used as-is")
		assert.Equal(t, 0, applier.calls)
		assert.Empty(t, res.Actions)
		assert.Contains(t, client.requests[0].Messages[0].Content[0].Text, "sticky obj-1")
	})

	t.Run("missing snapshot is read from the store", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: textResponse("ok")},
			{resp: textResponse("ok")},
		}}
		exec, _, reader := newTestExecutor(client, []*board.Object{stickyAt("obj-9", 0, 0)})

		_, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, 1, reader.calls)
		assert.Contains(t, client.requests[0].Messages[0].Content[0].Text, "obj-9")
	})

	t.Run("store read failure fails the run", func(t *testing.T) {
		client := &scriptedClient{}
		exec, _, reader := newTestExecutor(client, nil)
		reader.err = errors.New("connection refused")

		_, err := exec.Run(context.Background(), cmd)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read board")
		assert.Equal(t, 0, client.callCount())
	})

	t.Run("prose opening turn is nudged once", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: textResponse("I will now create a sticky note.")},
			{resp: toolUseResponse(llm.Usage{},
				toolUse("tu_1", ToolCreateStickyNote, `{"x": 0, "y": 0}`),
				toolUse("tu_2", ToolCreateStickyNote, `{"x": 240, "y": 0}`),
			)},
			{resp: textResponse("Done.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "Done.", res.Summary)
		assert.False(t, res.Partial)
		assert.Equal(t, 1, applier.calls)

		require.Equal(t, 3, client.callCount())
		second := client.requests[1]
		require.Len(t, second.Messages, 3)
		assert.Equal(t, llm.RoleAssistant, second.Messages[1].Role)
		assert.Equal(t, mustUseToolsNudge, second.Messages[2].Content[0].Text)
	})

	t.Run("prose after the nudge ends the run", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: textResponse("Nothing to do.")},
			{resp: textResponse("The board already matches the request.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "The board already matches the request.", res.Summary)
		assert.Empty(t, res.Actions)
		assert.False(t, res.Partial)
		assert.Equal(t, 0, applier.calls, "no writes means no commit")
	})

	t.Run("single-call turn gets the batching reminder", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{}, toolUse("tu_1", ToolCreateStickyNote, `{"x": 0, "y": 0}`))},
			{resp: textResponse("Done.")},
		}}
		exec, _, _ := newTestExecutor(client, nil)

		_, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)

		second := client.requests[1]
		results := second.Messages[2]
		require.Len(t, results.Content, 2)
		assert.Equal(t, llm.BlockToolResult, results.Content[0].Type)
		assert.Equal(t, batchCallsNudge, results.Content[1].Text)
	})

	t.Run("unknown id is rejected without blocking the rest", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{},
				toolUse("tu_1", ToolMoveObject, `{"objectId": "ghost", "x": 0, "y": 0}`),
				toolUse("tu_2", ToolCreateStickyNote, `{"x": 0, "y": 0}`),
			)},
			{resp: textResponse("Moved what I could.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)

		require.Len(t, res.Actions, 2)
		assert.Contains(t, res.Actions[0].Error, `unknown object id "ghost"`)
		assert.Empty(t, res.Actions[0].ObjectID)
		assert.Empty(t, res.Actions[1].Error)

		require.Len(t, applier.writes, 1, "rejected calls must not produce writes")
		assert.Equal(t, store.OpCreate, applier.writes[0].Op)

		results := client.requests[1].Messages[2]
		assert.True(t, results.Content[0].IsError)
		assert.Contains(t, results.Content[0].Content, "Error:")
		assert.False(t, results.Content[1].IsError)
	})

	t.Run("all calls rejected fails the run", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{},
				toolUse("tu_1", ToolMoveObject, `{"objectId": "ghost", "x": 0, "y": 0}`),
				toolUse("tu_2", ToolDeleteObject, `{"objectId": "phantom"}`),
			)},
			{resp: textResponse("Could not find those objects.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)

		_, err := exec.Run(context.Background(), cmd)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoActions)
		assert.Equal(t, 0, applier.calls)
	})

	t.Run("turn ceiling commits a partial result", func(t *testing.T) {
		turns := make([]scriptedTurn, 0, 3)
		for i := 0; i < 3; i++ {
			turns = append(turns, scriptedTurn{resp: toolUseResponse(llm.Usage{},
				toolUse(fmt.Sprintf("tu_%d", i), ToolCreateStickyNote,
					fmt.Sprintf(`{"x": %d, "y": 0}`, i*240)))})
		}
		client := &scriptedClient{turns: turns}
		exec, applier, _ := newTestExecutor(client, nil)
		exec.cfg.MaxTurns = 2

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.True(t, res.Partial)
		assert.Contains(t, res.Summary, "Partially completed")
		assert.Len(t, res.Actions, 2)
		assert.Equal(t, 1, applier.calls)
		assert.Len(t, applier.writes, 2)
		assert.Equal(t, 2, client.callCount(), "the ceiling stops further model calls")
	})

	t.Run("turn timeout commits collected work", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{}, toolUse("tu_1", ToolCreateStickyNote, `{"x": 0, "y": 0}`))},
			{delay: time.Minute},
		}}
		exec, applier, _ := newTestExecutor(client, nil)
		exec.cfg.PerTurnTimeout = 30 * time.Millisecond

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.True(t, res.Partial)
		assert.Equal(t, 1, applier.calls)
		assert.Len(t, applier.writes, 1)
	})

	t.Run("turn timeout with an empty plan fails", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{{delay: time.Minute}}}
		exec, applier, _ := newTestExecutor(client, nil)
		exec.cfg.PerTurnTimeout = 30 * time.Millisecond

		_, err := exec.Run(context.Background(), cmd)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, applier.calls)
	})

	t.Run("commit failure surfaces the store error", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{}, toolUse("tu_1", ToolCreateStickyNote, `{"x": 0, "y": 0}`))},
			{resp: textResponse("Done.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)
		applier.err = errors.New("deadlock detected")

		_, err := exec.Run(context.Background(), cmd)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "commit plan")
	})

	t.Run("frames grow around planned children before commit", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{},
				toolUse("tu_1", ToolCreateFrame, `{"x": 0, "y": 0, "title": "Sprint"}`),
				toolUse("tu_2", ToolCreateStickyNote, `{"x": 50, "y": 100}`),
			)},
			{resp: textResponse("Framed.")},
		}}
		exec, applier, _ := newTestExecutor(client, nil)

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		require.Len(t, res.Actions, 2)

		var frameID string
		for _, w := range applier.writes {
			if w.Op == store.OpCreate && w.Fields["type"] == string(board.TypeFrame) {
				frameID = w.ObjectID
			}
		}
		require.NotEmpty(t, frameID)

		// Default frame 400x300 at the origin, sticky spanning to
		// (250, 300): only the bottom padding forces growth.
		require.Len(t, applier.writes, 3)
		fit := applier.writes[2]
		assert.Equal(t, store.OpMerge, fit.Op)
		assert.Equal(t, frameID, fit.ObjectID)
		assert.Equal(t, 0.0, fit.Fields["x"])
		assert.Equal(t, 0.0, fit.Fields["y"])
		assert.Equal(t, 400.0, fit.Fields["width"])
		assert.Equal(t, 330.0, fit.Fields["height"])
	})

	t.Run("board inspection produces no actions and no commit", func(t *testing.T) {
		client := &scriptedClient{turns: []scriptedTurn{
			{resp: toolUseResponse(llm.Usage{}, toolUse("tu_1", ToolGetBoardState, `{}`))},
			{resp: textResponse("There is one sticky note.")},
		}}
		exec, applier, _ := newTestExecutor(client, []*board.Object{stickyAt("obj-1", 10, 20)})

		res, err := exec.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "There is one sticky note.", res.Summary)
		assert.Empty(t, res.Actions, "reads are not actions")
		assert.Equal(t, 0, applier.calls)

		results := client.requests[1].Messages[2]
		assert.Contains(t, results.Content[0].Content, "sticky obj-1")
	})
}
