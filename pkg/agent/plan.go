package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/ids"
	"github.com/opencanvas/collabd/pkg/llm"
	"github.com/opencanvas/collabd/pkg/store"
)

// plan is the pending write set of one invocation. Nothing is committed while
// the turn loop runs; tool calls mutate an in-memory merged view (snapshot
// plus planned changes) and append writes, and the executor commits the whole
// set in one atomic batch at the end.
//
// The key set of state doubles as the known-id guard: a tool call referencing
// an id that is neither in the snapshot nor created by an earlier call is
// rejected without producing a write, and the model sees the rejection as its
// tool result.
type plan struct {
	state   map[string]*board.Object
	writes  []store.Write
	actions []Action

	successes int
	failures  int

	newID func() string
}

func newPlan(snapshot []*board.Object) *plan {
	p := &plan{
		state: make(map[string]*board.Object),
		newID: ids.NewObjectID,
	}
	for _, o := range board.Visible(snapshot) {
		p.state[o.ID] = o.Clone()
	}
	return p
}

func (p *plan) hasWrites() bool {
	return len(p.writes) > 0
}

// execute runs one tool call against the plan and returns the content for the
// model's tool_result block.
func (p *plan) execute(call llm.ToolUse) (content string, isError bool) {
	switch call.Name {
	case ToolCreateStickyNote:
		return p.createSticky(call.Input)
	case ToolCreateText:
		return p.createText(call.Input)
	case ToolCreateShape:
		return p.createShape(call.Input)
	case ToolCreateFrame:
		return p.createFrame(call.Input)
	case ToolCreateConnector:
		return p.createConnector(call.Input)
	case ToolMoveObject:
		return p.moveObject(call.Input)
	case ToolResizeObject:
		return p.resizeObject(call.Input)
	case ToolUpdateText:
		return p.updateText(call.Input)
	case ToolChangeColor:
		return p.changeColor(call.Input)
	case ToolUpdateConnectorStyle:
		return p.updateConnectorStyle(call.Input)
	case ToolDeleteObject:
		return p.deleteObject(call.Input)
	case ToolGetBoardState:
		return p.boardSummary(), false
	default:
		return p.fail(call.Name, call.Input, "unknown tool %q", call.Name)
	}
}

func (p *plan) fail(tool string, input json.RawMessage, format string, args ...any) (string, bool) {
	msg := fmt.Sprintf(format, args...)
	p.failures++
	p.actions = append(p.actions, Action{Tool: tool, Input: normalizeInput(input), Error: msg})
	return "Error: " + msg, true
}

func (p *plan) succeed(tool string, input json.RawMessage, objectID, result string) (string, bool) {
	p.successes++
	p.actions = append(p.actions, Action{Tool: tool, Input: normalizeInput(input), ObjectID: objectID})
	return result, false
}

// create validates a full field map, assigns an id, and plans the write.
func (p *plan) create(tool string, input json.RawMessage, fields map[string]any, describe func(id string) string) (string, bool) {
	if err := board.ValidateCreate(fields); err != nil {
		return p.fail(tool, input, "%v", err)
	}
	id := p.newID()
	obj, err := board.ObjectFromFields(id, fields)
	if err != nil {
		return p.fail(tool, input, "%v", err)
	}
	p.state[id] = obj
	p.writes = append(p.writes, store.Write{Op: store.OpCreate, ObjectID: id, Fields: fields})
	return p.succeed(tool, input, id, describe(id))
}

// target resolves a modification id against the known-id set.
func (p *plan) target(tool string, input json.RawMessage, objectID string) (*board.Object, string, bool) {
	if objectID == "" {
		msg, isErr := p.fail(tool, input, "objectId is required")
		return nil, msg, isErr
	}
	obj, ok := p.state[objectID]
	if !ok {
		msg, isErr := p.fail(tool, input, "unknown object id %q; it does not exist on this board", objectID)
		return nil, msg, isErr
	}
	return obj, "", false
}

// merge validates a partial update against the target's type and plans the
// write, keeping the in-memory view current.
func (p *plan) merge(tool string, input json.RawMessage, obj *board.Object, fields map[string]any, result string) (string, bool) {
	if err := board.ValidatePartial(fields); err != nil {
		return p.fail(tool, input, "%v", err)
	}
	if err := board.ValidateAgainstType(obj.Type, fields); err != nil {
		return p.fail(tool, input, "%v", err)
	}
	updated, err := board.ObjectFromFields(obj.ID, board.MergeFields(obj.FieldMap(), fields))
	if err != nil {
		return p.fail(tool, input, "%v", err)
	}
	p.state[obj.ID] = updated
	p.writes = append(p.writes, store.Write{Op: store.OpMerge, ObjectID: obj.ID, Fields: fields})
	return p.succeed(tool, input, obj.ID, result)
}

func (p *plan) createSticky(input json.RawMessage) (string, bool) {
	var args struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
		Text   *string  `json:"text"`
		Color  *string  `json:"color"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolCreateStickyNote, input, "malformed input: %v", err)
	}
	if args.X == nil || args.Y == nil {
		return p.fail(ToolCreateStickyNote, input, "x and y are required")
	}

	fields := map[string]any{
		"type":   string(board.TypeSticky),
		"x":      *args.X,
		"y":      *args.Y,
		"width":  orDefault(args.Width, defaultStickySize),
		"height": orDefault(args.Height, defaultStickySize),
		"color":  orDefaultString(args.Color, defaultStickyColor),
	}
	if args.Text != nil {
		fields["text"] = *args.Text
	}
	return p.create(ToolCreateStickyNote, input, fields, func(id string) string {
		return fmt.Sprintf("Created sticky note %s at (%s, %s)", id, num(*args.X), num(*args.Y))
	})
}

func (p *plan) createText(input json.RawMessage) (string, bool) {
	var args struct {
		X        *float64 `json:"x"`
		Y        *float64 `json:"y"`
		Text     *string  `json:"text"`
		FontSize *float64 `json:"fontSize"`
		Width    *float64 `json:"width"`
		Height   *float64 `json:"height"`
		Color    *string  `json:"color"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolCreateText, input, "malformed input: %v", err)
	}
	if args.X == nil || args.Y == nil || args.Text == nil {
		return p.fail(ToolCreateText, input, "x, y, and text are required")
	}

	fields := map[string]any{
		"type":     string(board.TypeText),
		"x":        *args.X,
		"y":        *args.Y,
		"width":    orDefault(args.Width, defaultTextWidth),
		"height":   orDefault(args.Height, defaultTextHeight),
		"text":     *args.Text,
		"fontSize": orDefault(args.FontSize, defaultFontSize),
	}
	if args.Color != nil {
		fields["color"] = *args.Color
	}
	return p.create(ToolCreateText, input, fields, func(id string) string {
		return fmt.Sprintf("Created text %s at (%s, %s)", id, num(*args.X), num(*args.Y))
	})
}

func (p *plan) createShape(input json.RawMessage) (string, bool) {
	var args struct {
		ShapeType *string  `json:"shapeType"`
		X         *float64 `json:"x"`
		Y         *float64 `json:"y"`
		Width     *float64 `json:"width"`
		Height    *float64 `json:"height"`
		Color     *string  `json:"color"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolCreateShape, input, "malformed input: %v", err)
	}
	if args.ShapeType == nil || args.X == nil || args.Y == nil || args.Width == nil || args.Height == nil {
		return p.fail(ToolCreateShape, input, "shapeType, x, y, width, and height are required")
	}

	x, y, w, h := *args.X, *args.Y, *args.Width, *args.Height

	switch *args.ShapeType {
	case "rectangle":
		fields := map[string]any{
			"type": string(board.TypeRectangle), "x": x, "y": y, "width": w, "height": h,
		}
		if args.Color != nil {
			fields["color"] = *args.Color
		}
		return p.create(ToolCreateShape, input, fields, func(id string) string {
			return fmt.Sprintf("Created rectangle %s at (%s, %s)", id, num(x), num(y))
		})

	case "circle":
		// The tool input is a bounding box; stored circles are
		// center + radius.
		fields := map[string]any{
			"type": string(board.TypeCircle), "x": x + w/2, "y": y + h/2, "radius": w / 2,
		}
		if args.Color != nil {
			fields["color"] = *args.Color
		}
		return p.create(ToolCreateShape, input, fields, func(id string) string {
			return fmt.Sprintf("Created circle %s centered at (%s, %s) with radius %s",
				id, num(x+w/2), num(y+h/2), num(w/2))
		})

	case "line":
		// width/height are the offsets to the end point and may be
		// negative; the stored extent is their magnitude.
		fields := map[string]any{
			"type": string(board.TypeLine), "x": x, "y": y,
			"width": abs(w), "height": abs(h),
			"points": []float64{0, 0, w, h},
		}
		if args.Color != nil {
			fields["color"] = *args.Color
		}
		return p.create(ToolCreateShape, input, fields, func(id string) string {
			return fmt.Sprintf("Created line %s from (%s, %s) to (%s, %s)",
				id, num(x), num(y), num(x+w), num(y+h))
		})

	default:
		return p.fail(ToolCreateShape, input, "unknown shapeType %q; use rectangle, circle, or line", *args.ShapeType)
	}
}

func (p *plan) createFrame(input json.RawMessage) (string, bool) {
	var args struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
		Title  *string  `json:"title"`
		Color  *string  `json:"color"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolCreateFrame, input, "malformed input: %v", err)
	}
	if args.X == nil || args.Y == nil {
		return p.fail(ToolCreateFrame, input, "x and y are required")
	}

	fields := map[string]any{
		"type":   string(board.TypeFrame),
		"x":      *args.X,
		"y":      *args.Y,
		"width":  orDefault(args.Width, defaultFrameWidth),
		"height": orDefault(args.Height, defaultFrameHeight),
	}
	if args.Title != nil {
		fields["text"] = *args.Title
	}
	if args.Color != nil {
		fields["color"] = *args.Color
	}
	return p.create(ToolCreateFrame, input, fields, func(id string) string {
		return fmt.Sprintf("Created frame %s at (%s, %s)", id, num(*args.X), num(*args.Y))
	})
}

func (p *plan) createConnector(input json.RawMessage) (string, bool) {
	var args struct {
		FromID    *string `json:"fromId"`
		ToID      *string `json:"toId"`
		LineStyle *string `json:"lineStyle"`
		ArrowHead *bool   `json:"arrowHead"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolCreateConnector, input, "malformed input: %v", err)
	}
	if args.FromID == nil || args.ToID == nil {
		return p.fail(ToolCreateConnector, input, "fromId and toId are required")
	}
	for _, endpoint := range []string{*args.FromID, *args.ToID} {
		if _, ok := p.state[endpoint]; !ok {
			return p.fail(ToolCreateConnector, input, "unknown object id %q; it does not exist on this board", endpoint)
		}
	}

	style := map[string]any{
		"lineStyle": orDefaultString(args.LineStyle, board.LineSolid),
		"arrowHead": args.ArrowHead != nil && *args.ArrowHead,
	}
	fields := map[string]any{
		"type": string(board.TypeConnector),
		"x":    0.0, "y": 0.0, "width": 0.0, "height": 0.0,
		"connectedFrom": *args.FromID,
		"connectedTo":   *args.ToID,
		"style":         style,
	}
	from, to := *args.FromID, *args.ToID
	return p.create(ToolCreateConnector, input, fields, func(id string) string {
		return fmt.Sprintf("Created connector %s from %s to %s", id, from, to)
	})
}

func (p *plan) moveObject(input json.RawMessage) (string, bool) {
	var args struct {
		ObjectID string   `json:"objectId"`
		X        *float64 `json:"x"`
		Y        *float64 `json:"y"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolMoveObject, input, "malformed input: %v", err)
	}
	obj, msg, isErr := p.target(ToolMoveObject, input, args.ObjectID)
	if obj == nil {
		return msg, isErr
	}
	if args.X == nil || args.Y == nil {
		return p.fail(ToolMoveObject, input, "x and y are required")
	}

	fields := map[string]any{"x": *args.X, "y": *args.Y}
	return p.merge(ToolMoveObject, input, obj, fields,
		fmt.Sprintf("Moved %s to (%s, %s)", obj.ID, num(*args.X), num(*args.Y)))
}

func (p *plan) resizeObject(input json.RawMessage) (string, bool) {
	var args struct {
		ObjectID string   `json:"objectId"`
		Width    *float64 `json:"width"`
		Height   *float64 `json:"height"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolResizeObject, input, "malformed input: %v", err)
	}
	obj, msg, isErr := p.target(ToolResizeObject, input, args.ObjectID)
	if obj == nil {
		return msg, isErr
	}
	if args.Width == nil || args.Height == nil {
		return p.fail(ToolResizeObject, input, "width and height are required")
	}

	if obj.Type == board.TypeCircle {
		radius := *args.Width / 2
		fields := map[string]any{"radius": radius}
		return p.merge(ToolResizeObject, input, obj, fields,
			fmt.Sprintf("Resized circle %s to radius %s", obj.ID, num(radius)))
	}

	fields := map[string]any{"width": *args.Width, "height": *args.Height}
	return p.merge(ToolResizeObject, input, obj, fields,
		fmt.Sprintf("Resized %s to %sx%s", obj.ID, num(*args.Width), num(*args.Height)))
}

func (p *plan) updateText(input json.RawMessage) (string, bool) {
	var args struct {
		ObjectID string  `json:"objectId"`
		Text     *string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolUpdateText, input, "malformed input: %v", err)
	}
	obj, msg, isErr := p.target(ToolUpdateText, input, args.ObjectID)
	if obj == nil {
		return msg, isErr
	}
	if args.Text == nil {
		return p.fail(ToolUpdateText, input, "text is required")
	}

	return p.merge(ToolUpdateText, input, obj, map[string]any{"text": *args.Text},
		fmt.Sprintf("Updated text of %s", obj.ID))
}

func (p *plan) changeColor(input json.RawMessage) (string, bool) {
	var args struct {
		ObjectID string  `json:"objectId"`
		Color    *string `json:"color"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolChangeColor, input, "malformed input: %v", err)
	}
	obj, msg, isErr := p.target(ToolChangeColor, input, args.ObjectID)
	if obj == nil {
		return msg, isErr
	}
	if args.Color == nil {
		return p.fail(ToolChangeColor, input, "color is required")
	}

	return p.merge(ToolChangeColor, input, obj, map[string]any{"color": *args.Color},
		fmt.Sprintf("Changed color of %s to %s", obj.ID, *args.Color))
}

func (p *plan) updateConnectorStyle(input json.RawMessage) (string, bool) {
	var args struct {
		ObjectID  string  `json:"objectId"`
		LineStyle *string `json:"lineStyle"`
		ArrowHead *bool   `json:"arrowHead"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolUpdateConnectorStyle, input, "malformed input: %v", err)
	}
	obj, msg, isErr := p.target(ToolUpdateConnectorStyle, input, args.ObjectID)
	if obj == nil {
		return msg, isErr
	}
	if obj.Type != board.TypeConnector {
		return p.fail(ToolUpdateConnectorStyle, input, "object %s is a %s, not a connector", obj.ID, obj.Type)
	}
	if args.LineStyle == nil && args.ArrowHead == nil {
		return p.fail(ToolUpdateConnectorStyle, input, "provide lineStyle or arrowHead")
	}

	// Style merges wholesale, so carry the current values for whatever the
	// call leaves out.
	style := board.ConnectorStyle{LineStyle: board.LineSolid}
	if obj.Style != nil {
		style = *obj.Style
	}
	if args.LineStyle != nil {
		style.LineStyle = *args.LineStyle
	}
	if args.ArrowHead != nil {
		style.ArrowHead = *args.ArrowHead
	}

	fields := map[string]any{
		"style": map[string]any{"lineStyle": style.LineStyle, "arrowHead": style.ArrowHead},
	}
	return p.merge(ToolUpdateConnectorStyle, input, obj, fields,
		fmt.Sprintf("Updated style of connector %s (lineStyle=%s, arrowHead=%t)", obj.ID, style.LineStyle, style.ArrowHead))
}

func (p *plan) deleteObject(input json.RawMessage) (string, bool) {
	var args struct {
		ObjectID string `json:"objectId"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return p.fail(ToolDeleteObject, input, "malformed input: %v", err)
	}
	obj, msg, isErr := p.target(ToolDeleteObject, input, args.ObjectID)
	if obj == nil {
		return msg, isErr
	}

	delete(p.state, obj.ID)
	p.writes = append(p.writes, store.Write{Op: store.OpDelete, ObjectID: obj.ID})
	return p.succeed(ToolDeleteObject, input, obj.ID, fmt.Sprintf("Deleted %s", obj.ID))
}

// boardSummary renders the merged view for getBoardState, in the same format
// the initial prompt uses.
func (p *plan) boardSummary() string {
	objs := make([]*board.Object, 0, len(p.state))
	for _, o := range p.state {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
	return describeBoard(board.Visible(objs))
}

func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

func orDefault(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func orDefaultString(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// num renders a coordinate without trailing zeros.
func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
