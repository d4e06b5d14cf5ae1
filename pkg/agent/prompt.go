package agent

import (
	"fmt"
	"strings"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/llm"
)

const systemPrompt = `You are a whiteboard agent. You carry out natural-language commands on a shared infinite canvas by calling tools.

Conventions:
- Coordinates are world units. x grows to the right, y grows downward. Negative coordinates are valid.
- Positions are top-left corners, except circles, which are placed by bounding box in tool inputs.
- Colors are hex strings like #ff8800.
- Sticky notes are roughly 200x200; leave 20-40 units of spacing when laying out grids.
- Frames group related objects; place children fully inside the frame and the frame will grow to fit them.

Rules:
- Only reference object ids that appear in the board state or that a create tool returned earlier in this conversation. Never invent ids.
- Issue every tool call the command needs in as few responses as possible; batch independent calls together.
- When the work is done, reply with one short sentence summarizing what you did, without further tool calls.`

// mustUseToolsNudge is sent at most once, when the model answers the opening
// turn in prose without doing anything.
const mustUseToolsNudge = "You have not called any tools. Carry out the command using the tools; reply with a text summary only after the work is done."

// batchCallsNudge keeps latency down when the model trickles one call per
// turn.
const batchCallsNudge = "Reminder: issue all remaining tool calls together in your next response rather than one at a time."

// buildOpeningMessage renders the board snapshot and the user command into
// the first conversation turn.
func buildOpeningMessage(command string, objs []*board.Object) llm.Message {
	var sb strings.Builder
	sb.WriteString("## Current board\n\n")
	sb.WriteString(describeBoard(objs))
	sb.WriteString("\n\n## Command\n\n")
	sb.WriteString(command)
	return llm.UserMessage(llm.TextBlock(sb.String()))
}

// describeBoard renders one line per visible object. The same rendering backs
// the initial prompt and the getBoardState tool, so the model sees a stable
// format.
func describeBoard(objs []*board.Object) string {
	if len(objs) == 0 {
		return "The board is empty."
	}
	lines := make([]string, 0, len(objs))
	for _, o := range objs {
		lines = append(lines, describeObject(o))
	}
	return strings.Join(lines, "\n")
}

func describeObject(o *board.Object) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- %s %s", o.Type, o.ID)

	switch o.Type {
	case board.TypeCircle:
		fmt.Fprintf(&sb, " center (%s, %s) radius %s", num(o.X), num(o.Y), num(o.Radius))
	case board.TypeConnector:
		fmt.Fprintf(&sb, " from %s to %s", o.ConnectedFrom, o.ConnectedTo)
		if o.Style != nil {
			if o.Style.ArrowHead {
				fmt.Fprintf(&sb, " (%s, arrow)", o.Style.LineStyle)
			} else {
				fmt.Fprintf(&sb, " (%s)", o.Style.LineStyle)
			}
		}
	case board.TypeLine:
		x0, y0, x1, y1 := lineEndpoints(o)
		fmt.Fprintf(&sb, " from (%s, %s) to (%s, %s)", num(x0), num(y0), num(x1), num(y1))
	default:
		fmt.Fprintf(&sb, " at (%s, %s) size %sx%s", num(o.X), num(o.Y), num(o.Width), num(o.Height))
	}

	if o.Color != "" {
		fmt.Fprintf(&sb, " color %s", o.Color)
	}
	if o.Text != "" {
		label := "text"
		if o.Type == board.TypeFrame {
			label = "titled"
		}
		fmt.Fprintf(&sb, " %s %q", label, truncateText(o.Text, 80))
	}
	return sb.String()
}

func lineEndpoints(o *board.Object) (x0, y0, x1, y1 float64) {
	if len(o.Points) == 4 {
		return o.X + o.Points[0], o.Y + o.Points[1], o.X + o.Points[2], o.Y + o.Points[3]
	}
	return o.X, o.Y, o.X + o.Width, o.Y + o.Height
}

func truncateText(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
