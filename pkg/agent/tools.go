package agent

import (
	"encoding/json"

	"github.com/opencanvas/collabd/pkg/llm"
)

// Tool names exposed to the model.
const (
	ToolCreateStickyNote     = "createStickyNote"
	ToolCreateText           = "createText"
	ToolCreateShape          = "createShape"
	ToolCreateFrame          = "createFrame"
	ToolCreateConnector      = "createConnector"
	ToolMoveObject           = "moveObject"
	ToolResizeObject         = "resizeObject"
	ToolUpdateText           = "updateText"
	ToolChangeColor          = "changeColor"
	ToolUpdateConnectorStyle = "updateConnectorStyle"
	ToolDeleteObject         = "deleteObject"
	ToolGetBoardState        = "getBoardState"
)

// Defaults applied when the model omits optional creation fields.
const (
	defaultStickySize  = 200.0
	defaultStickyColor = "#FFEB3B"
	defaultTextWidth   = 300.0
	defaultTextHeight  = 50.0
	defaultFontSize    = 16.0
	defaultFrameWidth  = 400.0
	defaultFrameHeight = 300.0
)

func rawSchema(s string) json.RawMessage {
	return json.RawMessage(s)
}

// toolDefinitions is the fixed tool surface sent to the model on every turn.
var toolDefinitions = []llm.ToolDefinition{
	{
		Name:        ToolCreateStickyNote,
		Description: "Create a sticky note on the board. Returns the new object's id.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"x": {"type": "number", "description": "Top-left x in world coordinates"},
				"y": {"type": "number", "description": "Top-left y in world coordinates"},
				"width": {"type": "number", "description": "Width, default 200"},
				"height": {"type": "number", "description": "Height, default 200"},
				"text": {"type": "string", "description": "Note content"},
				"color": {"type": "string", "description": "Hex color #rrggbb, default #FFEB3B"}
			},
			"required": ["x", "y"]
		}`),
	},
	{
		Name:        ToolCreateText,
		Description: "Create a free-standing text element. Returns the new object's id.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"x": {"type": "number"},
				"y": {"type": "number"},
				"text": {"type": "string"},
				"fontSize": {"type": "number", "description": "Default 16"},
				"width": {"type": "number", "description": "Default 300"},
				"height": {"type": "number", "description": "Default 50"},
				"color": {"type": "string", "description": "Hex color #rrggbb"}
			},
			"required": ["x", "y", "text"]
		}`),
	},
	{
		Name:        ToolCreateShape,
		Description: "Create a rectangle, circle, or line. The input is always a bounding box: for a circle the center is (x+width/2, y+height/2) and the radius is width/2; for a line, width and height are the x/y offsets from (x,y) to the end point and may be negative. Returns the new object's id.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"shapeType": {"type": "string", "enum": ["rectangle", "circle", "line"]},
				"x": {"type": "number"},
				"y": {"type": "number"},
				"width": {"type": "number"},
				"height": {"type": "number"},
				"color": {"type": "string", "description": "Hex color #rrggbb"}
			},
			"required": ["shapeType", "x", "y", "width", "height"]
		}`),
	},
	{
		Name:        ToolCreateFrame,
		Description: "Create a frame, a titled container that visually groups the objects placed inside it. Frames auto-grow to fit their children before the plan commits. Returns the new object's id.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"x": {"type": "number"},
				"y": {"type": "number"},
				"width": {"type": "number", "description": "Default 400"},
				"height": {"type": "number", "description": "Default 300"},
				"title": {"type": "string", "description": "Frame title"},
				"color": {"type": "string", "description": "Hex color #rrggbb"}
			},
			"required": ["x", "y"]
		}`),
	},
	{
		Name:        ToolCreateConnector,
		Description: "Create a connector between two existing objects. Both endpoints must be ids that exist on the board. Returns the new object's id.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"fromId": {"type": "string"},
				"toId": {"type": "string"},
				"lineStyle": {"type": "string", "enum": ["solid", "dashed"], "description": "Default solid"},
				"arrowHead": {"type": "boolean", "description": "Default false"}
			},
			"required": ["fromId", "toId"]
		}`),
	},
	{
		Name:        ToolMoveObject,
		Description: "Move an existing object to a new position. For circles the position is the center.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"objectId": {"type": "string"},
				"x": {"type": "number"},
				"y": {"type": "number"}
			},
			"required": ["objectId", "x", "y"]
		}`),
	},
	{
		Name:        ToolResizeObject,
		Description: "Resize an existing object. For circles the new radius is width/2.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"objectId": {"type": "string"},
				"width": {"type": "number"},
				"height": {"type": "number"}
			},
			"required": ["objectId", "width", "height"]
		}`),
	},
	{
		Name:        ToolUpdateText,
		Description: "Replace the text of a sticky note, text element, or frame title.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"objectId": {"type": "string"},
				"text": {"type": "string"}
			},
			"required": ["objectId", "text"]
		}`),
	},
	{
		Name:        ToolChangeColor,
		Description: "Change an object's color.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"objectId": {"type": "string"},
				"color": {"type": "string", "description": "Hex color #rrggbb"}
			},
			"required": ["objectId", "color"]
		}`),
	},
	{
		Name:        ToolUpdateConnectorStyle,
		Description: "Change a connector's line style or arrow head. Omitted properties keep their current value.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"objectId": {"type": "string"},
				"lineStyle": {"type": "string", "enum": ["solid", "dashed"]},
				"arrowHead": {"type": "boolean"}
			},
			"required": ["objectId"]
		}`),
	},
	{
		Name:        ToolDeleteObject,
		Description: "Delete an object. Connectors attached to it are removed as well.",
		InputSchema: rawSchema(`{
			"type": "object",
			"properties": {
				"objectId": {"type": "string"}
			},
			"required": ["objectId"]
		}`),
	},
	{
		Name:        ToolGetBoardState,
		Description: "Return the current board contents, including objects created earlier in this conversation.",
		InputSchema: rawSchema(`{"type": "object", "properties": {}}`),
	},
}

// ToolDefinitions returns the tool surface exposed to the model.
func ToolDefinitions() []llm.ToolDefinition {
	return toolDefinitions
}
