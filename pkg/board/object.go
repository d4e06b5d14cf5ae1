// Package board defines the whiteboard object model shared by the store, the
// hub, and the agent executor, together with the last-writer-wins convergence
// rule every replica applies.
//
// Objects are document-shaped: a typed envelope over a field map. The store
// persists the field map as JSONB; mutations arrive as partial field maps and
// are merged field by field, so a write that sets {x,y} never clobbers color
// or text written concurrently by someone else.
package board

import (
	"encoding/json"
	"fmt"
	"time"
)

// ObjectType discriminates the drawable variants.
type ObjectType string

const (
	TypeSticky    ObjectType = "sticky"
	TypeRectangle ObjectType = "rectangle"
	TypeCircle    ObjectType = "circle"
	TypeLine      ObjectType = "line"
	TypeText      ObjectType = "text"
	TypeFrame     ObjectType = "frame"
	TypeConnector ObjectType = "connector"
)

// KnownType reports whether t is a supported object type.
func KnownType(t ObjectType) bool {
	switch t {
	case TypeSticky, TypeRectangle, TypeCircle, TypeLine, TypeText, TypeFrame, TypeConnector:
		return true
	}
	return false
}

// Connector line styles.
const (
	LineSolid  = "solid"
	LineDashed = "dashed"
)

// ConnectorStyle is the visual style of a connector.
type ConnectorStyle struct {
	LineStyle string `json:"lineStyle"`
	ArrowHead bool   `json:"arrowHead"`
}

// Object is the common envelope over every drawable variant. (x,y) is the
// top-left corner, except for circles where it is the center. Coordinates are
// unbounded — the canvas is infinite.
type Object struct {
	ID       string     `json:"id"`
	Type     ObjectType `json:"type"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Width    float64    `json:"width"`
	Height   float64    `json:"height"`
	Rotation float64    `json:"rotation"`
	Color    string     `json:"color,omitempty"`
	ZIndex   int        `json:"zIndex"`

	// Sticky/text/frame content; frames use it as their title.
	Text     string  `json:"text,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`

	// Circle geometry.
	Radius float64 `json:"radius,omitempty"`

	// Line endpoints [x0,y0,x1,y1], relative to (x,y).
	Points []float64 `json:"points,omitempty"`

	// Connector endpoints (object ids on the same board) and style.
	// Endpoints are never materialised as pointers; lookup is by id at
	// read/commit time, which keeps cycles harmless.
	ConnectedFrom string          `json:"connectedFrom,omitempty"`
	ConnectedTo   string          `json:"connectedTo,omitempty"`
	Style         *ConnectorStyle `json:"style,omitempty"`

	// Server-stamped at commit time; monotonic non-decreasing per object.
	UpdatedAt    time.Time `json:"updatedAt"`
	LastEditedBy string    `json:"lastEditedBy,omitempty"`
}

// BBox returns the world axis-aligned bounding box as (x, y, width, height).
// A circle's box is its center offset by the radius on both axes.
func (o *Object) BBox() (x, y, w, h float64) {
	if o.Type == TypeCircle {
		return o.X - o.Radius, o.Y - o.Radius, o.Radius * 2, o.Radius * 2
	}
	return o.X, o.Y, o.Width, o.Height
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	c := *o
	if o.Points != nil {
		c.Points = append([]float64(nil), o.Points...)
	}
	if o.Style != nil {
		s := *o.Style
		c.Style = &s
	}
	return &c
}

// FieldMap renders the object as a field map suitable for JSONB persistence
// and field-level merging. The id is carried separately by the store.
func (o *Object) FieldMap() map[string]any {
	data, err := json.Marshal(o)
	if err != nil {
		// Object contains only marshallable field types.
		panic("board: marshal object: " + err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic("board: unmarshal object map: " + err.Error())
	}
	delete(m, "id")
	return m
}

// ObjectFromFields decodes a stored or wire field map back into an Object.
// Unknown fields are dropped; partial documents (e.g. skeletons created by a
// merge against a deleted id) decode with zero values.
func ObjectFromFields(id string, fields map[string]any) (*Object, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode field map: %w", err)
	}
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", id, err)
	}
	o.ID = id
	return &o, nil
}

// Dangling reports whether o is a connector with a missing endpoint, given
// the set of live object ids. Dangling connectors are hidden on read; the
// cascade and the reconciler remove them eventually.
func (o *Object) Dangling(exists func(id string) bool) bool {
	if o.Type != TypeConnector {
		return false
	}
	return o.ConnectedFrom == "" || o.ConnectedTo == "" ||
		!exists(o.ConnectedFrom) || !exists(o.ConnectedTo)
}

// Visible filters objs down to what a reader should see: typeless
// skeletons and dangling connectors are hidden. Order is preserved.
func Visible(objs []*Object) []*Object {
	live := make(map[string]bool, len(objs))
	for _, o := range objs {
		live[o.ID] = true
	}
	exists := func(id string) bool { return live[id] }

	out := make([]*Object, 0, len(objs))
	for _, o := range objs {
		if o.Type == "" {
			continue
		}
		if o.Dangling(exists) {
			continue
		}
		out = append(out, o)
	}
	return out
}
