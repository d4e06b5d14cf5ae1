package board

import (
	"fmt"
	"math"
	"regexp"
)

// MaxTextLength bounds the text attribute of any object.
const MaxTextLength = 10000

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ValidationError marks input that must never be committed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// commonFields may appear on every object type. text is common: stickies and
// text objects carry content, frames carry their title.
var commonFields = map[string]bool{
	"type": true, "x": true, "y": true, "width": true, "height": true,
	"rotation": true, "color": true, "zIndex": true, "text": true,
}

// typeBoundFields are only valid on one specific type.
var typeBoundFields = map[string]ObjectType{
	"fontSize":      TypeText,
	"radius":        TypeCircle,
	"points":        TypeLine,
	"connectedFrom": TypeConnector,
	"connectedTo":   TypeConnector,
	"style":         TypeConnector,
}

// FieldAllowed reports whether key may appear on an object of type t.
func FieldAllowed(t ObjectType, key string) bool {
	if commonFields[key] {
		return true
	}
	owner, ok := typeBoundFields[key]
	return ok && owner == t
}

// ValidateCreate checks a full field map for a new object: the type must be
// known, every field must be compatible with it, values must be well-formed,
// and the type's required geometry must be present.
func ValidateCreate(fields map[string]any) error {
	rawType, ok := fields["type"].(string)
	if !ok || rawType == "" {
		return invalidf("type", "required")
	}
	typ := ObjectType(rawType)
	if !KnownType(typ) {
		return invalidf("type", "unknown object type %q", rawType)
	}

	for key := range fields {
		if !FieldAllowed(typ, key) {
			return invalidf(key, "not valid for type %q", typ)
		}
	}
	if err := validateValues(fields); err != nil {
		return err
	}

	switch typ {
	case TypeCircle:
		r, ok := numberField(fields, "radius")
		if !ok || r <= 0 {
			return invalidf("radius", "must be > 0 for a circle")
		}
	case TypeLine:
		if _, ok := fields["points"]; !ok {
			return invalidf("points", "required for a line")
		}
	case TypeConnector:
		for _, key := range []string{"connectedFrom", "connectedTo"} {
			s, ok := fields[key].(string)
			if !ok || s == "" {
				return invalidf(key, "required for a connector")
			}
		}
		for _, key := range []string{"x", "y", "width", "height"} {
			if v, ok := numberField(fields, key); ok && v != 0 {
				return invalidf(key, "connector geometry is fixed at zero")
			}
		}
	default: // sticky, rectangle, text, frame
		for _, key := range []string{"width", "height"} {
			v, ok := numberField(fields, key)
			if !ok || v <= 0 {
				return invalidf(key, "must be > 0 for type %q", typ)
			}
		}
	}
	return nil
}

// ValidatePartial checks a merge update. Type is immutable, server stamps are
// rejected, and every provided value must be well-formed. Compatibility with
// the object's declared type is enforced separately by the hub, which knows
// the current object (a merge against a missing document has no type at all).
func ValidatePartial(fields map[string]any) error {
	if len(fields) == 0 {
		return invalidf("update", "no fields provided")
	}
	if _, ok := fields["type"]; ok {
		return invalidf("type", "cannot be changed")
	}
	if _, ok := fields["updatedAt"]; ok {
		return invalidf("updatedAt", "server-stamped, not writable")
	}
	return validateValues(fields)
}

// ValidateAgainstType rejects partial fields incompatible with the object's
// declared type.
func ValidateAgainstType(t ObjectType, fields map[string]any) error {
	for key := range fields {
		if key == "lastEditedBy" {
			continue
		}
		if !FieldAllowed(t, key) {
			return invalidf(key, "not valid for type %q", t)
		}
	}
	return nil
}

func validateValues(fields map[string]any) error {
	for _, key := range []string{"x", "y", "width", "height", "rotation", "fontSize", "radius", "zIndex"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		v, ok := asNumber(raw)
		if !ok {
			return invalidf(key, "must be a number")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalidf(key, "must be finite")
		}
	}

	for _, key := range []string{"width", "height"} {
		if v, ok := numberField(fields, key); ok && v < 0 {
			return invalidf(key, "must not be negative")
		}
	}
	if v, ok := numberField(fields, "radius"); ok && v <= 0 {
		return invalidf("radius", "must be > 0")
	}
	if v, ok := numberField(fields, "fontSize"); ok && v <= 0 {
		return invalidf("fontSize", "must be > 0")
	}

	if raw, ok := fields["color"]; ok {
		s, ok := raw.(string)
		if !ok || !colorPattern.MatchString(s) {
			return invalidf("color", "must be a #rrggbb hex string")
		}
	}

	if raw, ok := fields["text"]; ok {
		s, ok := raw.(string)
		if !ok {
			return invalidf("text", "must be a string")
		}
		if len(s) > MaxTextLength {
			return invalidf("text", "exceeds %d characters", MaxTextLength)
		}
	}

	if raw, ok := fields["points"]; ok {
		pts, ok := asNumbers(raw)
		if !ok || len(pts) != 4 {
			return invalidf("points", "must be [x0,y0,x1,y1]")
		}
		for _, p := range pts {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return invalidf("points", "must be finite")
			}
		}
	}

	for _, key := range []string{"connectedFrom", "connectedTo"} {
		if raw, ok := fields[key]; ok {
			if s, isStr := raw.(string); !isStr || s == "" {
				return invalidf(key, "must be a non-empty object id")
			}
		}
	}

	if raw, ok := fields["style"]; ok {
		if err := validateStyle(raw); err != nil {
			return err
		}
	}
	return nil
}

func validateStyle(raw any) error {
	switch s := raw.(type) {
	case *ConnectorStyle:
		if s.LineStyle != LineSolid && s.LineStyle != LineDashed {
			return invalidf("style.lineStyle", "must be %q or %q", LineSolid, LineDashed)
		}
		return nil
	case ConnectorStyle:
		return validateStyle(&s)
	case map[string]any:
		for key, v := range s {
			switch key {
			case "lineStyle":
				ls, ok := v.(string)
				if !ok || (ls != LineSolid && ls != LineDashed) {
					return invalidf("style.lineStyle", "must be %q or %q", LineSolid, LineDashed)
				}
			case "arrowHead":
				if _, ok := v.(bool); !ok {
					return invalidf("style.arrowHead", "must be a boolean")
				}
			default:
				return invalidf("style", "unknown key %q", key)
			}
		}
		return nil
	default:
		return invalidf("style", "must be an object")
	}
}

func numberField(fields map[string]any, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	return asNumber(raw)
}

func asNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func asNumbers(raw any) ([]float64, bool) {
	switch vs := raw.(type) {
	case []float64:
		return vs, true
	case []any:
		out := make([]float64, 0, len(vs))
		for _, v := range vs {
			n, ok := asNumber(v)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	default:
		return nil, false
	}
}
