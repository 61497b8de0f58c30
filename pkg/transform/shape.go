package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one value in a shape. The set of node kinds is closed: Path,
// Literal, Append and Nested.
type Node interface {
	node()
}

// Path extracts the value found at a path expression in the source
// document. A Required path that resolves to nothing is an extraction error.
type Path struct {
	Expr     string
	Required bool
}

// Literal places a constant value in the output.
type Literal struct {
	Value any
}

// Append concatenates the extracted value onto whatever already sits at the
// target key, joined by Separator. With nothing there, the value is used
// alone.
type Append struct {
	Separator string
	Expr      string
}

// Nested builds a sub-object from an inner shape.
type Nested struct {
	Shape Shape
}

func (Path) node()    {}
func (Literal) node() {}
func (Append) node()  {}
func (Nested) node()  {}

// Shape maps output keys to nodes. The empty shape transforms any input to
// nil; a nil *Shape means "no shape" and selects passthrough in the wrapper.
type Shape map[string]Node

// Keys returns the shape's keys in sorted order.
func (s Shape) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// At builds a shape that places leaf at a dotted target path, nesting
// sub-shapes for each intermediate segment.
func At(path string, leaf Node) (Shape, error) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid target path %q", path)
		}
	}
	shape := Shape{parts[len(parts)-1]: leaf}
	for i := len(parts) - 2; i >= 0; i-- {
		shape = Shape{parts[i]: Nested{Shape: shape}}
	}
	return shape, nil
}

// Parse builds a shape from its wire form, as decoded from JSON or YAML.
//
//	"body.name"                                  path
//	"'v1'" or "`{\"a\": 1}`"                     literal
//	{"expression": "...", "separator": ":"}      append
//	{"expression": "...", "required": true}      required path
//	{"literal": ...}                             literal
//	{...anything else...}                        nested shape
//
// Numbers, booleans, nulls and lists are literals.
func Parse(raw map[string]any) (Shape, error) {
	return parseShape("", raw)
}

// ParseJSON parses a shape from JSON text.
func ParseJSON(data []byte) (Shape, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode shape: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("shape must be an object")
	}
	return Parse(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Shape) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Shape) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode shape: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func parseShape(prefix string, raw map[string]any) (Shape, error) {
	shape := make(Shape, len(raw))
	for key, value := range raw {
		node, err := parseNode(joinKey(prefix, key), value)
		if err != nil {
			return nil, err
		}
		shape[key] = node
	}
	return shape, nil
}

func parseNode(key string, value any) (Node, error) {
	switch v := value.(type) {
	case string:
		return parseString(key, v)
	case map[string]any:
		return parseObject(key, v)
	default:
		return Literal{Value: value}, nil
	}
}

func parseString(key, s string) (Node, error) {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return Literal{Value: s[1 : len(s)-1]}, nil
	}
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		var v any
		if err := json.Unmarshal([]byte(s[1:len(s)-1]), &v); err != nil {
			return nil, &CompilationError{Key: key, Expression: s, Reason: "invalid JSON literal", Err: err}
		}
		return Literal{Value: v}, nil
	}
	return Path{Expr: s}, nil
}

func parseObject(key string, obj map[string]any) (Node, error) {
	if lit, ok := obj["literal"]; ok && len(obj) == 1 {
		return Literal{Value: lit}, nil
	}

	rawExpr, hasExpr := obj["expression"]
	if !hasExpr {
		inner, err := parseShape(key, obj)
		if err != nil {
			return nil, err
		}
		return Nested{Shape: inner}, nil
	}

	expr, ok := rawExpr.(string)
	if !ok {
		return nil, &CompilationError{Key: key, Reason: "expression must be a string"}
	}

	op, _ := obj["operation"].(string)
	rawSep, hasSep := obj["separator"]
	if hasSep || op != "" {
		if op != "" && !strings.EqualFold(op, "append") {
			return nil, &CompilationError{Key: key, Expression: expr, Reason: fmt.Sprintf("unsupported operation %q", op)}
		}
		sep, ok := rawSep.(string)
		if hasSep && !ok {
			return nil, &CompilationError{Key: key, Expression: expr, Reason: "separator must be a string"}
		}
		return Append{Separator: sep, Expr: expr}, nil
	}

	required, _ := obj["required"].(bool)
	return Path{Expr: expr, Required: required}, nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
