package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Apply evaluates the shape against doc. It returns nil for an empty shape.
func (c *Compiled) Apply(doc any) (map[string]any, error) {
	return c.ApplyOnto(nil, doc)
}

// ApplyOnto evaluates the shape against doc starting from a copy of base.
// Append nodes concatenate onto values already in base. Neither base nor
// doc is modified.
func (c *Compiled) ApplyOnto(base map[string]any, doc any) (map[string]any, error) {
	if c == nil || len(c.fields) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(base)+len(c.fields))
	for k, v := range base {
		out[k] = v
	}

	for _, f := range c.fields {
		if err := f.op.apply(out, f.key, doc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type pathOp struct {
	expr     string
	path     interface{ Search(any) (any, error) }
	required bool
}

func (o *pathOp) apply(out map[string]any, key string, doc any) error {
	v, err := o.path.Search(doc)
	if err != nil {
		return &ExtractionError{Key: key, Expression: o.expr, Err: err}
	}
	if v == nil {
		if o.required {
			return &ExtractionError{Key: key, Expression: o.expr}
		}
		return nil
	}
	out[key] = v
	return nil
}

type literalOp struct {
	value any
}

func (o *literalOp) apply(out map[string]any, key string, _ any) error {
	out[key] = cloneValue(o.value)
	return nil
}

type appendOp struct {
	expr string
	path interface{ Search(any) (any, error) }
	sep  string
}

func (o *appendOp) apply(out map[string]any, key string, doc any) error {
	v, err := o.path.Search(doc)
	if err != nil {
		return &ExtractionError{Key: key, Expression: o.expr, Err: err}
	}
	if v == nil {
		return nil
	}

	value := stringify(v)
	if existing, ok := out[key]; ok && existing != nil {
		out[key] = stringify(existing) + o.sep + value
		return nil
	}
	out[key] = value
	return nil
}

type nestedOp struct {
	inner *Compiled
}

func (o *nestedOp) apply(out map[string]any, key string, doc any) error {
	base, _ := out[key].(map[string]any)
	sub, err := o.inner.ApplyOnto(base, doc)
	if err != nil {
		return err
	}
	if sub == nil {
		sub = make(map[string]any, len(base))
		for k, v := range base {
			sub[k] = v
		}
	}
	out[key] = sub
	return nil
}

// stringify renders an extracted value for concatenation. Whole numbers
// print without a fractional part; objects and lists print as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
