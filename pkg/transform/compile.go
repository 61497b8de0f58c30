package transform

import (
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// Namespaces a request-side path expression may start from.
var RequestRoots = []string{"body", "headers", "pathParams", "queryParams", "path_params", "query_params"}

// Namespaces a response-side path expression may start from.
var ResponseRoots = []string{"body", "headers", "statusCode", "status_code"}

type compileConfig struct {
	roots map[string]bool
}

// CompileOption configures Compile.
type CompileOption func(*compileConfig)

// WithRoots restricts path expressions to the given top-level namespaces.
// Calling it with no roots disables the check.
func WithRoots(roots ...string) CompileOption {
	return func(c *compileConfig) {
		c.roots = make(map[string]bool, len(roots))
		for _, r := range roots {
			c.roots[r] = true
		}
	}
}

// Compiled is a shape whose expressions have been parsed. It is immutable
// and safe for concurrent use.
type Compiled struct {
	fields []field
}

type field struct {
	key string
	op  operation
}

// operation writes one key of the output.
type operation interface {
	apply(out map[string]any, key string, doc any) error
}

// Compile parses every expression in shape. Compiling once and applying many
// times is the intended use; errors surface here rather than per request.
func Compile(shape Shape, opts ...CompileOption) (*Compiled, error) {
	cfg := &compileConfig{}
	WithRoots(RequestRoots...)(cfg)
	for _, opt := range opts {
		opt(cfg)
	}
	return compileShape("", shape, cfg)
}

// MustCompile is like Compile but panics on error. Use it for shapes that
// are constants of the program.
func MustCompile(shape Shape, opts ...CompileOption) *Compiled {
	c, err := Compile(shape, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Empty reports whether the compiled shape has no keys.
func (c *Compiled) Empty() bool {
	return len(c.fields) == 0
}

func compileShape(prefix string, shape Shape, cfg *compileConfig) (*Compiled, error) {
	compiled := &Compiled{fields: make([]field, 0, len(shape))}
	for _, key := range shape.Keys() {
		fullKey := joinKey(prefix, key)
		op, err := compileNode(fullKey, shape[key], cfg)
		if err != nil {
			return nil, err
		}
		compiled.fields = append(compiled.fields, field{key: key, op: op})
	}
	return compiled, nil
}

func compileNode(key string, node Node, cfg *compileConfig) (operation, error) {
	switch n := node.(type) {
	case Path:
		path, err := compileExpr(key, n.Expr, cfg)
		if err != nil {
			return nil, err
		}
		return &pathOp{expr: n.Expr, path: path, required: n.Required}, nil
	case *Path:
		return compileNode(key, *n, cfg)
	case Literal:
		return &literalOp{value: n.Value}, nil
	case *Literal:
		return compileNode(key, *n, cfg)
	case Append:
		if n.Separator == "" {
			return nil, &CompilationError{Key: key, Expression: n.Expr, Reason: "append separator must not be empty"}
		}
		path, err := compileExpr(key, n.Expr, cfg)
		if err != nil {
			return nil, err
		}
		return &appendOp{expr: n.Expr, path: path, sep: n.Separator}, nil
	case *Append:
		return compileNode(key, *n, cfg)
	case Nested:
		inner, err := compileShape(key, n.Shape, cfg)
		if err != nil {
			return nil, err
		}
		return &nestedOp{inner: inner}, nil
	case *Nested:
		return compileNode(key, *n, cfg)
	case nil:
		return nil, &CompilationError{Key: key, Reason: "nil node"}
	default:
		return nil, &CompilationError{Key: key, Reason: fmt.Sprintf("unsupported node type %T", node)}
	}
}

func compileExpr(key, expr string, cfg *compileConfig) (*jmespath.JMESPath, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &CompilationError{Key: key, Expression: expr, Reason: "empty path expression"}
	}
	if len(cfg.roots) > 0 {
		if root, ok := rootOf(expr); ok && !cfg.roots[root] {
			return nil, &CompilationError{
				Key:        key,
				Expression: expr,
				Reason:     fmt.Sprintf("unknown namespace %q", root),
			}
		}
	}
	path, err := jmespath.Compile(foldHeaderName(expr))
	if err != nil {
		return nil, &CompilationError{Key: key, Expression: expr, Reason: "invalid path expression", Err: err}
	}
	return path, nil
}

// foldHeaderName lower-cases the header name after every reference to the
// headers namespace, so lookups match regardless of how the name was
// written. References inside filter expressions and after '.' or '&' are
// relative to the current element and are left alone.
func foldHeaderName(expr string) string {
	var (
		b       strings.Builder
		filters []bool
		prev    byte
	)
	b.Grow(len(expr))

	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '\'' || c == '`':
			end := literalEnd(expr, i)
			b.WriteString(expr[i:end])
			i, prev = end, c
			continue

		case c == '"' || isIdentByte(c, true):
			end := tokenEnd(expr, i)
			token := expr[i:end]
			b.WriteString(token)
			root := prev != '.' && prev != '&' && !inFilter(filters)
			i, prev = end, 'a'
			if !root || strings.Trim(token, `"`) != "headers" {
				continue
			}
			dot := skipSpaces(expr, i)
			if dot >= len(expr) || expr[dot] != '.' {
				continue
			}
			name := skipSpaces(expr, dot+1)
			if name >= len(expr) || (expr[name] != '"' && !isIdentByte(expr[name], true)) {
				continue
			}
			nameEnd := tokenEnd(expr, name)
			b.WriteString(expr[i:name])
			b.WriteString(strings.ToLower(expr[name:nameEnd]))
			i = nameEnd
			continue

		case c == '[':
			filters = append(filters, i+1 < len(expr) && expr[i+1] == '?')
		case c == ']':
			if n := len(filters); n > 0 {
				filters = filters[:n-1]
			}
		}
		b.WriteByte(c)
		if c != ' ' {
			prev = c
		}
		i++
	}
	return b.String()
}

func inFilter(stack []bool) bool {
	for _, filter := range stack {
		if filter {
			return true
		}
	}
	return false
}

// tokenEnd returns the end of the identifier or quoted identifier at i.
func tokenEnd(expr string, i int) int {
	if expr[i] == '"' {
		return literalEnd(expr, i)
	}
	end := i
	for end < len(expr) && isIdentByte(expr[end], end == i) {
		end++
	}
	return end
}

// literalEnd returns the index just past the literal opened by the quote
// at i, honoring backslash escapes.
func literalEnd(expr string, i int) int {
	quote := expr[i]
	for j := i + 1; j < len(expr); j++ {
		switch expr[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(expr)
}

func skipSpaces(expr string, i int) int {
	for i < len(expr) && expr[i] == ' ' {
		i++
	}
	return i
}

// rootOf returns the first field name of a path expression. Expressions that
// do not start with a field (functions, literals, current node) report false.
func rootOf(expr string) (string, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", false
	}

	if expr[0] == '"' {
		for i := 1; i < len(expr); i++ {
			switch expr[i] {
			case '\\':
				i++
			case '"':
				return expr[1:i], true
			}
		}
		return "", false
	}

	end := 0
	for end < len(expr) && isIdentByte(expr[end], end == 0) {
		end++
	}
	if end == 0 {
		return "", false
	}
	rest := strings.TrimSpace(expr[end:])
	if strings.HasPrefix(rest, "(") {
		return "", false
	}
	return expr[:end], true
}

func isIdentByte(b byte, first bool) bool {
	switch {
	case b == '_', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return !first
	}
	return false
}
