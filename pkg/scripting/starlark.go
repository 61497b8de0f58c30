package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// responseCtor marks structs built by the response() builtin.
var responseCtor = starlark.String("response")

// StarlarkLoader loads ".star" scripts. Top-level code runs once at load
// time; the resulting globals are frozen so functions may be called from
// many goroutines.
type StarlarkLoader struct {
	cfg    Config
	logger zerolog.Logger
}

// NewStarlarkLoader creates a Starlark unit loader.
func NewStarlarkLoader(cfg Config, logger zerolog.Logger) *StarlarkLoader {
	return &StarlarkLoader{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "starlark").Logger(),
	}
}

type starlarkUnit struct {
	location string
	globals  starlark.StringDict
	loader   *StarlarkLoader

	mu      sync.Mutex
	pending []pendingRegistration
}

type pendingRegistration struct {
	capability string
	hook       string
	fn         handler.Func
	source     string
}

// Load implements reference.UnitLoader.
func (l *StarlarkLoader) Load(ctx context.Context, path string) (reference.Unit, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	unit := &starlarkUnit{location: path, loader: l}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	thread := l.newThread(path)
	stop := cancelOnDone(ctx, thread)
	defer stop()

	globals, err := starlark.ExecFile(thread, path, src, l.predeclared(unit))
	if err != nil {
		return nil, scriptError(path, "", err)
	}
	globals.Freeze()
	unit.globals = globals

	if err := l.cfg.applyRegistrations(path, unit.pending); err != nil {
		return nil, &ScriptError{Location: path, Err: err}
	}
	unit.pending = nil

	l.logger.Debug().
		Str("location", path).
		Strs("symbols", unit.Symbols()).
		Msg("Loaded starlark script")
	return unit, nil
}

func (l *StarlarkLoader) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			l.logger.Debug().Str("script", name).Msg(msg)
		},
	}
}

func (l *StarlarkLoader) predeclared(unit *starlarkUnit) starlark.StringDict {
	options := starlark.NewDict(len(l.cfg.Options))
	for k, v := range l.cfg.Options {
		_ = options.SetKey(starlark.String(k), starlark.String(v))
	}
	options.Freeze()

	env := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":     starlarkjson.Module,
		"options":  options,
		"response": starlark.NewBuiltin("response", builtinResponse),
		"abort":    starlark.NewBuiltin("abort", builtinAbort),
	}
	if l.cfg.Registrar != nil {
		env["register_handler"] = starlark.NewBuiltin("register_handler", unit.builtinRegister)
	}
	if l.cfg.Hooks != nil {
		env["input_formatter"] = starlark.NewBuiltin("input_formatter", unit.builtinFormatter(hookPre))
		env["output_formatter"] = starlark.NewBuiltin("output_formatter", unit.builtinFormatter(hookPost))
		env["register_middleware"] = starlark.NewBuiltin("register_middleware", unit.builtinMiddleware)
	}
	return env
}

// Location implements reference.Unit.
func (u *starlarkUnit) Location() string { return u.location }

// Lookup implements reference.Unit.
func (u *starlarkUnit) Lookup(symbol string) (handler.Func, bool) {
	if strings.HasPrefix(symbol, "_") {
		return nil, false
	}
	fn, ok := u.globals[symbol].(starlark.Callable)
	if !ok {
		return nil, false
	}
	return u.wrap(symbol, fn), true
}

// Symbols implements reference.Unit.
func (u *starlarkUnit) Symbols() []string {
	var names []string
	for name, v := range u.globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := v.(*starlark.Function); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (u *starlarkUnit) wrap(name string, fn starlark.Callable) handler.Func {
	return func(ctx context.Context, inv *handler.Invocation) (any, error) {
		return u.call(ctx, name, fn, inv)
	}
}

func (u *starlarkUnit) call(ctx context.Context, name string, fn starlark.Callable, inv *handler.Invocation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, u.loader.cfg.Timeout)
	defer cancel()

	thread := u.loader.newThread(u.location + ":" + name)
	stop := cancelOnDone(ctx, thread)
	defer stop()

	args, err := starlarkArgs(fn, inv)
	if err != nil {
		return nil, &ScriptError{Location: u.location, Symbol: name, Err: err}
	}

	result, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, scriptError(u.location, name, err)
	}

	out, err := fromStarlarkValue(result)
	if err != nil {
		return nil, &ScriptError{Location: u.location, Symbol: name, Err: fmt.Errorf("invalid return value: %w", err)}
	}
	return out, nil
}

// builtinRegister implements register_handler(capability, fn).
func (u *starlarkUnit) builtinRegister(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var capability string
	var fn starlark.Callable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "capability", &capability, "fn", &fn); err != nil {
		return nil, err
	}
	fn.Freeze()

	u.mu.Lock()
	u.pending = append(u.pending, pendingRegistration{
		capability: capability,
		fn:         u.wrap(fn.Name(), fn),
		source:     u.location + ":" + fn.Name(),
	})
	u.mu.Unlock()
	return starlark.None, nil
}

// builtinFormatter implements input_formatter(fn) and output_formatter(fn).
// Both return fn.
func (u *starlarkUnit) builtinFormatter(kind string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fn starlark.Callable
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
			return nil, err
		}
		if err := u.addHook(kind, fn); err != nil {
			return nil, err
		}
		return fn, nil
	}
}

// builtinMiddleware implements register_middleware(name, fn), returning fn.
func (u *starlarkUnit) builtinMiddleware(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var fn starlark.Callable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "fn", &fn); err != nil {
		return nil, err
	}
	kind, err := middlewareKind(name)
	if err != nil {
		return nil, err
	}
	if err := u.addHook(kind, fn); err != nil {
		return nil, err
	}
	return fn, nil
}

func (u *starlarkUnit) addHook(kind string, fn starlark.Callable) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := checkHookUnique(u.pending, kind); err != nil {
		return err
	}
	fn.Freeze()
	u.pending = append(u.pending, pendingRegistration{
		hook:   kind,
		fn:     u.wrap(fn.Name(), fn),
		source: u.location + ":" + fn.Name(),
	})
	return nil
}

// builtinResponse implements response(body=None, status=200, headers={}).
func builtinResponse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var body starlark.Value = starlark.None
	status := 200
	var headers *starlark.Dict
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "body?", &body, "status?", &status, "headers?", &headers); err != nil {
		return nil, err
	}
	if !handler.ValidStatus(status) {
		return nil, fmt.Errorf("%s: invalid status %d", b.Name(), status)
	}
	if headers == nil {
		headers = starlark.NewDict(0)
	}
	return starlarkstruct.FromStringDict(responseCtor, starlark.StringDict{
		"body":    body,
		"status":  starlark.MakeInt(status),
		"headers": headers,
	}), nil
}

// builtinAbort implements abort(status, message).
func builtinAbort(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var status int
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "status", &status, "message?", &message); err != nil {
		return nil, err
	}
	if !handler.ValidStatus(status) {
		return nil, fmt.Errorf("%s: invalid status %d for %q", b.Name(), status, message)
	}
	return nil, &handler.StatusError{Status: status, Message: message}
}

// starlarkArgs converts an invocation into positional arguments, dropping
// trailing arguments a fixed-arity function does not accept.
func starlarkArgs(fn starlark.Callable, inv *handler.Invocation) (starlark.Tuple, error) {
	var args starlark.Tuple
	if inv.Data != nil {
		data, err := dataStruct(inv.Data)
		if err != nil {
			return nil, err
		}
		args = append(args, data)
	}
	req, err := requestStruct(inv.Request)
	if err != nil {
		return nil, err
	}
	args = append(args, req)

	if f, ok := fn.(*starlark.Function); ok && !f.HasVarargs() && f.NumParams() < len(args) {
		args = args[:f.NumParams()]
	}
	return args, nil
}

func dataStruct(data handler.Data) (starlark.Value, error) {
	fields := make(starlark.StringDict, len(data))
	for k, v := range data {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", k, err)
		}
		fields[k] = sv
	}
	return starlarkstruct.FromStringDict(starlark.String("data"), fields), nil
}

func requestStruct(req *handler.Request) (starlark.Value, error) {
	fields := make(starlark.StringDict)
	for k, v := range requestView(req) {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert request %s: %w", k, err)
		}
		fields[k] = sv
	}
	return starlarkstruct.FromStringDict(starlark.String("request"), fields), nil
}

func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func scriptError(location, symbol string, err error) error {
	if se, ok := statusFrom(err); ok {
		return se
	}
	out := &ScriptError{Location: location, Symbol: symbol, Err: err}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		out.Backtrace = evalErr.Backtrace()
	}
	return out
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case handler.Data:
		return toStarlarkValue(map[string]any(val))
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Structs built
// by response() become *handler.Response.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		if val.Constructor() == responseCtor {
			return responseFromMap(dict), nil
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
