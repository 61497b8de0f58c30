package scripting

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// jsPrelude defines the helpers every script sees.
const jsPrelude = `
function response(body, status, headers) {
  return { __response__: true, body: body, status: status || 200, headers: headers || {} };
}
function abort(status, message) {
  var e = new Error(message || "");
  e.name = "HTTPError";
  e.status = status;
  throw e;
}
`

var jsReserved = map[string]bool{
	"response":            true,
	"abort":               true,
	"register_handler":    true,
	"input_formatter":     true,
	"output_formatter":    true,
	"register_middleware": true,
	"console":             true,
	"options":             true,
}

// JSLoader loads ".js" scripts into a goja runtime. A goja runtime is single
// threaded, so calls into one unit are serialized.
type JSLoader struct {
	cfg    Config
	logger zerolog.Logger
}

// NewJSLoader creates an ECMAScript unit loader.
func NewJSLoader(cfg Config, logger zerolog.Logger) *JSLoader {
	return &JSLoader{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "javascript").Logger(),
	}
}

type jsUnit struct {
	location string
	loader   *JSLoader

	mu    sync.Mutex
	vm    *goja.Runtime
	funcs map[string]goja.Callable
}

// Load implements reference.UnitLoader.
func (l *JSLoader) Load(ctx context.Context, path string) (reference.Unit, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	unit := &jsUnit{location: path, loader: l, vm: vm, funcs: make(map[string]goja.Callable)}

	var pending []pendingRegistration
	if err := l.installGlobals(vm, unit, &pending); err != nil {
		return nil, &ScriptError{Location: path, Err: err}
	}

	stop := interruptOnDone(ctx, vm, l.cfg.Timeout)
	_, err = vm.RunScript(path, string(src))
	stop()
	if err != nil {
		return nil, jsError(path, "", err)
	}

	for _, key := range vm.GlobalObject().Keys() {
		if jsReserved[key] || strings.HasPrefix(key, "_") {
			continue
		}
		if fn, ok := goja.AssertFunction(vm.Get(key)); ok {
			unit.funcs[key] = fn
		}
	}

	if err := l.cfg.applyRegistrations(path, pending); err != nil {
		return nil, &ScriptError{Location: path, Err: err}
	}

	l.logger.Debug().
		Str("location", path).
		Strs("symbols", unit.Symbols()).
		Msg("Loaded javascript module")
	return unit, nil
}

func (l *JSLoader) installGlobals(vm *goja.Runtime, unit *jsUnit, pending *[]pendingRegistration) error {
	if _, err := vm.RunString(jsPrelude); err != nil {
		return fmt.Errorf("failed to install prelude: %w", err)
	}

	options := make(map[string]any, len(l.cfg.Options))
	for k, v := range l.cfg.Options {
		options[k] = v
	}
	if err := vm.Set("options", options); err != nil {
		return err
	}

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		l.logger.Debug().Str("script", unit.location).Msg(strings.Join(parts, " "))
		return goja.Undefined()
	}
	if err := console.Set("log", logFn); err != nil {
		return err
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if l.cfg.Registrar != nil {
		err := vm.Set("register_handler", func(call goja.FunctionCall) goja.Value {
			capability := call.Argument(0).String()
			fn, name := jsCallable(vm, "register_handler", call.Argument(1))
			*pending = append(*pending, pendingRegistration{
				capability: capability,
				fn:         unit.wrap(name, fn),
				source:     unit.location + ":" + name,
			})
			return goja.Undefined()
		})
		if err != nil {
			return err
		}
	}
	if l.cfg.Hooks == nil {
		return nil
	}

	addHook := func(builtin, kind string, arg goja.Value) goja.Value {
		fn, name := jsCallable(vm, builtin, arg)
		if err := checkHookUnique(*pending, kind); err != nil {
			panic(vm.NewGoError(err))
		}
		*pending = append(*pending, pendingRegistration{
			hook:   kind,
			fn:     unit.wrap(name, fn),
			source: unit.location + ":" + name,
		})
		return arg
	}
	if err := vm.Set("input_formatter", func(call goja.FunctionCall) goja.Value {
		return addHook("input_formatter", hookPre, call.Argument(0))
	}); err != nil {
		return err
	}
	if err := vm.Set("output_formatter", func(call goja.FunctionCall) goja.Value {
		return addHook("output_formatter", hookPost, call.Argument(0))
	}); err != nil {
		return err
	}
	return vm.Set("register_middleware", func(call goja.FunctionCall) goja.Value {
		kind, err := middlewareKind(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return addHook("register_middleware", kind, call.Argument(1))
	})
}

// jsCallable asserts that arg is a function and returns it with its name.
func jsCallable(vm *goja.Runtime, builtin string, arg goja.Value) (goja.Callable, string) {
	fn, ok := goja.AssertFunction(arg)
	if !ok {
		panic(vm.NewTypeError(builtin + ": argument must be a function"))
	}
	name := "anonymous"
	if obj, ok := arg.(*goja.Object); ok {
		if n := obj.Get("name"); n != nil && n.String() != "" {
			name = n.String()
		}
	}
	return fn, name
}

// Location implements reference.Unit.
func (u *jsUnit) Location() string { return u.location }

// Lookup implements reference.Unit.
func (u *jsUnit) Lookup(symbol string) (handler.Func, bool) {
	fn, ok := u.funcs[symbol]
	if !ok {
		return nil, false
	}
	return u.wrap(symbol, fn), true
}

// Symbols implements reference.Unit.
func (u *jsUnit) Symbols() []string {
	names := make([]string, 0, len(u.funcs))
	for name := range u.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *jsUnit) wrap(name string, fn goja.Callable) handler.Func {
	return func(ctx context.Context, inv *handler.Invocation) (any, error) {
		u.mu.Lock()
		defer u.mu.Unlock()

		args := []goja.Value{}
		if inv.Data != nil {
			args = append(args, u.vm.ToValue(map[string]any(inv.Data)))
		}
		args = append(args, u.vm.ToValue(requestView(inv.Request)))

		stop := interruptOnDone(ctx, u.vm, u.loader.cfg.Timeout)
		result, err := fn(goja.Undefined(), args...)
		stop()
		if err != nil {
			return nil, jsError(u.location, name, err)
		}
		return exportJS(result), nil
	}
}

// interruptOnDone interrupts vm when ctx is done or timeout elapses.
func interruptOnDone(ctx context.Context, vm *goja.Runtime, timeout time.Duration) func() {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() {
		close(done)
		cancel()
		vm.ClearInterrupt()
	}
}

func exportJS(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	out := v.Export()
	if m, ok := out.(map[string]any); ok {
		if marker, _ := m["__response__"].(bool); marker {
			delete(m, "__response__")
			return responseFromMap(m)
		}
	}
	return out
}

func jsError(location, symbol string, err error) error {
	if exc, ok := err.(*goja.Exception); ok {
		if obj, ok := exc.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && name.String() == "HTTPError" {
				status := http.StatusInternalServerError
				if s := obj.Get("status"); s != nil && handler.ValidStatus(int(s.ToInteger())) {
					status = int(s.ToInteger())
				}
				message := ""
				if m := obj.Get("message"); m != nil {
					message = m.String()
				}
				return &handler.StatusError{Status: status, Message: message}
			}
		}
		return &ScriptError{Location: location, Symbol: symbol, Backtrace: exc.String(), Err: err}
	}
	return &ScriptError{Location: location, Symbol: symbol, Err: err}
}
