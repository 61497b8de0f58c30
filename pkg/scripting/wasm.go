package scripting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// WASMLoader loads ".wasm" modules. A module must export memory, malloc and
// free. Every other export with the signature (ptr i32, len i32) -> i64 is a
// callable symbol: it receives a JSON request envelope and returns a packed
// (ptr << 32 | len) pointer to a JSON response envelope.
type WASMLoader struct {
	cfg    Config
	logger zerolog.Logger
}

// NewWASMLoader creates a WebAssembly unit loader.
func NewWASMLoader(cfg Config, logger zerolog.Logger) *WASMLoader {
	return &WASMLoader{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "wasm").Logger(),
	}
}

// wasmRequest is the JSON envelope written into module memory.
type wasmRequest struct {
	Data    map[string]any    `json:"data,omitempty"`
	Request map[string]any    `json:"request"`
	Options map[string]string `json:"options,omitempty"`
}

// wasmResponse is the JSON envelope a module returns.
type wasmResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type wasmUnit struct {
	location string
	loader   *WASMLoader
	runtime  wazero.Runtime
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	symbols  map[string]api.Function

	// wazero functions are not safe for concurrent calls.
	mu sync.Mutex
}

// Load implements reference.UnitLoader.
func (l *WASMLoader) Load(ctx context.Context, path string) (reference.Unit, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(l.cfg.MemoryLimitPages)
	rt := wazero.NewRuntimeWithConfig(context.Background(), runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := l.registerHostFunctions(ctx, rt, path); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(path).
		WithStartFunctions("_initialize")
	module, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	unit := &wasmUnit{
		location: path,
		loader:   l,
		runtime:  rt,
		module:   module,
		memory:   module.Memory(),
		malloc:   module.ExportedFunction("malloc"),
		free:     module.ExportedFunction("free"),
		symbols:  make(map[string]api.Function),
	}
	if unit.memory == nil || unit.malloc == nil || unit.free == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("module must export memory, malloc and free")
	}

	for name, def := range compiled.ExportedFunctions() {
		if name == "malloc" || name == "free" || name == "_initialize" || name == "_start" {
			continue
		}
		if !isEnvelopeSignature(def) {
			continue
		}
		unit.symbols[name] = module.ExportedFunction(name)
	}

	l.logger.Debug().
		Str("location", path).
		Strs("symbols", unit.Symbols()).
		Msg("Loaded wasm module")
	return unit, nil
}

// registerHostFunctions exposes env.log(ptr, len) for module diagnostics.
func (l *WASMLoader) registerHostFunctions(ctx context.Context, rt wazero.Runtime, path string) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			l.logger.Debug().Str("script", path).Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	return err
}

func isEnvelopeSignature(def api.FunctionDefinition) bool {
	params := def.ParamTypes()
	results := def.ResultTypes()
	return len(params) == 2 &&
		params[0] == api.ValueTypeI32 &&
		params[1] == api.ValueTypeI32 &&
		len(results) == 1 &&
		results[0] == api.ValueTypeI64
}

// Location implements reference.Unit.
func (u *wasmUnit) Location() string { return u.location }

// Lookup implements reference.Unit.
func (u *wasmUnit) Lookup(symbol string) (handler.Func, bool) {
	fn, ok := u.symbols[symbol]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, inv *handler.Invocation) (any, error) {
		return u.invoke(ctx, symbol, fn, inv)
	}, true
}

// Symbols implements reference.Unit.
func (u *wasmUnit) Symbols() []string {
	names := make([]string, 0, len(u.symbols))
	for name := range u.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *wasmUnit) invoke(ctx context.Context, symbol string, fn api.Function, inv *handler.Invocation) (any, error) {
	input, err := json.Marshal(wasmRequest{
		Data:    inv.Data,
		Request: requestView(inv.Request),
		Options: u.loader.cfg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, u.loader.cfg.Timeout)
	defer cancel()

	u.mu.Lock()
	output, err := u.call(ctx, fn, input)
	u.mu.Unlock()
	if err != nil {
		return nil, &ScriptError{Location: u.location, Symbol: symbol, Err: err}
	}

	var resp wasmResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, &ScriptError{Location: u.location, Symbol: symbol, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if resp.Error != "" {
		status := resp.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return nil, &handler.StatusError{Status: status, Message: resp.Error}
	}
	if resp.Status == 0 && len(resp.Headers) == 0 {
		return resp.Body, nil
	}
	out := &handler.Response{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	return out, nil
}

// call runs fn with JSON input and returns its JSON output.
func (u *wasmUnit) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := u.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer u.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !u.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to module memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("module call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("module function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := u.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from module memory")
	}
	// Read returns a view into linear memory; copy before freeing.
	output := make([]byte, len(view))
	copy(output, view)

	if err := u.deallocate(ctx, outputPtr); err != nil {
		u.loader.logger.Warn().Err(err).Str("location", u.location).Msg("Failed to free module output")
	}
	return output, nil
}

func (u *wasmUnit) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := u.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (u *wasmUnit) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := u.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// Close releases the module runtime.
func (u *wasmUnit) Close(ctx context.Context) error {
	return u.runtime.Close(ctx)
}
