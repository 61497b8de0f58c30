package scripting

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// Registrar receives the handler registrations a script makes while its
// top-level code runs.
type Registrar interface {
	RegisterScriptHandler(capability string, fn handler.Func, source string)
}

// Config configures the script loaders.
type Config struct {
	// Timeout bounds a single call into a script. Zero means 30 seconds.
	Timeout time.Duration

	// Options are exposed to scripts as the read-only "options" mapping.
	Options map[string]string

	// Registrar receives register_handler() calls. Nil disables the builtin.
	Registrar Registrar

	// Hooks receives input_formatter(), output_formatter() and
	// register_middleware() calls. Nil disables those builtins.
	Hooks HookRegistrar

	// MemoryLimitPages caps WebAssembly linear memory in 64KiB pages.
	// Zero means 256 pages (16MiB).
	MemoryLimitPages uint32
}

// DefaultConfig returns the loader defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256
	}
	return c
}

// Loaders returns a unit loader for every supported script suffix.
func Loaders(cfg Config, logger zerolog.Logger) map[string]reference.UnitLoader {
	return map[string]reference.UnitLoader{
		".star": NewStarlarkLoader(cfg, logger),
		".js":   NewJSLoader(cfg, logger),
		".wasm": NewWASMLoader(cfg, logger),
	}
}

// ResolverOptions returns resolver options registering every loader.
func ResolverOptions(cfg Config, logger zerolog.Logger) []reference.Option {
	var opts []reference.Option
	for suffix, loader := range Loaders(cfg, logger) {
		opts = append(opts, reference.WithUnitLoader(suffix, loader))
	}
	return opts
}
