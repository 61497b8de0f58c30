package reference

import (
	"sort"
	"sync"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// Module is a compiled-in code unit addressed by a dotted path such as
// "engine.handlers".
type Module struct {
	path    string
	symbols map[string]handler.Func
}

// Location implements Unit.
func (m *Module) Location() string { return m.path }

// Lookup implements Unit.
func (m *Module) Lookup(symbol string) (handler.Func, bool) {
	fn, ok := m.symbols[symbol]
	return fn, ok
}

// Symbols implements Unit.
func (m *Module) Symbols() []string {
	names := make([]string, 0, len(m.symbols))
	for name := range m.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModuleTable holds the Go modules a binary makes addressable by reference.
type ModuleTable struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewModuleTable creates an empty module table.
func NewModuleTable() *ModuleTable {
	return &ModuleTable{modules: make(map[string]*Module)}
}

// Register adds or replaces the module at path. Symbols registered later
// under the same path are merged into the existing module.
func (t *ModuleTable) Register(path string, symbols map[string]handler.Func) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Modules are replaced rather than mutated; resolved units may be read
	// concurrently without the table lock.
	merged := make(map[string]handler.Func, len(symbols))
	if old, ok := t.modules[path]; ok {
		for name, fn := range old.symbols {
			merged[name] = fn
		}
	}
	for name, fn := range symbols {
		merged[name] = fn
	}
	t.modules[path] = &Module{path: path, symbols: merged}
}

// Lookup returns the module registered at path.
func (t *ModuleTable) Lookup(path string) (*Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mod, ok := t.modules[path]
	return mod, ok
}

// Paths returns the registered module paths in sorted order.
func (t *ModuleTable) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.modules))
	for p := range t.modules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
