package lora

import (
	"sort"
	"sync"

	"github.com/openfroyo/hostkit/pkg/telemetry"
)

// Tracker records the adapters currently registered with the engine. A nil
// Tracker ignores every call.
type Tracker struct {
	mu       sync.RWMutex
	adapters map[string]struct{}
	metrics  *telemetry.Metrics
}

// NewTracker creates a tracker that reports its size to metrics.
func NewTracker(metrics *telemetry.Metrics) *Tracker {
	return &Tracker{
		adapters: make(map[string]struct{}),
		metrics:  metrics,
	}
}

// Add records alias as loaded.
func (t *Tracker) Add(alias string) {
	if t == nil || alias == "" {
		return
	}
	t.mu.Lock()
	t.adapters[alias] = struct{}{}
	n := len(t.adapters)
	t.mu.Unlock()
	t.metrics.SetLoadedAdapters(n)
}

// Remove records alias as unloaded.
func (t *Tracker) Remove(alias string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.adapters, alias)
	n := len(t.adapters)
	t.mu.Unlock()
	t.metrics.SetLoadedAdapters(n)
}

// List returns the loaded adapters, sorted.
func (t *Tracker) List() []string {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.adapters))
	for a := range t.adapters {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
