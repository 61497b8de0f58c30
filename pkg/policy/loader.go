package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Header directives recognized in the leading comment block of a .rego
// file:
//
//	# capabilities: loadAdapter, unloadAdapter
//	# severity: warning
const (
	directiveCapabilities = "capabilities:"
	directiveSeverity     = "severity:"
)

// Loader reads admission policies from .rego, .json and .yaml files.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// cachedPolicy is valid while the file's modification time and size are
// unchanged.
type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  *Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy under paths. A path may name a single
// file or a directory, which is walked recursively. A missing path is an
// error; an unparseable file inside a directory is logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, err
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(file) {
				return nil
			}
			p, err := l.loadFromFile(ctx, file)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk policy directory %s: %w", path, err)
		}
	}

	l.logger.Info().
		Int("policies", len(out)).
		Int("sources", len(paths)).
		Msg("Policies loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// loadFromFile parses one policy file, reusing the cached result while the
// file is unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".rego":
		p = parseRego(path, string(data))
	case ".json":
		p, err = parseDefinition(path, data, json.Unmarshal)
	case ".yaml", ".yml":
		p, err = parseDefinition(path, data, yaml.Unmarshal)
	default:
		return nil, fmt.Errorf("unsupported policy file type %q", ext)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Strs("capabilities", p.Capabilities).
		Msg("Policy parsed")
	return p, nil
}

// parseRego builds a policy from bare Rego source. The name is the file
// name; the leading comment block supplies the description and any header
// directives.
func parseRego(path, source string) *Policy {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Rego:     source,
		Severity: SeverityError,
		Enabled:  true,
		Metadata: map[string]interface{}{"source": path},
	}

	var description []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		switch {
		case strings.HasPrefix(comment, directiveCapabilities):
			p.Capabilities = splitList(strings.TrimPrefix(comment, directiveCapabilities))
		case strings.HasPrefix(comment, directiveSeverity):
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, directiveSeverity)))
		case comment != "":
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// definition is the structured policy file format.
type definition struct {
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description" yaml:"description"`
	Rego         string                 `json:"rego" yaml:"rego"`
	Severity     Severity               `json:"severity" yaml:"severity"`
	Enabled      *bool                  `json:"enabled" yaml:"enabled"`
	Capabilities []string               `json:"capabilities" yaml:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata" yaml:"metadata"`
}

// parseDefinition decodes a structured policy definition. Definitions are
// enabled unless they say otherwise.
func parseDefinition(path string, data []byte, unmarshal func([]byte, any) error) (*Policy, error) {
	var def definition
	if err := unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("policy %s has no name", path)
	}
	if def.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", path)
	}

	p := &Policy{
		Name:         def.Name,
		Description:  def.Description,
		Rego:         def.Rego,
		Severity:     def.Severity,
		Enabled:      def.Enabled == nil || *def.Enabled,
		Capabilities: def.Capabilities,
		Metadata:     def.Metadata,
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path
	return p, nil
}

// Watch reloads policies from paths whenever a policy file under them is
// written or created, and hands the result to reload. It returns once the
// watcher is set up; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, path := range paths {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || p == path {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, reload)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed; keeping previous policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// ClearCache forgets every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}
