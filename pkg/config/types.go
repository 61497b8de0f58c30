package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/hostkit/pkg/telemetry"
	"github.com/openfroyo/hostkit/pkg/transform"
)

// Default values for Settings.
const (
	DefaultListenAddr     = ":8080"
	DefaultModelPath      = "/opt/ml/model/"
	DefaultScriptFilename = "model.star"
	DefaultScriptTimeout  = 30 * time.Second
	DefaultInjectPath     = "model"
	DefaultPurgeInterval  = time.Minute
)

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Settings is the complete shim configuration.
type Settings struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `json:"listenAddr" yaml:"listenAddr" validate:"required"`

	// ModelPath is the directory holding the model artifacts and the
	// custom script.
	ModelPath string `json:"modelPath" yaml:"modelPath" validate:"required"`

	// ScriptFilename names the designated script inside ModelPath. An
	// absolute path is used as is.
	ScriptFilename string `json:"scriptFilename" yaml:"scriptFilename" validate:"required"`

	// ScriptTimeout bounds a single call into a script.
	ScriptTimeout time.Duration `json:"scriptTimeout" yaml:"scriptTimeout" validate:"gte=0"`

	// WatchScript re-runs discovery when the script changes.
	WatchScript bool `json:"watchScript" yaml:"watchScript"`

	// Transport is the transport segment of override variable names.
	Transport string `json:"transport" yaml:"transport" validate:"required,alphanum"`

	// Options are engine options, exposed to scripts as "options".
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`

	// Capabilities holds per-capability shapes and request defaults,
	// keyed by capability name.
	Capabilities map[string]CapabilityConfig `json:"capabilities,omitempty" yaml:"capabilities,omitempty" validate:"dive"`

	Adapters  AdapterConfig    `json:"adapters" yaml:"adapters"`
	Sessions  SessionConfig    `json:"sessions" yaml:"sessions"`
	Policy    PolicyConfig     `json:"policy" yaml:"policy"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" validate:"-"`
}

// CapabilityConfig declares the shapes applied around one capability.
type CapabilityConfig struct {
	Request  *transform.Shape `json:"request,omitempty" yaml:"request,omitempty"`
	Response *transform.Shape `json:"response,omitempty" yaml:"response,omitempty"`
	Error    *transform.Shape `json:"error,omitempty" yaml:"error,omitempty"`

	// Defaults seed the request before the request shape runs.
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// AdapterConfig configures adapter identifier injection.
type AdapterConfig struct {
	InjectPath      string `json:"injectPath" yaml:"injectPath" validate:"required"`
	InjectAppend    bool   `json:"injectAppend" yaml:"injectAppend"`
	InjectSeparator string `json:"injectSeparator" yaml:"injectSeparator" validate:"required_if=InjectAppend true"`
}

// SessionConfig configures the default session manager.
type SessionConfig struct {
	// Enabled turns on the default session manager. Without it, session
	// requests only work when the engine provides the capabilities.
	Enabled bool `json:"enabled" yaml:"enabled"`

	Store string `json:"store" yaml:"store" validate:"oneof=memory sqlite"`

	// Path is the SQLite database file.
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Store sqlite"`

	TTL           time.Duration `json:"ttl" yaml:"ttl" validate:"gt=0"`
	PurgeInterval time.Duration `json:"purgeInterval" yaml:"purgeInterval" validate:"gte=0"`

	// CreateResponsePath locates the session id in an engine's create
	// session response.
	CreateResponsePath string `json:"createResponsePath,omitempty" yaml:"createResponsePath,omitempty"`

	// CloseRequestPath places the session id in an engine's close
	// session request.
	CloseRequestPath string `json:"closeRequestPath,omitempty" yaml:"closeRequestPath,omitempty"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths are policy files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads policies when a file under Paths changes.
	Watch bool `json:"watch" yaml:"watch"`

	// DisableBuiltins skips the built-in policies.
	DisableBuiltins bool `json:"disableBuiltins" yaml:"disableBuiltins"`
}

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	tel := telemetry.DefaultConfig()
	return &Settings{
		ListenAddr:     DefaultListenAddr,
		ModelPath:      DefaultModelPath,
		ScriptFilename: DefaultScriptFilename,
		ScriptTimeout:  DefaultScriptTimeout,
		Transport:      "HTTP",
		Options:        make(map[string]string),
		Capabilities:   make(map[string]CapabilityConfig),
		Adapters: AdapterConfig{
			InjectPath:      DefaultInjectPath,
			InjectSeparator: ":",
		},
		Sessions: SessionConfig{
			Store:         StoreMemory,
			TTL:           20 * time.Minute,
			PurgeInterval: DefaultPurgeInterval,
		},
		Telemetry: *tel,
	}
}

// ScriptPath returns the location of the designated script.
func (s *Settings) ScriptPath() string {
	if strings.HasPrefix(s.ScriptFilename, "/") {
		return s.ScriptFilename
	}
	return strings.TrimSuffix(s.ModelPath, "/") + "/" + s.ScriptFilename
}

// Capability returns the configuration for a capability.
func (s *Settings) Capability(name string) CapabilityConfig {
	return s.Capabilities[name]
}

// CapabilityDefaults returns the request defaults of every capability that
// declares some.
func (s *Settings) CapabilityDefaults() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, c := range s.Capabilities {
		if len(c.Defaults) > 0 {
			out[name] = c.Defaults
		}
	}
	return out
}

// ValidationError is a configuration error with its source location.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Error collects every problem found while loading settings.
type Error struct {
	Errors []ValidationError
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
