package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
)

// SettingsSchema names the built-in schema for settings files.
const SettingsSchema = "settings"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in schemas.
// Schemas are compiled in ctx so they unify with values from the same
// context.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SettingsSchema, builtinSettingsSchema); err != nil {
		panic(fmt.Sprintf("built-in settings schema: %v", err))
	}
	return sr
}

// RegisterSchema compiles and registers a schema under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema's #Settings-style root
// definition, or with the schema itself when it has none.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	if def := schema.LookupPath(cue.ParsePath("#" + rootDefinition(name))); def.Exists() {
		schema = def
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func rootDefinition(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// Built-in schema definitions

const builtinSettingsSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Shape: {[string]: _}

#Capability: {
	request?:  #Shape
	response?: #Shape
	error?:    #Shape
	defaults?: {[string]: _}
}

#Settings: {
	listenAddr?:     string & !=""
	modelPath?:      string & !=""
	scriptFilename?: string & !=""
	scriptTimeout?:  #Duration
	watchScript?:    bool
	transport?:      string & =~"^[A-Za-z0-9]+$"

	options?: {[string]: string}

	capabilities?: {
		ping?:             #Capability
		invocation?:       #Capability
		loadAdapter?:      #Capability
		unloadAdapter?:    #Capability
		createSession?:    #Capability
		closeSession?:     #Capability
		injectIdentifier?: #Capability
	}

	adapters?: {
		injectPath?:      string & !=""
		injectAppend?:    bool
		injectSeparator?: string
	}

	sessions?: {
		enabled?:            bool
		store?:              "memory" | "sqlite"
		path?:               string
		ttl?:                #Duration
		purgeInterval?:      #Duration
		createResponsePath?: string
		closeRequestPath?:   string
	}

	policy?: {
		enabled?:         bool
		paths?:           [...string]
		watch?:           bool
		disableBuiltins?: bool
	}

	telemetry?: {...}
}
`
