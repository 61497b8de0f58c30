package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const cueConfig = `
listenAddr: ":8181"
scriptTimeout: "10s"
sessions: {
	enabled: true
	store:   "sqlite"
	path:    "/tmp/sessions.db"
	ttl:     "15m"
}
capabilities: invocation: {
	request: {
		prompt: "body.inputs"
		model:  {expression: "headers.\"X-Amzn-SageMaker-Adapter-Identifier\"", separator: ":"}
	}
	defaults: max_tokens: 256
}
policy: paths: ["/etc/hostkit/policies"]
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "valid config", content: cueConfig},
		{name: "empty", content: ""},
		{name: "syntax error", content: "listenAddr: {", wantErr: true},
		{name: "unknown field", content: `listenAdress: ":1"`, wantErr: true},
		{name: "bad store", content: `sessions: store: "redis"`, wantErr: true},
		{name: "bad duration", content: `sessions: ttl: "forever"`, wantErr: true},
		{name: "unknown capability", content: `capabilities: pong: {}`, wantErr: true},
		{name: "not concrete", content: `listenAddr: string`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseInline(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInline() error = %v, wantErr %v", err, tt.wantErr)
			}
			var cfgErr *Error
			if tt.wantErr && !errors.As(err, &cfgErr) {
				t.Errorf("error %T is not *Error", err)
			}
		})
	}
}

func TestLoadFile_CUE(t *testing.T) {
	s := Default()
	if err := LoadFile(s, writeConfig(t, "hostkit.cue", cueConfig)); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := Validate(s); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if s.ListenAddr != ":8181" || s.ScriptTimeout != 10*time.Second {
		t.Errorf("ListenAddr = %q, ScriptTimeout = %v", s.ListenAddr, s.ScriptTimeout)
	}
	if s.Sessions.Store != StoreSQLite || s.Sessions.TTL != 15*time.Minute {
		t.Errorf("Sessions = %+v", s.Sessions)
	}
	inv := s.Capability("invocation")
	if inv.Request == nil || len(*inv.Request) != 2 {
		t.Fatalf("invocation request shape = %#v", inv.Request)
	}
	if inv.Defaults["max_tokens"] != 256 {
		t.Errorf("Defaults = %#v", inv.Defaults)
	}
	if len(s.Policy.Paths) != 1 {
		t.Errorf("Policy = %+v", s.Policy)
	}
}

func TestLoadFile_CUEDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"server.cue":   "package hostkit\n\nlistenAddr: \":8282\"\n",
		"sessions.cue": "package hostkit\n\nsessions: enabled: true\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s := Default()
	if err := LoadFile(s, dir); err != nil {
		t.Fatalf("LoadFile(dir) error = %v", err)
	}
	if s.ListenAddr != ":8282" || !s.Sessions.Enabled {
		t.Errorf("settings = %+v", s)
	}
}

func TestSchemaRegistry(t *testing.T) {
	parser := NewCUEParser()
	registry := parser.GetSchemaRegistry()

	if names := registry.ListSchemas(); len(names) != 1 || names[0] != SettingsSchema {
		t.Errorf("ListSchemas() = %v", names)
	}

	ctx := context.Background()
	valid := map[string]any{"listenAddr": ":1", "sessions": map[string]any{"store": "memory"}}
	if err := registry.ValidateAgainstSchema(ctx, SettingsSchema, valid); err != nil {
		t.Errorf("ValidateAgainstSchema(valid) error = %v", err)
	}
	invalid := map[string]any{"transport": "not valid!"}
	if err := registry.ValidateAgainstSchema(ctx, SettingsSchema, invalid); err == nil {
		t.Error("expected validation error")
	}
	if err := registry.ValidateAgainstSchema(ctx, "missing", valid); err == nil {
		t.Error("expected error for unknown schema")
	}

	if err := registry.RegisterSchema("broken", "a: {"); err == nil {
		t.Error("expected compile error")
	}
	if err := registry.RegisterSchema("limits", "#Limits: {max: int & <10}"); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if err := registry.ValidateAgainstSchema(ctx, "limits", map[string]any{"max": 20}); err == nil {
		t.Error("expected bound violation")
	}
}
