package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/hostkit/pkg/capability"
)

// Environment variables read by ApplyEnv.
const (
	EnvScriptFilename   = "CUSTOM_SCRIPT_FILENAME"
	EnvModelPath        = "SAGEMAKER_MODEL_PATH"
	EnvListenAddr       = "HOSTKIT_LISTEN_ADDR"
	EnvContainerLogLvl  = "SAGEMAKER_CONTAINER_LOG_LEVEL"
	EnvLogLevel         = "LOG_LEVEL"
	EnvTransformsPrefix = "SAGEMAKER_TRANSFORMS_"
	EnvOptionPrefix     = "OPTION_"
)

// Options with a meaning beyond engine passthrough.
const (
	OptionStatefulSessions   = "enable_stateful_sessions"
	OptionSessionsPath       = "sessions_path"
	OptionSessionsExpiration = "sessions_expiration"
)

// sessionsDatabase is the SQLite file created under OPTION_SESSIONS_PATH.
const sessionsDatabase = "sessions.db"

// ApplyEnv overlays environment variables, given as KEY=VALUE pairs, on s.
//
// SAGEMAKER_TRANSFORMS_<CAPABILITY>_DEFAULTS holds a JSON object of request
// defaults. Keys already set by the config file win. Variables naming an
// unknown capability are ignored. OPTION_<NAME> variables become options
// keyed by the lower-cased name.
func ApplyEnv(s *Settings, environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	if v := env[EnvScriptFilename]; v != "" {
		s.ScriptFilename = v
	}
	if v := env[EnvModelPath]; v != "" {
		s.ModelPath = v
	}
	if v := env[EnvListenAddr]; v != "" {
		s.ListenAddr = v
	}
	if v := env[EnvContainerLogLvl]; v != "" {
		s.Telemetry.Logging.Level = logLevel(v)
	} else if v := env[EnvLogLevel]; v != "" {
		s.Telemetry.Logging.Level = logLevel(v)
	}

	for k, v := range env {
		switch {
		case strings.HasPrefix(k, EnvTransformsPrefix) && strings.HasSuffix(k, "_DEFAULTS"):
			if err := applyTransformDefaults(s, k, v); err != nil {
				return err
			}
		case strings.HasPrefix(k, EnvOptionPrefix) && len(k) > len(EnvOptionPrefix):
			if s.Options == nil {
				s.Options = make(map[string]string)
			}
			s.Options[strings.ToLower(strings.TrimPrefix(k, EnvOptionPrefix))] = v
		}
	}

	return applySessionOptions(s)
}

// logLevel maps level names such as WARNING or CRITICAL onto zerolog's.
func logLevel(v string) string {
	switch level := strings.ToLower(strings.TrimSpace(v)); level {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	default:
		return level
	}
}

func applyTransformDefaults(s *Settings, key, value string) error {
	snake := strings.TrimSuffix(strings.TrimPrefix(key, EnvTransformsPrefix), "_DEFAULTS")
	name, ok := capabilityFromEnv(snake)
	if !ok {
		return nil
	}

	var defaults map[string]any
	if err := json.Unmarshal([]byte(value), &defaults); err != nil {
		return fmt.Errorf("%s must hold a JSON object: %w", key, err)
	}

	if s.Capabilities == nil {
		s.Capabilities = make(map[string]CapabilityConfig)
	}
	c := s.Capabilities[name]
	merged := make(map[string]any, len(defaults)+len(c.Defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range c.Defaults {
		merged[k] = v
	}
	c.Defaults = merged
	s.Capabilities[name] = c
	return nil
}

// capabilityFromEnv maps an upper snake case name such as LOAD_ADAPTER to
// its capability.
func capabilityFromEnv(snake string) (string, bool) {
	for _, name := range capability.Known {
		if strings.ToUpper(capability.SnakeCase(name)) == snake {
			return name, true
		}
	}
	return "", false
}

func applySessionOptions(s *Settings) error {
	if v, ok := s.Options[OptionStatefulSessions]; ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("option %s: %w", OptionStatefulSessions, err)
		}
		s.Sessions.Enabled = enabled
	}
	if dir := s.Options[OptionSessionsPath]; dir != "" {
		s.Sessions.Store = StoreSQLite
		s.Sessions.Path = filepath.Join(dir, sessionsDatabase)
	}
	if v := s.Options[OptionSessionsExpiration]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("option %s must be a positive number of seconds, got %q", OptionSessionsExpiration, v)
		}
		s.Sessions.TTL = time.Duration(secs) * time.Second
	}
	return nil
}
