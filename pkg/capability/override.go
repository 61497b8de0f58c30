package capability

import (
	"os"
	"strings"
)

// OverrideSource supplies operator override references by capability.
type OverrideSource interface {
	Lookup(capability string) (variable, ref string, ok bool)
}

// DefaultTransport is the transport segment of override variable names.
const DefaultTransport = "HTTP"

// EnvOverrides reads CUSTOM_<TRANSPORT>_<CAPABILITY>_HANDLER variables.
type EnvOverrides struct {
	Transport string

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Variable returns the environment variable consulted for capability.
func (e EnvOverrides) Variable(capability string) string {
	transport := e.Transport
	if transport == "" {
		transport = DefaultTransport
	}
	return "CUSTOM_" + strings.ToUpper(transport) + "_" + strings.ToUpper(SnakeCase(capability)) + "_HANDLER"
}

// Lookup implements OverrideSource. Empty values count as unset.
func (e EnvOverrides) Lookup(capability string) (string, string, bool) {
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	variable := e.Variable(capability)
	ref := strings.TrimSpace(getenv(variable))
	return variable, ref, ref != ""
}

// StaticOverrides is an in-memory override source, keyed by capability.
type StaticOverrides map[string]string

// Lookup implements OverrideSource.
func (s StaticOverrides) Lookup(capability string) (string, string, bool) {
	ref, ok := s[capability]
	return capability, ref, ok && ref != ""
}
