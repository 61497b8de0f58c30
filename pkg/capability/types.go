package capability

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// Capability names exposed by the shim.
const (
	Ping             = "ping"
	Invocation       = "invocation"
	LoadAdapter      = "loadAdapter"
	UnloadAdapter    = "unloadAdapter"
	CreateSession    = "createSession"
	CloseSession     = "closeSession"
	InjectIdentifier = "injectIdentifier"
)

// Known lists every capability the shim routes.
var Known = []string{
	Ping,
	Invocation,
	LoadAdapter,
	UnloadAdapter,
	CreateSession,
	CloseSession,
	InjectIdentifier,
}

// Tier is the precedence level of a binding. Lower values win.
type Tier int

const (
	// TierOverride is an operator-supplied reference from the environment.
	TierOverride Tier = iota

	// TierExplicit is a registration made in code or by a script's
	// register_handler call.
	TierExplicit

	// TierDiscovered is a convention-named function in the designated script.
	TierDiscovered

	// TierDefault is a built-in fallback.
	TierDefault

	numTiers
)

// Tiers lists every tier from highest to lowest precedence.
var Tiers = []Tier{TierOverride, TierExplicit, TierDiscovered, TierDefault}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierOverride:
		return "override"
	case TierExplicit:
		return "explicit"
	case TierDiscovered:
		return "discovered"
	case TierDefault:
		return "default"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Binding is a callable bound to a capability at one tier.
type Binding struct {
	Capability string
	Tier       Tier
	Fn         handler.Func

	// Source describes where the callable came from, for diagnostics and
	// for detecting conflicting registrations.
	Source string
}

// Conflict records a capability bound at both the explicit and discovered
// tiers to different callables.
type Conflict struct {
	Capability string
	Explicit   string
	Discovered string
}

// SnakeCase converts a capability name to snake case: loadAdapter becomes
// load_adapter.
func SnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// legacyNames are the bare function names older model scripts use.
var legacyNames = map[string][]string{
	Ping:       {"ping"},
	Invocation: {"invoke"},
}

// Candidates returns the script symbols that bind capability by convention.
func Candidates(capability string) []string {
	names := []string{"custom_" + SnakeCase(capability) + "_handler"}
	return append(names, legacyNames[capability]...)
}
