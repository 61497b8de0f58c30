package scripting

import (
	"fmt"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// HookRegistrar receives the request and response hooks a script declares
// with input_formatter, output_formatter and register_middleware.
type HookRegistrar interface {
	RegisterScriptHook(kind string, fn handler.Func, source string) error

	// ForgetScriptHooks drops every hook registered from location, so a
	// reloaded script keeps only the hooks it still declares.
	ForgetScriptHooks(location string)
}

// Hook slots a script may fill.
const (
	hookPre      = "pre_process"
	hookPost     = "post_process"
	hookThrottle = "throttle"
	hookPrePost  = "pre_post_process"
)

// middlewareKind validates the name given to register_middleware.
func middlewareKind(name string) (string, error) {
	switch name {
	case hookThrottle, hookPrePost:
		return name, nil
	}
	return "", fmt.Errorf("middleware %q is not allowed; allowed: %s, %s", name, hookPrePost, hookThrottle)
}

// checkHookUnique rejects a second declaration of kind within one script.
func checkHookUnique(pending []pendingRegistration, kind string) error {
	for _, reg := range pending {
		if reg.hook != kind {
			continue
		}
		switch kind {
		case hookPre:
			return fmt.Errorf("input formatter is already registered by %s", reg.source)
		case hookPost:
			return fmt.Errorf("output formatter is already registered by %s", reg.source)
		default:
			return fmt.Errorf("%s middleware is already registered by %s", kind, reg.source)
		}
	}
	return nil
}

// applyRegistrations hands the registrations collected while the script at
// location loaded to the configured registrars.
func (c Config) applyRegistrations(location string, pending []pendingRegistration) error {
	if c.Hooks != nil {
		c.Hooks.ForgetScriptHooks(location)
	}
	for _, reg := range pending {
		if reg.hook == "" {
			c.Registrar.RegisterScriptHandler(reg.capability, reg.fn, reg.source)
			continue
		}
		if err := c.Hooks.RegisterScriptHook(reg.hook, reg.fn, reg.source); err != nil {
			return err
		}
	}
	return nil
}
