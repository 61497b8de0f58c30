// Package shim assembles the registry, resolver, script discovery, policy
// engine, session manager and HTTP server from a set of settings.
//
// Usage:
//
//	settings, err := config.Load(path)
//	if err != nil {
//		return err
//	}
//	s, err := shim.New(ctx, settings)
//	if err != nil {
//		return err
//	}
//	return s.Run(ctx)
package shim
