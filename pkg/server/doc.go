// Package server is the HTTP boundary of the shim. It serves the fixed
// model-hosting routes:
//
//	GET    /ping                   ping capability
//	POST   /invocations            invocation, session and adapter-injected calls
//	POST   /adapters               loadAdapter capability
//	DELETE /adapters/{adapter_name} unloadAdapter capability
//
// Each route assembles a transport request, hands it to a capability
// wrapper and writes the normalized result. Failures are written as
// {"detail": "..."} with the status the error carries, or 500 when it
// carries none.
package server
