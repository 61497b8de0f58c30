// Package lora provides the adapter capabilities: loadAdapter,
// unloadAdapter and injectIdentifier.
//
// Load and unload validate the incoming request, map it onto the engine's
// request shape and replace a successful engine response with a fixed
// confirmation message. Identifier injection copies the adapter identifier
// header into the JSON request body before the invocation runs.
package lora
