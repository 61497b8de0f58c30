// Package wrapper turns a capability name and optional shapes into a
// dispatching handler.Func.
//
// Shapes are compiled when the wrapper is created. The winning
// implementation is resolved through the capability registry on the first
// call and reused afterwards. A wrapper without shapes, hooks or validators
// is a passthrough: the implementation receives the raw request and its
// result is returned as is.
//
// Errors are attributed at the wrapper boundary: an unresolved capability
// reports 500, a failed required extraction or undecodable body reports
// 400, and errors from the implementation are returned unchanged.
package wrapper
