// Package sessions implements stateful session support: a TTL-bound
// session manager backed by an in-memory or SQLite store, the default
// createSession and closeSession capabilities, and wrappers for engines
// that manage sessions themselves.
//
// Session requests arrive as invocations whose JSON body carries a
// requestType of NEW_SESSION or CLOSE; Classify detects them.
package sessions
