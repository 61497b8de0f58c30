// Package handler defines the call types shared by every hostkit component:
// the raw Request, the structured Response, the Invocation passed to a
// capability implementation, and the uniform Func signature.
//
// Implementations receive an Invocation whose Data field holds the
// transformed request (nil in passthrough mode) and whose Request field is
// the untouched transport request. They may return any value; a *Response
// lets them choose the status code and headers.
package handler
