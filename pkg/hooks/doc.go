// Package hooks binds the request and response hooks that run around every
// routed request.
//
// There are four hook slots:
//
//	throttle          admits or rejects a request before anything else runs
//	pre_post_process  sees the request, then the response
//	pre_process       rewrites the request body
//	post_process      rewrites the response
//
// A slot is filled from its environment variable (CUSTOM_FASTAPI_MIDDLEWARE_THROTTLE,
// CUSTOM_FASTAPI_MIDDLEWARE_PRE_POST_PROCESS, CUSTOM_PRE_PROCESS,
// CUSTOM_POST_PROCESS) or from a script registration made with
// register_middleware, input_formatter or output_formatter. The environment
// wins. A pre_post_process hook replaces separate pre and post hooks.
package hooks
