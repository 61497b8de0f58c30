// Package capability binds named capabilities to handler callables.
//
// Each capability resolves through four tiers, highest precedence first:
//
//   - override: a location:symbol reference read lazily from
//     CUSTOM_<TRANSPORT>_<CAPABILITY>_HANDLER
//   - explicit: registrations made in code or by a script's register_handler
//   - discovered: convention-named functions in the model script
//   - default: built-in fallbacks
//
// A Discoverer binds the discovered tier and can watch the model script for
// changes.
package capability
