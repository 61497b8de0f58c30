// Package reference resolves textual code references of the form
// "location:symbol" into callables.
//
// A location is either a path to a standalone script (".star", ".js",
// ".wasm", or any suffix with a registered UnitLoader), a dotted module path
// registered in the resolver's ModuleTable, or an alias such as "model" that
// expands to the designated script path.
//
// Loaded units are cached by their absolute location. Concurrent first use of
// the same unit collapses into a single load, so a script's top-level code
// runs once per process unless the unit is explicitly invalidated.
//
//	r := reference.NewResolver(logger,
//	    reference.WithUnitLoader(".star", scripting.NewStarlarkLoader(logger)),
//	    reference.WithAlias("model", "/opt/ml/model/model.star"),
//	)
//	res, err := r.Resolve(ctx, "model:custom_ping_handler")
package reference
