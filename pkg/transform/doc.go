// Package transform declares, compiles and applies the shapes that map a
// transport request (or an implementation's response) into the data a
// capability implementation expects.
//
// A shape is a map from output key to one of four node kinds:
//
//   - Path extracts a value with a JMESPath expression rooted at one of the
//     namespaces body, headers, pathParams or queryParams.
//   - Literal places a constant.
//   - Append concatenates an extracted value onto whatever already sits at
//     the target key, joined by a separator.
//   - Nested builds a sub-object from an inner shape.
//
// Values that resolve to nothing are omitted from the output rather than
// set to null. Shapes are compiled once; a Compiled shape is immutable and
// safe for concurrent use.
package transform
