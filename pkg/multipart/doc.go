// Package multipart decodes multipart/form-data bodies whose boundary is
// declared on the first line of the body.
//
// Two entry points share the same section rules:
//
//   - Parse works on a complete, in-memory body whose length is known.
//   - Stream works on any io.Reader. File sections (those with a filename or
//     a content type) are handed to a SinkFunc in fixed-size chunks and are
//     never held in memory; plain fields are buffered up to the next
//     delimiter.
//
// Both report the same sections, names, filenames, content types and
// payload sizes for the same input. Malformed or truncated input never
// panics or raises mid-iteration: Parse returns nil and Stream stops
// yielding sections, exposing the cause through Err.
package multipart
