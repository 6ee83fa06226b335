// Package buffer implements the pooled memory of the connection pipeline.
//
// Buffers are fixed-size byte slices taken from a Pool and carry an atomic
// reference count. A Reference is a read-only view spanning one or more buffer
// segments. Framed messages read from a socket are handed to consumers as
// References that alias the pooled memory, so a frame crossing a buffer boundary
// is never copied. A buffer returns to its pool once the reader and every
// Reference over it have released it.
//
// Ownership rules:
//
//   - Pool.Get returns a buffer with one reference owned by the caller
//   - Reference.Append retains the buffer; Reference.Release drops it
//   - Reference.Slice creates an independent view that must be released on its own
//   - Release on a Reference is idempotent, Release on a Buffer is not
package buffer
