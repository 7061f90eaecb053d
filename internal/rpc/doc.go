// Package rpc holds the method registry that maps request method names to
// handlers.
//
// Subsystems register handlers at startup. Invoke is the dispatch boundary:
// unknown names yield METHOD_NOT_FOUND, and handler errors or panics are
// converted to protocol errors so a failing method never takes down the
// connection that called it.
package rpc
