// Package connection tracks live client connections.
//
// A Connection owns one transport and, optionally, a batcher that coalesces
// its outbound frames. A failed write closes the connection; callers treat
// that as an implicit disconnect and never retry.
//
// The Registry is the single source of truth for which connections are
// alive. Unregister runs the removal hooks (subscription and pending-request
// cleanup) before closing the connection, so nothing a connection owned
// outlives it.
package connection
