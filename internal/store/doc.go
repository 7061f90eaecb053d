// Package store keeps the gateway's view of sessions, scheduled jobs and
// channels, and serves the snapshot every client receives in its handshake.
//
// # Backends
//
//   - Memory: process-local maps, the default and the test backend.
//   - SQLite: modernc.org/sqlite with WAL, for a single gateway host.
//   - Redis: one hash per kind with JSON values, for gateways that share state.
//
// Open picks a backend from configuration. All backends return list results
// in a stable order: sessions by most recently updated, jobs and channels
// by id.
package store
