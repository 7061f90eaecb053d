// Package gateway runs the lurkbot-gateway protocol engine and its listeners.
//
// # Overview
//
// Two layers live here. Server is the transport-agnostic engine: it reads
// the handshake, registers the connection, dispatches requests to the
// method registry and routes events through the broadcaster. Gateway is the
// process-level orchestrator that builds a Server from configuration and
// feeds it connections from its listeners.
//
// # Connection Lifecycle
//
//  1. The first frame must be a Connect. It is validated, the protocol
//     version is negotiated against [protocol.min, protocol.max] and the
//     auth block is checked. Any failure is answered with
//     Response{id:"connect", error} and the transport is closed.
//  2. On success the connection is registered and receives HelloOK with the
//     method list, the advertised event names and the store snapshot.
//  3. A catch-all event subscription is created. The first
//     events.subscribe replaces it with a filtered one.
//  4. Requests are dispatched concurrently, at most protocol.max_inflight
//     at a time. Each request id gets exactly one Response. A request
//     whose id is already in flight is answered with INVALID_REQUEST.
//  5. On disconnect the connection's subscriptions are removed and every
//     client round-trip it owns is canceled.
//
// # Built-in Methods
//
//   - health
//   - events.subscribe, events.unsubscribe
//   - sessions.list, sessions.patch, sessions.abort
//   - channels.list, cron.list
//   - pending.resolve
//   - acp.requestPermission (registered by the Gateway)
//
// # Client Round-Trips
//
// RequestClient sends an event carrying a requestId to one connection and
// waits until the client calls pending.resolve with that id. sessions.abort
// cancels every round-trip of the session.
//
// # Listeners
//
//   - server.addr: newline-delimited JSON over TCP
//   - server.http_addr: GET /ws (WebSocket), /health, /health/ready, /metrics
//   - server.grpc_addr: grpc.health.v1.Health
//
// With tailscale enabled the same listeners are bound on the tailnet node
// instead, keeping only the configured ports.
package gateway
