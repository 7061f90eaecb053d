// Package events fans out gateway events to filtered subscribers.
//
// Emit stamps each event with an id from a single counter owned by the
// Broadcaster, so ids are strictly increasing for its lifetime. Every
// subscriber has its own bounded queue drained by its own goroutine. A
// failing subscriber never delays the others or the emitter. A subscriber
// whose queue fills is evicted rather than skipped, so a live subscription
// never has gaps; OnOverflow tells its owner.
//
// EmitTo places a stamped event on one subscription's queue, bypassing its
// filter, for frames addressed to a single client.
package events
