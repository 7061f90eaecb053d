// Package dedupe remembers recently seen keys for a bounded time window.
//
// The gateway uses it to reject replayed handshake nonces: a device signature
// is only accepted if its nonce has not been claimed within the signature's
// validity window.
package dedupe
