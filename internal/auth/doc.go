// Package auth decides whether a handshake may proceed.
//
// # Credentials
//
// A client presents at most one credential in the handshake auth block:
//
//   - auth.token: an HS256 JWT signed with auth.jwt_secret. The "sub" claim
//     becomes the connection's principal id.
//
//   - auth.device: an SSH signature over "signedAt|nonce" made with a device
//     key. The key fingerprint must appear in auth.paired_keys, and each
//     nonce is accepted once within the signature window.
//
// # Decisions
//
// The Authorizer maps every outcome onto the protocol error codes:
//
//	no credential, auth required      NOT_LINKED
//	invalid or expired token          NOT_LINKED
//	bad device signature or replay    NOT_LINKED
//	valid device key, not paired      NOT_PAIRED
//
// With no secret and no paired keys configured, and auth not required,
// every handshake is allowed anonymously.
package auth
