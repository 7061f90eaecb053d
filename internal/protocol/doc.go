// Package protocol defines the gateway wire format.
//
// # Overview
//
// Every frame is one JSON object. On byte-stream transports frames are
// newline-delimited; on WebSocket each text message carries one frame.
//
// The first frame a client sends is the handshake, a bare Connect object
// with no "type" field:
//
//	{"minProtocol":3,"maxProtocol":3,"client":{"id":"cli","version":"1.0.0","platform":"linux","mode":"cli"}}
//
// The server answers with exactly one "hello-ok" frame, or refuses with a
// "response" frame whose id is "connect" and closes the transport.
//
// After the handshake the client sends "request" frames and the server
// replies with exactly one "response" per request id. The server pushes
// "event" frames at any time.
//
// # Errors
//
// Failures use the closed ErrorCode set. Handlers that need a specific code
// return a *Error; anything else is reported as INTERNAL_ERROR.
package protocol
