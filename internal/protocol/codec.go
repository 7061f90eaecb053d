// ABOUTME: Frame decoding by type discriminator and handshake validation
// ABOUTME: Malformed input always maps to INVALID_REQUEST before any routing

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Default values applied to optional handshake fields.
const (
	DefaultClientVersion  = "unknown"
	DefaultClientPlatform = "unknown"
	DefaultClientMode     = "default"
)

// envelope peeks at the discriminator and the handshake range.
type envelope struct {
	Type        *string `json:"type"`
	MinProtocol *int    `json:"minProtocol"`
}

// Decode parses one frame. Frames without a type field are handshakes.
// Decoding errors are *Error values with code INVALID_REQUEST.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, NewError(CodeInvalidRequest, "frame must be a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errorf(CodeInvalidRequest, "malformed frame: %v", err)
	}

	if env.Type == nil {
		if env.MinProtocol == nil {
			return nil, NewError(CodeInvalidRequest, "frame has no type")
		}
		var c Connect
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, Errorf(CodeInvalidRequest, "malformed connect frame: %v", err)
		}
		return &c, nil
	}

	var (
		frame Frame
		err   error
	)
	switch *env.Type {
	case TypeRequest:
		var r Request
		err = json.Unmarshal(data, &r)
		frame = &r
	case TypeResponse:
		var r Response
		err = json.Unmarshal(data, &r)
		frame = &r
	case TypeEvent:
		var e Event
		err = json.Unmarshal(data, &e)
		frame = &e
	case TypeHelloOK:
		var h HelloOK
		err = json.Unmarshal(data, &h)
		frame = &h
	default:
		return nil, Errorf(CodeInvalidRequest, "unknown frame type %q", *env.Type)
	}
	if err != nil {
		return nil, Errorf(CodeInvalidRequest, "malformed %s frame: %v", *env.Type, err)
	}
	return frame, nil
}

// Encode marshals a frame for the wire.
func Encode(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", frame, err)
	}
	return data, nil
}

// Validate checks the required handshake fields and fills defaults for the
// optional ones. Only the protocol range and client.id are required.
func (c *Connect) Validate() error {
	if c.MinProtocol < 1 || c.MaxProtocol < 1 {
		return NewError(CodeInvalidRequest, "minProtocol and maxProtocol must be positive")
	}
	if c.MinProtocol > c.MaxProtocol {
		return Errorf(CodeInvalidRequest, "minProtocol %d exceeds maxProtocol %d", c.MinProtocol, c.MaxProtocol)
	}
	if c.Client.ID == "" {
		return NewError(CodeInvalidRequest, "client.id is required")
	}
	if c.Client.DisplayName == "" {
		c.Client.DisplayName = c.Client.ID
	}
	if c.Client.Version == "" {
		c.Client.Version = DefaultClientVersion
	}
	if c.Client.Platform == "" {
		c.Client.Platform = DefaultClientPlatform
	}
	if c.Client.Mode == "" {
		c.Client.Mode = DefaultClientMode
	}
	return nil
}

// Negotiate picks the highest protocol version inside both the server's
// supported range and the client's requested range.
func Negotiate(serverMin, serverMax, clientMin, clientMax int) (int, error) {
	version := min(serverMax, clientMax)
	if version < max(serverMin, clientMin) {
		return 0, Errorf(CodeInvalidRequest,
			"protocol mismatch: client supports %d..%d, server supports %d..%d",
			clientMin, clientMax, serverMin, serverMax)
	}
	return version, nil
}
