// ABOUTME: Typed wire frames: Connect handshake, HelloOK, Request, Response, Event
// ABOUTME: Field names use the fixed camelCase wire aliases

package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeHelloOK  = "hello-ok"
	TypeEvent    = "event"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// HandshakeResponseID is the response id used when a handshake is refused
// or a second Connect arrives on an established connection.
const HandshakeResponseID = "connect"

// Frame is implemented by every wire frame.
type Frame interface {
	FrameType() string
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// DeviceAuth is an SSH signature over "signedAt|nonce" made with a device key.
type DeviceAuth struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ConnectAuth carries the optional credentials of a handshake.
type ConnectAuth struct {
	Token  string      `json:"token,omitempty"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// Empty reports whether no credential was presented.
func (a *ConnectAuth) Empty() bool {
	return a == nil || (a.Token == "" && a.Device == nil)
}

// Connect is the first frame a client sends. It has no type field.
type Connect struct {
	MinProtocol  int          `json:"minProtocol"`
	MaxProtocol  int          `json:"maxProtocol"`
	Client       ClientInfo   `json:"client"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Auth         *ConnectAuth `json:"auth,omitempty"`
}

func (*Connect) FrameType() string { return "" }

// ServerInfo identifies the gateway in a HelloOK.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists what the client may invoke and what it may receive.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// SessionSummary is one logical conversation known to the gateway.
type SessionSummary struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	Channel   string `json:"channel,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Model     string `json:"model,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// JobSummary is one scheduled job.
type JobSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	Enabled   bool   `json:"enabled"`
	NextRunAt int64  `json:"nextRunAt,omitempty"`
}

// ChannelSummary is one message-origin channel.
type ChannelSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Label     string `json:"label,omitempty"`
	Connected bool   `json:"connected"`
}

// Snapshot is the initial state handed to a client in HelloOK.
type Snapshot struct {
	Sessions      []SessionSummary `json:"sessions"`
	ScheduledJobs []JobSummary     `json:"scheduledJobs"`
	Channels      []ChannelSummary `json:"channels"`
}

// Normalize replaces nil slices with empty ones so they encode as [].
func (s Snapshot) Normalize() Snapshot {
	if s.Sessions == nil {
		s.Sessions = []SessionSummary{}
	}
	if s.ScheduledJobs == nil {
		s.ScheduledJobs = []JobSummary{}
	}
	if s.Channels == nil {
		s.Channels = []ChannelSummary{}
	}
	return s
}

// HelloOK is the single successful handshake reply.
type HelloOK struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
}

func (*HelloOK) FrameType() string { return TypeHelloOK }

// Request is a client RPC call. ID is chosen by the caller.
type Request struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

func (*Request) FrameType() string { return TypeRequest }

// Response answers exactly one Request. Result and Error are mutually exclusive.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func (*Response) FrameType() string { return TypeResponse }

// OK reports whether the response carries a result.
func (r *Response) OK() bool { return r.Error == nil }

// Event is an unsolicited server push. ID is strictly increasing per broadcaster.
type Event struct {
	Type       string          `json:"type"`
	ID         uint64          `json:"id"`
	At         int64           `json:"at"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

func (*Event) FrameType() string { return TypeEvent }

// emptyResult is sent when a method succeeds with no value, keeping
// result populated whenever error is absent.
var emptyResult = json.RawMessage(`{}`)

// NewRequest builds a request frame, encoding params.
func NewRequest(id, method string, params any, sessionKey string) (*Request, error) {
	req := &Request{Type: TypeRequest, ID: id, Method: method, SessionKey: sessionKey}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// NewResult builds a success response. A nil value encodes as {}.
func NewResult(id string, value any) (*Response, error) {
	resp := &Response{Type: TypeResponse, ID: id, Result: emptyResult}
	if value == nil {
		return resp, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		if len(raw) > 0 && string(raw) != "null" {
			resp.Result = raw
		}
		return resp, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	if string(data) != "null" {
		resp.Result = data
	}
	return resp, nil
}

// NewErrorResponse builds a failure response.
func NewErrorResponse(id string, perr *Error) *Response {
	if perr == nil {
		perr = NewError(CodeInternalError, "unknown error")
	}
	return &Response{Type: TypeResponse, ID: id, Error: perr}
}

// Refusal builds the response written before closing a refused handshake.
func Refusal(code ErrorCode, message string) *Response {
	return NewErrorResponse(HandshakeResponseID, NewError(code, message))
}
