// ABOUTME: Permission bridge that asks a connected client to approve an agent tool call
// ABOUTME: Waits on a client round-trip with a timeout and decodes the selected outcome

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lurkbot/lurkbot-gateway/internal/pending"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
	"github.com/lurkbot/lurkbot-gateway/internal/rpc"
)

// EventPermissionRequested is pushed to the client being asked.
const EventPermissionRequested = "acp.permission.requested"

// MethodRequestPermission lets an agent-side client ask another client.
const MethodRequestPermission = "acp.requestPermission"

// DefaultTimeout bounds how long a permission prompt may stay open.
const DefaultTimeout = 2 * time.Minute

// Outcome values
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// Option kinds offered to the user.
const (
	KindAllowOnce    = "allow_once"
	KindAllowAlways  = "allow_always"
	KindRejectOnce   = "reject_once"
	KindRejectAlways = "reject_always"
)

// Requester sends an event to one connection and waits for its answer.
type Requester interface {
	RequestClient(ctx context.Context, connID, sessionKey, event string, payload any) (json.RawMessage, error)
}

// ToolCall describes the action awaiting approval.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one choice shown to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionRequest is the payload of EventPermissionRequested.
type PermissionRequest struct {
	ToolCall ToolCall           `json:"toolCall"`
	Options  []PermissionOption `json:"options"`
}

// DefaultOptions are offered when a request names none.
func DefaultOptions() []PermissionOption {
	return []PermissionOption{
		{OptionID: "allow", Name: "Allow", Kind: KindAllowOnce},
		{OptionID: "deny", Name: "Deny", Kind: KindRejectOnce},
	}
}

// Result is the decoded client answer.
type Result struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
	Allowed  bool   `json:"allowed"`
}

// answer is what the client sends back through pending.resolve.
type answer struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId"`
}

// Bridge issues permission prompts.
type Bridge struct {
	requester Requester
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBridge creates a bridge. timeout <= 0 uses DefaultTimeout.
func NewBridge(r Requester, timeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		requester: r,
		timeout:   timeout,
		logger:    logger.With("component", "acp"),
	}
}

// RequestPermission asks the client on connID to approve req and blocks
// until it answers, the prompt is canceled, or the timeout expires.
func (b *Bridge) RequestPermission(ctx context.Context, connID, sessionKey string, req PermissionRequest) (Result, error) {
	if req.ToolCall.ToolCallID == "" {
		return Result{}, protocol.NewError(protocol.CodeInvalidRequest, "toolCall.toolCallId is required")
	}
	if len(req.Options) == 0 {
		req.Options = DefaultOptions()
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.logger.Debug("requesting permission",
		"conn_id", connID,
		"session_key", sessionKey,
		"tool_call_id", req.ToolCall.ToolCallID)

	raw, err := b.requester.RequestClient(ctx, connID, sessionKey, EventPermissionRequested, req)
	switch {
	case err == nil:
	case errors.Is(err, pending.ErrCanceled):
		b.logger.Info("permission request cancelled",
			"tool_call_id", req.ToolCall.ToolCallID,
			"session_key", sessionKey)
		return Result{Outcome: OutcomeCancelled}, nil
	case errors.Is(err, context.DeadlineExceeded), protocol.ErrorCodeOf(err) == protocol.CodeAgentTimeout:
		return Result{}, protocol.Errorf(protocol.CodeAgentTimeout,
			"no permission decision for %s within %s", req.ToolCall.ToolCallID, b.timeout)
	default:
		return Result{}, err
	}

	res, err := decodeAnswer(raw, req.Options)
	if err != nil {
		return Result{}, err
	}
	b.logger.Info("permission decided",
		"tool_call_id", req.ToolCall.ToolCallID,
		"session_key", sessionKey,
		"outcome", res.Outcome,
		"option_id", res.OptionID,
		"allowed", res.Allowed)
	return res, nil
}

// decodeAnswer accepts {"outcome":"selected","optionId":...},
// {"outcome":"cancelled"} and the shorthands "allow" and "deny".
func decodeAnswer(raw json.RawMessage, options []PermissionOption) (Result, error) {
	var a answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return Result{}, protocol.Errorf(protocol.CodeInvalidRequest, "malformed permission answer: %v", err)
	}

	switch a.Outcome {
	case OutcomeCancelled:
		return Result{Outcome: OutcomeCancelled}, nil
	case "allow":
		return Result{Outcome: OutcomeSelected, OptionID: a.OptionID, Allowed: true}, nil
	case "deny":
		return Result{Outcome: OutcomeSelected, OptionID: a.OptionID}, nil
	case OutcomeSelected:
		for _, opt := range options {
			if opt.OptionID == a.OptionID {
				return Result{
					Outcome:  OutcomeSelected,
					OptionID: opt.OptionID,
					Allowed:  strings.HasPrefix(opt.Kind, "allow"),
				}, nil
			}
		}
		return Result{}, protocol.Errorf(protocol.CodeInvalidRequest, "unknown option %q", a.OptionID)
	default:
		return Result{}, protocol.Errorf(protocol.CodeInvalidRequest, "unknown outcome %q", a.Outcome)
	}
}

type requestPermissionParams struct {
	ConnID string `json:"connId"`
	PermissionRequest
}

// Register exposes RequestPermission as an RPC so an agent-side client can
// route a prompt to a UI client.
func (b *Bridge) Register(methods *rpc.Registry) {
	methods.RegisterFunc(MethodRequestPermission, func(ctx context.Context, call *rpc.Call) (any, error) {
		var p requestPermissionParams
		if err := rpc.DecodeParams(call, &p); err != nil {
			return nil, err
		}
		if p.ConnID == "" {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "connId is required")
		}
		res, err := b.RequestPermission(ctx, p.ConnID, call.SessionKey, p.PermissionRequest)
		if err != nil {
			return nil, fmt.Errorf("requesting permission: %w", err)
		}
		return res, nil
	})
}
