// ABOUTME: Tests for the permission bridge using a scripted requester
// ABOUTME: Covers selected, shorthand, cancelled and timed-out prompts plus the RPC wrapper

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lurkbot/lurkbot-gateway/internal/pending"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
	"github.com/lurkbot/lurkbot-gateway/internal/rpc"
)

type scriptedRequester struct {
	answer json.RawMessage
	err    error
	block  bool

	connID  string
	session string
	event   string
	payload any
}

func (r *scriptedRequester) RequestClient(ctx context.Context, connID, sessionKey, event string, payload any) (json.RawMessage, error) {
	r.connID, r.session, r.event, r.payload = connID, sessionKey, event, payload
	if r.block {
		<-ctx.Done()
		return nil, fmt.Errorf("waiting for client: %w", ctx.Err())
	}
	return r.answer, r.err
}

func toolCall() PermissionRequest {
	return PermissionRequest{ToolCall: ToolCall{ToolCallID: "tc-1", Title: "rm -rf build", Kind: "execute"}}
}

func TestBridge_SelectedOption(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		allowed bool
		option  string
	}{
		{"allow once", `{"outcome":"selected","optionId":"allow"}`, true, "allow"},
		{"reject once", `{"outcome":"selected","optionId":"deny"}`, false, "deny"},
		{"shorthand allow", `{"outcome":"allow"}`, true, ""},
		{"shorthand deny", `{"outcome":"deny"}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRequester{answer: json.RawMessage(tt.answer)}
			b := NewBridge(r, time.Second, nil)

			res, err := b.RequestPermission(t.Context(), "conn-ui", "s1", toolCall())
			require.NoError(t, err)
			assert.Equal(t, OutcomeSelected, res.Outcome)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.option, res.OptionID)

			assert.Equal(t, "conn-ui", r.connID)
			assert.Equal(t, "s1", r.session)
			assert.Equal(t, EventPermissionRequested, r.event)
			sent, ok := r.payload.(PermissionRequest)
			require.True(t, ok)
			assert.Equal(t, DefaultOptions(), sent.Options, "default options are filled in")
		})
	}
}

func TestBridge_CustomOptionKinds(t *testing.T) {
	r := &scriptedRequester{answer: json.RawMessage(`{"outcome":"selected","optionId":"always"}`)}
	b := NewBridge(r, time.Second, nil)

	req := toolCall()
	req.Options = []PermissionOption{
		{OptionID: "always", Name: "Always allow", Kind: KindAllowAlways},
		{OptionID: "never", Name: "Never", Kind: KindRejectAlways},
	}
	res, err := b.RequestPermission(t.Context(), "c", "s", req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "always", res.OptionID)
}

func TestBridge_CancelledOutcomes(t *testing.T) {
	t.Run("client dismissed", func(t *testing.T) {
		b := NewBridge(&scriptedRequester{answer: json.RawMessage(`{"outcome":"cancelled"}`)}, time.Second, nil)
		res, err := b.RequestPermission(t.Context(), "c", "s", toolCall())
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, res.Outcome)
		assert.False(t, res.Allowed)
	})

	t.Run("session aborted", func(t *testing.T) {
		b := NewBridge(&scriptedRequester{err: fmt.Errorf("waiting: %w", pending.ErrCanceled)}, time.Second, nil)
		res, err := b.RequestPermission(t.Context(), "c", "s", toolCall())
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, res.Outcome)
	})
}

func TestBridge_TimeoutIsAgentTimeout(t *testing.T) {
	b := NewBridge(&scriptedRequester{block: true}, 20*time.Millisecond, nil)

	start := time.Now()
	_, err := b.RequestPermission(t.Context(), "c", "s", toolCall())
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAgentTimeout, protocol.ErrorCodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBridge_InvalidAnswers(t *testing.T) {
	for _, raw := range []string{`not json`, `{"outcome":"maybe"}`, `{"outcome":"selected","optionId":"ghost"}`} {
		b := NewBridge(&scriptedRequester{answer: json.RawMessage(raw)}, time.Second, nil)
		_, err := b.RequestPermission(t.Context(), "c", "s", toolCall())
		require.Error(t, err, raw)
		assert.Equal(t, protocol.CodeInvalidRequest, protocol.ErrorCodeOf(err), raw)
	}
}

func TestBridge_RequiresToolCallID(t *testing.T) {
	r := &scriptedRequester{}
	b := NewBridge(r, time.Second, nil)
	_, err := b.RequestPermission(t.Context(), "c", "s", PermissionRequest{})
	assert.Equal(t, protocol.CodeInvalidRequest, protocol.ErrorCodeOf(err))
	assert.Empty(t, r.event, "nothing is sent for an invalid request")
}

func TestBridge_RequesterErrorPassesThrough(t *testing.T) {
	gone := protocol.NewError(protocol.CodeUnavailable, "connection ui not found")
	b := NewBridge(&scriptedRequester{err: gone}, time.Second, nil)
	_, err := b.RequestPermission(t.Context(), "ui", "s", toolCall())
	assert.True(t, errors.Is(err, gone))
}

func TestBridge_RegisterExposesMethod(t *testing.T) {
	r := &scriptedRequester{answer: json.RawMessage(`{"outcome":"allow"}`)}
	methods := rpc.NewRegistry(nil)
	NewBridge(r, time.Second, nil).Register(methods)

	res, perr := methods.Invoke(t.Context(), &rpc.Call{
		Method:     MethodRequestPermission,
		Params:     json.RawMessage(`{"connId":"ui","toolCall":{"toolCallId":"tc-9"}}`),
		SessionKey: "s9",
		ConnID:     "agent",
	})
	require.Nil(t, perr)
	assert.Equal(t, Result{Outcome: OutcomeSelected, Allowed: true}, res)
	assert.Equal(t, "ui", r.connID)
	assert.Equal(t, "s9", r.session)

	_, perr = methods.Invoke(t.Context(), &rpc.Call{Method: MethodRequestPermission, Params: json.RawMessage(`{}`)})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}
