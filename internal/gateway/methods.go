// ABOUTME: Built-in gateway methods: health, subscriptions, sessions, snapshot lists, pending.resolve
// ABOUTME: Also implements RequestClient, the server-to-client round-trip over events

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lurkbot/lurkbot-gateway/internal/connection"
	"github.com/lurkbot/lurkbot-gateway/internal/events"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
	"github.com/lurkbot/lurkbot-gateway/internal/rpc"
	"github.com/lurkbot/lurkbot-gateway/internal/store"
)

// Built-in method names
const (
	MethodHealth            = "health"
	MethodEventsSubscribe   = "events.subscribe"
	MethodEventsUnsubscribe = "events.unsubscribe"
	MethodSessionsAbort     = "sessions.abort"
	MethodSessionsList      = "sessions.list"
	MethodSessionsPatch     = "sessions.patch"
	MethodChannelsList      = "channels.list"
	MethodCronList          = "cron.list"
	MethodPendingResolve    = "pending.resolve"
)

// Built-in event names
const (
	EventSessionAborted  = "session.aborted"
	EventSessionsChanged = "sessions.changed"
)

func (s *Server) registerBuiltins() {
	m := s.methods
	m.RegisterFunc(MethodHealth, s.handleHealth)
	m.RegisterFunc(MethodEventsSubscribe, s.handleSubscribe)
	m.RegisterFunc(MethodEventsUnsubscribe, s.handleUnsubscribe)
	m.RegisterFunc(MethodSessionsAbort, s.handleSessionsAbort)
	m.RegisterFunc(MethodSessionsList, s.handleSessionsList)
	m.RegisterFunc(MethodSessionsPatch, s.handleSessionsPatch)
	m.RegisterFunc(MethodChannelsList, s.handleChannelsList)
	m.RegisterFunc(MethodCronList, s.handleCronList)
	m.RegisterFunc(MethodPendingResolve, s.handlePendingResolve)

	s.AdvertiseEvents(EventSessionAborted, EventSessionsChanged)
}

// connFor resolves the calling connection.
func (s *Server) connFor(call *rpc.Call) (*connection.Connection, error) {
	conn, ok := s.conns.Get(call.ConnID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnavailable, "connection %s is gone", call.ConnID)
	}
	return conn, nil
}

func (s *Server) requireStore() (store.Store, error) {
	if s.store == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "no session store configured")
	}
	return s.store, nil
}

// storeErr maps store failures onto the protocol taxonomy.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.Errorf(protocol.CodeInvalidRequest, "%s: not found", op)
	case errors.Is(err, store.ErrInvalid):
		return protocol.Errorf(protocol.CodeInvalidRequest, "%s: %v", op, err)
	default:
		return protocol.NewError(protocol.CodeUnavailable, op+" failed").
			WithDetails(map[string]any{"error": err.Error()})
	}
}

type healthResult struct {
	OK          bool `json:"ok"`
	Connections int  `json:"connections"`
	Subscribers int  `json:"subscribers"`
	Pending     int  `json:"pending"`
}

func (s *Server) handleHealth(context.Context, *rpc.Call) (any, error) {
	return healthResult{
		OK:          true,
		Connections: s.conns.Len(),
		Subscribers: s.events.SubscriberCount(),
		Pending:     s.pending.Len(),
	}, nil
}

type subscribeParams struct {
	SessionKey string `json:"sessionKey"`
	Prefix     string `json:"prefix"`
}

func (s *Server) handleSubscribe(_ context.Context, call *rpc.Call) (any, error) {
	var p subscribeParams
	if err := rpc.DecodeParams(call, &p); err != nil {
		return nil, err
	}
	conn, err := s.connFor(call)
	if err != nil {
		return nil, err
	}

	id, err := s.subscribe(conn, events.Filter{SessionKey: p.SessionKey, Prefix: p.Prefix})
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, err.Error())
	}
	s.dropDefault(conn)

	s.logger.Debug("connection subscribed",
		"conn_id", conn.ID,
		"sub_id", id,
		"session_key", p.SessionKey,
		"prefix", p.Prefix)
	return map[string]string{"subscriptionId": id}, nil
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (s *Server) handleUnsubscribe(_ context.Context, call *rpc.Call) (any, error) {
	var p unsubscribeParams
	if err := rpc.DecodeParams(call, &p); err != nil {
		return nil, err
	}
	if p.SubscriptionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "subscriptionId is required")
	}
	conn, err := s.connFor(call)
	if err != nil {
		return nil, err
	}

	// Only the owner may remove a subscription.
	removed := conn.RemoveSubscription(p.SubscriptionID)
	if removed {
		s.events.Unsubscribe(p.SubscriptionID)
	}
	return map[string]bool{"removed": removed}, nil
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleSessionsAbort(_ context.Context, call *rpc.Call) (any, error) {
	var p sessionKeyParams
	if err := rpc.DecodeParams(call, &p); err != nil {
		return nil, err
	}
	key := p.SessionKey
	if key == "" {
		key = call.SessionKey
	}
	if key == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}

	n := s.pending.CancelAllForSession(key)
	s.events.Emit(EventSessionAborted, map[string]any{"sessionKey": key, "canceled": n}, key)
	s.logger.Info("session aborted", "session_key", key, "canceled", n, "conn_id", call.ConnID)
	return map[string]int{"canceled": n}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, _ *rpc.Call) (any, error) {
	st, err := s.requireStore()
	if err != nil {
		return nil, err
	}
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return nil, storeErr("listing sessions", err)
	}
	if sessions == nil {
		sessions = []protocol.SessionSummary{}
	}
	return map[string]any{"sessions": sessions}, nil
}

// sessionPatch carries only the fields being changed.
type sessionPatch struct {
	Key     string  `json:"key"`
	Label   *string `json:"label"`
	Channel *string `json:"channel"`
	AgentID *string `json:"agentId"`
	Model   *string `json:"model"`
}

func (s *Server) handleSessionsPatch(ctx context.Context, call *rpc.Call) (any, error) {
	var p sessionPatch
	if err := rpc.DecodeParams(call, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		p.Key = call.SessionKey
	}
	if p.Key == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "key is required")
	}
	st, err := s.requireStore()
	if err != nil {
		return nil, err
	}

	// Patches to one key apply one at a time so none loses another's fields.
	unlock := s.sessionLocks.lock(p.Key)
	defer unlock()

	session := protocol.SessionSummary{Key: p.Key}
	existing, err := st.GetSession(ctx, p.Key)
	switch {
	case err == nil:
		session = *existing
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeErr("loading session", err)
	}

	if p.Label != nil {
		session.Label = *p.Label
	}
	if p.Channel != nil {
		session.Channel = *p.Channel
	}
	if p.AgentID != nil {
		session.AgentID = *p.AgentID
	}
	if p.Model != nil {
		session.Model = *p.Model
	}
	session.UpdatedAt = time.Now().UnixMilli()

	if err := st.UpsertSession(ctx, session); err != nil {
		return nil, storeErr("saving session", err)
	}
	s.events.Emit(EventSessionsChanged, map[string]any{"session": session}, session.Key)
	return map[string]any{"session": session}, nil
}

func (s *Server) handleChannelsList(ctx context.Context, _ *rpc.Call) (any, error) {
	st, err := s.requireStore()
	if err != nil {
		return nil, err
	}
	channels, err := st.ListChannels(ctx)
	if err != nil {
		return nil, storeErr("listing channels", err)
	}
	if channels == nil {
		channels = []protocol.ChannelSummary{}
	}
	return map[string]any{"channels": channels}, nil
}

func (s *Server) handleCronList(ctx context.Context, _ *rpc.Call) (any, error) {
	st, err := s.requireStore()
	if err != nil {
		return nil, err
	}
	jobs, err := st.ListJobs(ctx)
	if err != nil {
		return nil, storeErr("listing scheduled jobs", err)
	}
	if jobs == nil {
		jobs = []protocol.JobSummary{}
	}
	return map[string]any{"jobs": jobs}, nil
}

type resolveParams struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func (s *Server) handlePendingResolve(_ context.Context, call *rpc.Call) (any, error) {
	var p resolveParams
	if err := rpc.DecodeParams(call, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "id is required")
	}

	req, ok := s.pending.Get(p.ID)
	if !ok {
		return map[string]bool{"settled": false}, nil
	}
	if req.Owner != call.ConnID {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "pending request %s was not issued to this connection", p.ID)
	}

	var settled bool
	if p.Error != nil {
		perr := protocol.NewError(p.Error.Code, p.Error.Message)
		if p.Error.Details != nil {
			perr = perr.WithDetails(p.Error.Details)
		}
		settled = s.pending.Reject(p.ID, perr)
	} else {
		result := p.Result
		if len(result) == 0 {
			result = json.RawMessage(`null`)
		}
		settled = s.pending.Resolve(p.ID, result)
	}
	return map[string]bool{"settled": settled}, nil
}

// clientRequest is the payload of an event that expects an answer.
type clientRequest struct {
	RequestID string `json:"requestId"`
	Params    any    `json:"params,omitempty"`
}

// RequestClient sends event to one connection and waits for the client to
// answer with pending.resolve. The wait ends with AGENT_TIMEOUT when ctx
// has no deadline and the pending timeout elapses, or with
// pending.ErrCanceled when the session is aborted or the client leaves.
func (s *Server) RequestClient(ctx context.Context, connID, sessionKey, event string, payload any) (json.RawMessage, error) {
	conn, ok := s.conns.Get(connID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnavailable, "connection %s not found", connID)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PendingTimeout)
		defer cancel()
	}

	req := s.pending.CreateOwned(connID, sessionKey)
	if err := s.sendClientRequest(conn, event, clientRequest{RequestID: req.ID, Params: payload}, sessionKey); err != nil {
		s.pending.Reject(req.ID, err)
		return nil, protocol.Errorf(protocol.CodeUnavailable, "sending %s: %v", event, err)
	}

	s.logger.Debug("awaiting client answer",
		"conn_id", connID,
		"request_id", req.ID,
		"event", event,
		"session_key", sessionKey)

	value, err := req.Wait(ctx)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && errors.Is(err, ctxErr) {
		timeout := protocol.Errorf(protocol.CodeAgentTimeout, "client did not answer %s", event)
		if errors.Is(ctxErr, context.Canceled) {
			s.pending.Reject(req.ID, ctxErr)
			return nil, fmt.Errorf("waiting for %s: %w", event, ctxErr)
		}
		if !s.pending.Reject(req.ID, timeout) {
			// Settled between the deadline and the reject.
			return req.Result()
		}
		return nil, timeout
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", event, err)
	}
	return value, nil
}

// sendClientRequest queues the event behind whatever the connection's first
// live subscription already holds, so the client sees it in id order. A
// connection without subscriptions receives nothing else and is written
// directly.
func (s *Server) sendClientRequest(conn *connection.Connection, event string, payload clientRequest, sessionKey string) error {
	for _, subID := range conn.Subscriptions() {
		_, err := s.events.EmitTo(subID, event, payload, sessionKey)
		if errors.Is(err, events.ErrUnknownSubscription) {
			continue
		}
		return err
	}

	ev := s.events.Stamp(event, payload, sessionKey)
	if err := conn.Send(ev); err != nil {
		return err
	}
	return conn.Flush()
}
