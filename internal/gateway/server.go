// ABOUTME: Protocol server that runs the handshake and read loop for one transport
// ABOUTME: Routes requests to the method registry and events through the broadcaster

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lurkbot/lurkbot-gateway/internal/auth"
	"github.com/lurkbot/lurkbot-gateway/internal/batch"
	"github.com/lurkbot/lurkbot-gateway/internal/connection"
	"github.com/lurkbot/lurkbot-gateway/internal/events"
	"github.com/lurkbot/lurkbot-gateway/internal/metrics"
	"github.com/lurkbot/lurkbot-gateway/internal/pending"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
	"github.com/lurkbot/lurkbot-gateway/internal/rpc"
	"github.com/lurkbot/lurkbot-gateway/internal/store"
	"github.com/lurkbot/lurkbot-gateway/internal/transport"
)

// Version is reported in HelloOK and build_info. Set at link time.
var Version = "dev"

// Server defaults
const (
	DefaultProtocol         = 3
	DefaultMaxInflight      = 16
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPendingTimeout   = 2 * time.Minute
)

// Authorizer decides whether a handshake may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, creds *protocol.ConnectAuth) auth.Decision
}

// ServerConfig tunes the protocol engine.
type ServerConfig struct {
	MinProtocol      int
	MaxProtocol      int
	MaxInflight      int
	HandshakeTimeout time.Duration
	PendingTimeout   time.Duration
	SubscriberBuffer int

	// Batching enables outbound coalescing per connection when non-nil.
	Batching *batch.Config

	Host    string
	Version string
}

func (c *ServerConfig) applyDefaults() {
	if c.MinProtocol <= 0 {
		c.MinProtocol = DefaultProtocol
	}
	if c.MaxProtocol < c.MinProtocol {
		c.MaxProtocol = c.MinProtocol
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.Version == "" {
		c.Version = Version
	}
}

// Deps are the external collaborators of a Server. All are optional:
// a nil Store serves empty snapshots and a nil Authorizer admits everyone.
type Deps struct {
	Store      store.Store
	Authorizer Authorizer
	// Metrics enables the Prometheus collectors.
	Metrics bool
}

// Server is the gateway protocol engine. It is transport agnostic: every
// accepted connection is handed to ServeTransport.
type Server struct {
	cfg     ServerConfig
	conns   *connection.Registry
	methods *rpc.Registry
	events  *events.Broadcaster
	pending *pending.Correlator[json.RawMessage]
	store   store.Store
	authz   Authorizer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu          sync.Mutex
	eventNames  []string
	defaultSubs map[string]string // conn id -> catch-all subscription id

	sessionLocks keyLocks
}

// NewServer wires the registries together and registers the built-in
// methods. Pass nil logger for default.
func NewServer(cfg ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	s := &Server{
		cfg:         cfg,
		conns:       connection.NewRegistry(logger),
		methods:     rpc.NewRegistry(logger),
		pending:     pending.New[json.RawMessage](logger),
		store:       deps.Store,
		authz:       deps.Authorizer,
		logger:      logger.With("component", "server"),
		defaultSubs: make(map[string]string),
	}
	s.events = events.NewBroadcaster(logger,
		events.WithSubscriberBuffer(cfg.SubscriberBuffer),
		events.WithEmitObserver(func(name string, _, evicted int) {
			s.metrics.ObserveEmit(name, evicted)
		}))

	if deps.Metrics {
		s.metrics = metrics.New(metrics.Gauges{
			Connections: s.conns.Len,
			Subscribers: s.events.SubscriberCount,
			Pending:     s.pending.Len,
		})
		s.metrics.SetBuildInfo(cfg.Version, fmt.Sprintf("%d..%d", cfg.MinProtocol, cfg.MaxProtocol))
	}

	s.conns.OnUnregister(s.releaseConnection)
	s.registerBuiltins()
	return s
}

// Methods is the method registry. Subsystems register their RPCs here.
func (s *Server) Methods() *rpc.Registry { return s.methods }

// Connections is the connection registry.
func (s *Server) Connections() *connection.Registry { return s.conns }

// Events is the event broadcaster.
func (s *Server) Events() *events.Broadcaster { return s.events }

// Pending is the correlator used for client round-trips.
func (s *Server) Pending() *pending.Correlator[json.RawMessage] { return s.pending }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Emit pushes an event to every matching subscriber.
func (s *Server) Emit(name string, payload any, sessionKey string) *protocol.Event {
	return s.events.Emit(name, payload, sessionKey)
}

// AdvertiseEvents adds event names to the HelloOK feature list.
func (s *Server) AdvertiseEvents(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		if !slices.Contains(s.eventNames, n) {
			s.eventNames = append(s.eventNames, n)
		}
	}
	slices.Sort(s.eventNames)
}

func (s *Server) advertisedEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.eventNames)
}

// Close disconnects every client and stops event delivery.
func (s *Server) Close() {
	s.conns.CloseAll()
	s.events.Close()
	s.logger.Info("server closed")
}

// ServeTransport runs one client connection until it disconnects or ctx is
// canceled. The transport is always closed on return.
func (s *Server) ServeTransport(ctx context.Context, t transport.Transport) error {
	conn, err := s.handshake(ctx, t)
	if err != nil {
		_ = t.Close()
		return err
	}
	return s.serve(ctx, conn, t)
}

// handshake reads and answers the Connect frame. On refusal the error
// response has already been written.
func (s *Server) handshake(ctx context.Context, t transport.Transport) (*connection.Connection, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	// Transports that ignore ctx are unblocked by closing them.
	stop := context.AfterFunc(hctx, func() { _ = t.Close() })
	defer stop()

	data, err := t.ReadFrame(hctx)
	if err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			return nil, s.refuse(t, protocol.NewError(protocol.CodeInvalidRequest, "handshake frame too large"))
		}
		if ctx.Err() == nil && (hctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded)) {
			s.logger.Debug("handshake timed out", "remote_addr", t.RemoteAddr())
			return nil, fmt.Errorf("waiting for handshake: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("reading handshake: %w", err)
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, s.refuse(t, protocol.AsError(err))
	}
	connect, ok := frame.(*protocol.Connect)
	if !ok {
		return nil, s.refuse(t, protocol.Errorf(protocol.CodeInvalidRequest,
			"handshake required before %s frames", frame.FrameType()))
	}
	if err := connect.Validate(); err != nil {
		return nil, s.refuse(t, protocol.AsError(err))
	}

	version, err := protocol.Negotiate(s.cfg.MinProtocol, s.cfg.MaxProtocol, connect.MinProtocol, connect.MaxProtocol)
	if err != nil {
		return nil, s.refuse(t, protocol.AsError(err))
	}

	principal := auth.AnonymousPrincipal
	if s.authz != nil {
		decision := s.authz.Authorize(hctx, connect.Auth)
		if !decision.Allowed {
			return nil, s.refuse(t, decision.Err())
		}
		principal = decision.PrincipalID
	}

	conn := connection.New(t, connection.Options{
		ID:           uuid.New().String(),
		Protocol:     version,
		Client:       connect.Client,
		Capabilities: connect.Capabilities,
		PrincipalID:  principal,
		Batching:     s.cfg.Batching,
		OnFlush:      s.metrics.ObserveFlush,
	}, s.logger)
	if err := s.conns.Register(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering connection: %w", err)
	}

	hello := &protocol.HelloOK{
		Type:     protocol.TypeHelloOK,
		Protocol: version,
		Server: protocol.ServerInfo{
			Version: s.cfg.Version,
			Host:    s.cfg.Host,
			ConnID:  conn.ID,
		},
		Features: protocol.Features{
			Methods: s.methods.Names(),
			Events:  s.advertisedEvents(),
		},
		Snapshot: s.snapshot(hctx),
	}
	if err := conn.Send(hello); err != nil {
		s.conns.Unregister(conn.ID)
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	if err := conn.Flush(); err != nil {
		s.conns.Unregister(conn.ID)
		return nil, fmt.Errorf("flushing hello: %w", err)
	}

	// Subscribed after HelloOK is queued so no event can overtake it.
	if err := s.subscribeDefault(conn); err != nil {
		s.conns.Unregister(conn.ID)
		return nil, err
	}

	s.metrics.HandshakeAccepted()
	s.logger.Info("handshake complete",
		"conn_id", conn.ID,
		"client_id", connect.Client.ID,
		"protocol", version,
		"principal", principal)
	return conn, nil
}

// refuse writes the handshake refusal and closes the transport.
func (s *Server) refuse(t transport.Transport, perr *protocol.Error) error {
	s.metrics.HandshakeRefused(string(perr.Code))
	s.logger.Info("handshake refused",
		"remote_addr", t.RemoteAddr(),
		"code", perr.Code,
		"reason", perr.Message)

	if data, err := protocol.Encode(protocol.NewErrorResponse(protocol.HandshakeResponseID, perr)); err == nil {
		if err := t.WriteFrame(data); err == nil {
			_ = t.Flush()
		}
	}
	_ = t.Close()
	return perr
}

func (s *Server) snapshot(ctx context.Context) protocol.Snapshot {
	if s.store == nil {
		return protocol.Snapshot{}.Normalize()
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("snapshot unavailable, sending empty state", "error", err)
		return protocol.Snapshot{}.Normalize()
	}
	return snap.Normalize()
}

// subscribeDefault gives a new connection a catch-all subscription that the
// first events.subscribe replaces.
func (s *Server) subscribeDefault(conn *connection.Connection) error {
	id, err := s.subscribe(conn, events.Filter{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.defaultSubs[conn.ID] = id
	s.mu.Unlock()
	return nil
}

// subscribe ties a filtered subscription to conn. Overflowing any of its
// subscription queues disconnects the client.
func (s *Server) subscribe(conn *connection.Connection, f events.Filter) (string, error) {
	id, err := s.events.Subscribe(func(ev *protocol.Event) error {
		return conn.Send(ev)
	}, f, events.OnOverflow(func() {
		s.logger.Warn("disconnecting slow client", "conn_id", conn.ID)
		s.conns.Unregister(conn.ID)
	}))
	if err != nil {
		return "", fmt.Errorf("subscribing connection: %w", err)
	}
	conn.AddSubscription(id)
	return id, nil
}

// dropDefault removes the catch-all subscription if conn still has it.
func (s *Server) dropDefault(conn *connection.Connection) {
	s.mu.Lock()
	id, ok := s.defaultSubs[conn.ID]
	delete(s.defaultSubs, conn.ID)
	s.mu.Unlock()
	if ok && conn.RemoveSubscription(id) {
		s.events.Unsubscribe(id)
	}
}

// releaseConnection runs when a connection leaves the registry.
func (s *Server) releaseConnection(c *connection.Connection) {
	for _, id := range c.TakeSubscriptions() {
		s.events.Unsubscribe(id)
	}
	s.mu.Lock()
	delete(s.defaultSubs, c.ID)
	s.mu.Unlock()

	if n := s.pending.CancelAllForOwner(c.ID); n > 0 {
		s.logger.Info("canceled pending client requests", "conn_id", c.ID, "count", n)
	}
}

// serve is the read loop of an established connection.
func (s *Server) serve(ctx context.Context, conn *connection.Connection, t transport.Transport) error {
	connCtx, cancel := context.WithCancel(ctx)
	sem := semaphore.NewWeighted(int64(s.cfg.MaxInflight))
	var wg sync.WaitGroup

	defer wg.Wait()
	defer s.conns.Unregister(conn.ID)
	defer cancel()

	stop := context.AfterFunc(connCtx, conn.Close)
	defer stop()

	for {
		data, err := t.ReadFrame(connCtx)
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				s.reply(conn, protocol.NewErrorResponse("",
					protocol.NewError(protocol.CodeInvalidRequest, "frame too large")))
				_ = conn.Flush()
				return err
			}
			if errors.Is(err, io.EOF) || conn.Closed() || connCtx.Err() != nil {
				return nil
			}
			s.logger.Debug("read failed", "conn_id", conn.ID, "error", err)
			return nil
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			s.reply(conn, protocol.NewErrorResponse(frameID(data), protocol.AsError(err)))
			continue
		}

		switch f := frame.(type) {
		case *protocol.Request:
			if !s.admit(conn, f) {
				continue
			}
			if err := sem.Acquire(connCtx, 1); err != nil {
				conn.EndRequest(f.ID)
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				defer conn.EndRequest(f.ID)
				s.dispatch(connCtx, conn, f)
			}()
		case *protocol.Connect:
			s.reply(conn, protocol.NewErrorResponse(protocol.HandshakeResponseID,
				protocol.NewError(protocol.CodeInvalidRequest, "handshake already completed")))
		default:
			s.reply(conn, protocol.NewErrorResponse(frameID(data),
				protocol.Errorf(protocol.CodeInvalidRequest, "unexpected %s frame from client", f.FrameType())))
		}
	}
}

// admit checks a request before dispatch and answers it when it cannot run.
func (s *Server) admit(conn *connection.Connection, req *protocol.Request) bool {
	var perr *protocol.Error
	switch {
	case req.ID == "":
		perr = protocol.NewError(protocol.CodeInvalidRequest, "request id is required")
	case req.Method == "":
		perr = protocol.NewError(protocol.CodeInvalidRequest, "request method is required")
	case !conn.BeginRequest(req.ID):
		perr = protocol.Errorf(protocol.CodeInvalidRequest, "request id %q is already in flight", req.ID)
	}
	if perr == nil {
		return true
	}
	s.metrics.ObserveRequest(req.Method, string(perr.Code), 0)
	s.reply(conn, protocol.NewErrorResponse(req.ID, perr))
	return false
}

// dispatch invokes the method and writes exactly one response.
func (s *Server) dispatch(ctx context.Context, conn *connection.Connection, req *protocol.Request) {
	start := time.Now()
	result, perr := s.methods.Invoke(ctx, &rpc.Call{
		Method:      req.Method,
		Params:      req.Params,
		SessionKey:  req.SessionKey,
		ConnID:      conn.ID,
		PrincipalID: conn.PrincipalID,
	})

	var resp *protocol.Response
	if perr == nil {
		var err error
		if resp, err = protocol.NewResult(req.ID, result); err != nil {
			perr = protocol.AsError(err)
		}
	}
	if perr != nil {
		resp = protocol.NewErrorResponse(req.ID, perr)
	}

	method := req.Method
	code := ""
	if perr != nil {
		code = string(perr.Code)
		if perr.Code == protocol.CodeMethodNotFound {
			method = "unknown"
		}
	}
	s.metrics.ObserveRequest(method, code, time.Since(start))

	s.logger.Debug("request handled",
		"conn_id", conn.ID,
		"request_id", req.ID,
		"method", req.Method,
		"code", code,
		"duration", time.Since(start))
	s.reply(conn, resp)
}

func (s *Server) reply(conn *connection.Connection, resp *protocol.Response) {
	if err := conn.Send(resp); err != nil {
		s.logger.Debug("response not delivered",
			"conn_id", conn.ID,
			"request_id", resp.ID,
			"error", err)
	}
}

// frameID recovers the id of a frame that failed to decode so the error
// can still be correlated.
func frameID(data []byte) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return ""
	}
	var id string
	if json.Unmarshal(probe.ID, &id) != nil {
		return ""
	}
	return id
}
