// ABOUTME: Tests for the protocol server driven over an in-memory NDJSON pipe
// ABOUTME: Covers handshake outcomes, request correlation, event routing and teardown

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lurkbot/lurkbot-gateway/internal/auth"
	"github.com/lurkbot/lurkbot-gateway/internal/batch"
	"github.com/lurkbot/lurkbot-gateway/internal/pending"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
	"github.com/lurkbot/lurkbot-gateway/internal/rpc"
	"github.com/lurkbot/lurkbot-gateway/internal/transport"
)

const frameTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg ServerConfig, deps Deps) *Server {
	t.Helper()
	s := NewServer(cfg, deps, testLogger())
	t.Cleanup(s.Close)
	return s
}

// testClient speaks NDJSON to a Server over net.Pipe.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	frames chan []byte
	served chan error
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := &testClient{
		t:      t,
		conn:   clientSide,
		frames: make(chan []byte, 1024),
		served: make(chan error, 1),
	}
	go func() {
		c.served <- s.ServeTransport(t.Context(), transport.NewStream(serverSide, 0))
	}()
	go func() {
		defer close(c.frames)
		sc := bufio.NewScanner(clientSide)
		sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for sc.Scan() {
			c.frames <- append([]byte(nil), sc.Bytes()...)
		}
	}()
	t.Cleanup(func() { _ = clientSide.Close() })
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(c.t, err)
	}
	_, err := c.conn.Write(append(data, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) next() protocol.Frame {
	c.t.Helper()
	select {
	case data, ok := <-c.frames:
		if !ok {
			c.t.Fatal("connection closed while waiting for a frame")
		}
		frame, err := protocol.Decode(data)
		require.NoError(c.t, err, "server sent %s", data)
		return frame
	case <-time.After(frameTimeout):
		c.t.Fatal("timed out waiting for a frame")
	}
	return nil
}

func (c *testClient) response(id string) *protocol.Response {
	c.t.Helper()
	for {
		if r, ok := c.next().(*protocol.Response); ok && r.ID == id {
			return r
		}
	}
}

func (c *testClient) event(name string) *protocol.Event {
	c.t.Helper()
	for {
		if ev, ok := c.next().(*protocol.Event); ok && ev.Event == name {
			return ev
		}
	}
}

// closed waits for the server to hang up and returns any frames sent first.
func (c *testClient) closed() []protocol.Frame {
	c.t.Helper()
	var out []protocol.Frame
	deadline := time.After(frameTimeout)
	for {
		select {
		case data, ok := <-c.frames:
			if !ok {
				return out
			}
			frame, err := protocol.Decode(data)
			require.NoError(c.t, err)
			out = append(out, frame)
		case <-deadline:
			c.t.Fatal("server did not close the connection")
			return nil
		}
	}
}

func (c *testClient) serveErr() error {
	c.t.Helper()
	select {
	case err := <-c.served:
		return err
	case <-time.After(frameTimeout):
		c.t.Fatal("ServeTransport did not return")
		return nil
	}
}

func connectFrame(minProto, maxProto int) map[string]any {
	return map[string]any{
		"minProtocol": minProto,
		"maxProtocol": maxProto,
		"client":      map[string]any{"id": "test-client", "version": "1.0.0", "platform": "test"},
	}
}

func (c *testClient) connect() *protocol.HelloOK {
	c.t.Helper()
	c.send(connectFrame(DefaultProtocol, DefaultProtocol))
	hello, ok := c.next().(*protocol.HelloOK)
	require.True(c.t, ok, "first frame after connect must be hello-ok")
	return hello
}

func (c *testClient) call(id, method string, params any) *protocol.Response {
	c.t.Helper()
	req := map[string]any{"type": protocol.TypeRequest, "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	c.send(req)
	return c.response(id)
}

// callWithEvent issues a request that also emits event and waits for both,
// in whatever order they arrive.
func (c *testClient) callWithEvent(id, method string, params any, event string) (*protocol.Response, *protocol.Event) {
	c.t.Helper()
	c.send(map[string]any{"type": protocol.TypeRequest, "id": id, "method": method, "params": params})
	var (
		resp *protocol.Response
		ev   *protocol.Event
	)
	for resp == nil || ev == nil {
		switch f := c.next().(type) {
		case *protocol.Response:
			if f.ID == id {
				resp = f
			}
		case *protocol.Event:
			if f.Event == event {
				ev = f
			}
		}
	}
	return resp, ev
}

func decodeResult[T any](t *testing.T, r *protocol.Response) T {
	t.Helper()
	require.Nil(t, r.Error, "unexpected error response: %v", r.Error)
	var v T
	require.NoError(t, json.Unmarshal(r.Result, &v))
	return v
}

type authFunc func(*protocol.ConnectAuth) auth.Decision

func (f authFunc) Authorize(_ context.Context, creds *protocol.ConnectAuth) auth.Decision {
	return f(creds)
}

func TestServer_HandshakeSendsHelloOK(t *testing.T) {
	s := newTestServer(t, ServerConfig{Host: "test-host", Version: "1.2.3"}, Deps{})
	c := dial(t, s)

	c.send(connectFrame(1, 5))
	hello, ok := c.next().(*protocol.HelloOK)
	require.True(t, ok)

	assert.Equal(t, protocol.TypeHelloOK, hello.Type)
	assert.Equal(t, DefaultProtocol, hello.Protocol)
	assert.Equal(t, "1.2.3", hello.Server.Version)
	assert.Equal(t, "test-host", hello.Server.Host)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Contains(t, hello.Features.Methods, MethodHealth)
	assert.Contains(t, hello.Features.Methods, MethodPendingResolve)
	assert.Contains(t, hello.Features.Events, EventSessionAborted)
	assert.NotNil(t, hello.Snapshot.Sessions)
	assert.NotNil(t, hello.Snapshot.ScheduledJobs)
	assert.NotNil(t, hello.Snapshot.Channels)

	conn, ok := s.Connections().Get(hello.Server.ConnID)
	require.True(t, ok)
	assert.Equal(t, "test-client", conn.Client.ID)
	assert.Equal(t, auth.AnonymousPrincipal, conn.PrincipalID)
}

func TestServer_HandshakeRefusals(t *testing.T) {
	tests := []struct {
		name  string
		frame any
		code  protocol.ErrorCode
	}{
		{
			name:  "no overlapping version",
			frame: connectFrame(5, 10),
			code:  protocol.CodeInvalidRequest,
		},
		{
			name:  "request before handshake",
			frame: map[string]any{"type": protocol.TypeRequest, "id": "r1", "method": "health"},
			code:  protocol.CodeInvalidRequest,
		},
		{
			name:  "missing client id",
			frame: map[string]any{"minProtocol": 3, "maxProtocol": 3, "client": map[string]any{}},
			code:  protocol.CodeInvalidRequest,
		},
		{
			name:  "not json",
			frame: "hello there",
			code:  protocol.CodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, ServerConfig{}, Deps{})
			c := dial(t, s)

			c.send(tt.frame)
			frames := c.closed()
			require.Len(t, frames, 1, "exactly one refusal and no hello-ok")
			resp, ok := frames[0].(*protocol.Response)
			require.True(t, ok)
			assert.Equal(t, protocol.HandshakeResponseID, resp.ID)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)

			var perr *protocol.Error
			assert.ErrorAs(t, c.serveErr(), &perr)
			assert.Equal(t, 0, s.Connections().Len())
		})
	}
}

func TestServer_HandshakeAuthorization(t *testing.T) {
	var seen *protocol.ConnectAuth
	authz := authFunc(func(creds *protocol.ConnectAuth) auth.Decision {
		seen = creds
		if creds == nil || creds.Token != "letmein" {
			return auth.Decision{Code: protocol.CodeNotPaired, Reason: "device not paired"}
		}
		return auth.Decision{Allowed: true, PrincipalID: "user:alice"}
	})

	t.Run("refused", func(t *testing.T) {
		s := newTestServer(t, ServerConfig{}, Deps{Authorizer: authz})
		c := dial(t, s)
		c.send(connectFrame(3, 3))
		frames := c.closed()
		require.Len(t, frames, 1)
		resp := frames[0].(*protocol.Response)
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeNotPaired, resp.Error.Code)
		assert.Equal(t, "device not paired", resp.Error.Message)
	})

	t.Run("allowed", func(t *testing.T) {
		s := newTestServer(t, ServerConfig{}, Deps{Authorizer: authz})
		c := dial(t, s)
		frame := connectFrame(3, 3)
		frame["auth"] = map[string]any{"token": "letmein"}
		c.send(frame)
		hello, ok := c.next().(*protocol.HelloOK)
		require.True(t, ok)
		require.NotNil(t, seen)
		assert.Equal(t, "letmein", seen.Token)

		conn, ok := s.Connections().Get(hello.Server.ConnID)
		require.True(t, ok)
		assert.Equal(t, "user:alice", conn.PrincipalID)
	})
}

func TestServer_RequiredCredentials(t *testing.T) {
	authz, err := auth.NewAuthorizer(auth.Config{Required: true}, testLogger())
	require.NoError(t, err)
	defer authz.Close()

	s := newTestServer(t, ServerConfig{}, Deps{Authorizer: authz})
	c := dial(t, s)
	c.send(connectFrame(3, 3))
	frames := c.closed()
	require.Len(t, frames, 1)
	resp := frames[0].(*protocol.Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeNotLinked, resp.Error.Code)
}

func TestServer_HandshakeTimeout(t *testing.T) {
	s := newTestServer(t, ServerConfig{HandshakeTimeout: 50 * time.Millisecond}, Deps{})
	c := dial(t, s)

	assert.Empty(t, c.closed())
	assert.ErrorIs(t, c.serveErr(), context.DeadlineExceeded)
}

func TestServer_SecondConnectRejected(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	c := dial(t, s)
	c.connect()

	c.send(connectFrame(3, 3))
	resp := c.response(protocol.HandshakeResponseID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)

	// The connection stays usable.
	r := c.call("r1", MethodHealth, nil)
	assert.True(t, r.OK())
}

func TestServer_UnknownMethod(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	c := dial(t, s)
	c.connect()

	r := c.call("r1", "does.not.exist", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, r.Error.Code)
}

func TestServer_MalformedFramesKeepConnection(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	c := dial(t, s)
	c.connect()

	c.send(`{"type":"request","id":"bad1","method":42}`)
	r := c.response("bad1")
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, r.Error.Code)

	c.send(`{"type":"request","method":"health"}`)
	r = c.response("")
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, r.Error.Code)

	c.send(`{"type":"event","id":1,"at":1,"event":"tick"}`)
	r = c.response("")
	require.NotNil(t, r.Error)
	assert.Contains(t, r.Error.Message, "unexpected event frame")

	assert.True(t, c.call("ok", MethodHealth, nil).OK())
}

func TestServer_ConcurrentRequestsCorrelate(t *testing.T) {
	s := newTestServer(t, ServerConfig{MaxInflight: 4}, Deps{})
	s.Methods().RegisterFunc("echo", func(_ context.Context, call *rpc.Call) (any, error) {
		return call.Params, nil
	})
	c := dial(t, s)
	c.connect()

	const n = 50
	for i := range n {
		c.send(map[string]any{
			"type":   protocol.TypeRequest,
			"id":     fmt.Sprintf("r%d", i),
			"method": "echo",
			"params": map[string]int{"n": i},
		})
	}

	seen := make(map[string]int)
	for len(seen) < n {
		r, ok := c.next().(*protocol.Response)
		if !ok {
			continue
		}
		_, dup := seen[r.ID]
		require.False(t, dup, "duplicate response for %s", r.ID)
		got := decodeResult[map[string]int](t, r)
		seen[r.ID] = got["n"]
	}
	for i := range n {
		assert.Equal(t, i, seen[fmt.Sprintf("r%d", i)])
	}
}

func TestServer_DuplicateInflightID(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	release := make(chan struct{})
	s.Methods().RegisterFunc("block", func(ctx context.Context, _ *rpc.Call) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	c := dial(t, s)
	c.connect()

	c.send(map[string]any{"type": protocol.TypeRequest, "id": "same", "method": "block"})
	c.send(map[string]any{"type": protocol.TypeRequest, "id": "same", "method": "block"})

	dup := c.response("same")
	require.NotNil(t, dup.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, dup.Error.Code)
	assert.Contains(t, dup.Error.Message, "already in flight")

	close(release)
	first := c.response("same")
	assert.Equal(t, "done", decodeResult[string](t, first))
}

func TestServer_HandlerPanicIsContained(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	s.Methods().RegisterFunc("explode", func(context.Context, *rpc.Call) (any, error) {
		panic("boom")
	})
	c := dial(t, s)
	c.connect()

	r := c.call("r1", "explode", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.CodeInternalError, r.Error.Code)
	assert.True(t, c.call("r2", MethodHealth, nil).OK())
}

func TestServer_DefaultSubscriptionReceivesEvents(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	c := dial(t, s)
	c.connect()

	emitted := s.Emit("tick", map[string]int{"n": 1}, "")
	ev := c.event("tick")
	assert.Equal(t, emitted.ID, ev.ID)
	assert.JSONEq(t, `{"n":1}`, string(ev.Payload))
}

func TestServer_SubscribeFiltersBySession(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	c := dial(t, s)
	c.connect()

	r := c.call("sub", MethodEventsSubscribe, map[string]string{"sessionKey": "s1"})
	res := decodeResult[map[string]string](t, r)
	assert.NotEmpty(t, res["subscriptionId"])
	assert.Equal(t, 1, s.Events().SubscriberCount(), "catch-all subscription is replaced")

	s.Emit("chat.delta", "other", "s2")
	s.Emit("chat.delta", "mine", "s1")

	ev := c.event("chat.delta")
	assert.Equal(t, "s1", ev.SessionKey)
	assert.JSONEq(t, `"mine"`, string(ev.Payload))
}

func TestServer_EventIDsIncreaseAcrossBatches(t *testing.T) {
	s := newTestServer(t, ServerConfig{
		Batching: &batch.Config{Size: 4, Delay: 5 * time.Millisecond, AutoFlush: true},
	}, Deps{})
	c := dial(t, s)
	c.connect()

	for i := range 10 {
		s.Emit("tick", i, "")
	}
	var last uint64
	for range 10 {
		ev := c.event("tick")
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
}

func TestServer_LoneResponseIsFlushedWhenBatched(t *testing.T) {
	s := newTestServer(t, ServerConfig{
		Batching: &batch.Config{Size: 8, AutoFlush: false},
	}, Deps{})
	c := dial(t, s)
	c.connect()

	r := c.call("r1", MethodHealth, nil)
	assert.Nil(t, r.Error)

	s.Emit("tick", 1, "")
	ev := c.event("tick")
	assert.JSONEq(t, `1`, string(ev.Payload))
}

func TestServer_SlowClientIsDisconnected(t *testing.T) {
	s := newTestServer(t, ServerConfig{SubscriberBuffer: 1}, Deps{})

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	served := make(chan error, 1)
	go func() {
		served <- s.ServeTransport(t.Context(), transport.NewStream(serverSide, 0))
	}()

	data, err := json.Marshal(connectFrame(DefaultProtocol, DefaultProtocol))
	require.NoError(t, err)
	_, err = clientSide.Write(append(data, '\n'))
	require.NoError(t, err)
	line, err := bufio.NewReader(clientSide).ReadBytes('\n')
	require.NoError(t, err)
	_, ok := mustDecode(t, line).(*protocol.HelloOK)
	require.True(t, ok)

	// The client stops reading; the first event blocks in the write.
	for i := range 5 {
		s.Emit("tick", i, "")
	}

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(frameTimeout):
		t.Fatal("slow client was not disconnected")
	}
	assert.Equal(t, 0, s.Connections().Len())
	assert.Equal(t, 0, s.Events().SubscriberCount())
}

func TestServer_DisconnectReleasesState(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	c := dial(t, s)
	hello := c.connect()
	c.call("sub", MethodEventsSubscribe, map[string]string{"prefix": "chat."})

	errc := make(chan error, 1)
	go func() {
		_, err := s.RequestClient(t.Context(), hello.Server.ConnID, "s1", "tool.approve", nil)
		errc <- err
	}()
	c.event("tool.approve")

	require.NoError(t, c.conn.Close())
	assert.NoError(t, c.serveErr())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, pending.ErrCanceled)
	case <-time.After(frameTimeout):
		t.Fatal("pending request not canceled on disconnect")
	}
	assert.Equal(t, 0, s.Connections().Len())
	assert.Equal(t, 0, s.Events().SubscriberCount())
	assert.Equal(t, 0, s.Pending().Len())
}

func TestServer_ContextCancelClosesConnection(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	ctx, cancel := context.WithCancel(t.Context())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	served := make(chan error, 1)
	go func() { served <- s.ServeTransport(ctx, transport.NewStream(serverSide, 0)) }()

	go func() {
		data, _ := json.Marshal(connectFrame(3, 3))
		_, _ = clientSide.Write(append(data, '\n'))
	}()
	sc := bufio.NewScanner(clientSide)
	require.True(t, sc.Scan(), "hello-ok expected")

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(frameTimeout):
		t.Fatal("server did not stop on cancel")
	}
	for sc.Scan() {
	}
	assert.Equal(t, 0, s.Connections().Len())
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{Metrics: true})
	require.NotNil(t, s.Metrics())

	c := dial(t, s)
	c.connect()
	c.call("r1", MethodHealth, nil)
	c.call("r2", "nope", nil)

	refused := dial(t, s)
	refused.send(connectFrame(9, 9))
	refused.closed()

	reg := s.Metrics().Registry()
	n, err := testutil.GatherAndCount(reg, "lurkbot_gateway_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series for health, one for unknown")

	n, err = testutil.GatherAndCount(reg, "lurkbot_gateway_handshake_refusals_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServer_MetricsDisabled(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	assert.Nil(t, s.Metrics())

	c := dial(t, s)
	c.connect()
	assert.True(t, c.call("r1", MethodHealth, nil).OK())
}

func TestFrameID(t *testing.T) {
	assert.Equal(t, "r1", frameID([]byte(`{"type":"request","id":"r1","method":7}`)))
	assert.Equal(t, "", frameID([]byte(`{"type":"request","id":7}`)))
	assert.Equal(t, "", frameID([]byte(`not json`)))
}

// syncBuffer collects log output from concurrent goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func TestServer_LogsHandshakeOutcomes(t *testing.T) {
	var logs syncBuffer
	s := NewServer(ServerConfig{}, Deps{}, slog.New(slog.NewTextHandler(&logs, nil)))
	defer s.Close()

	c := dial(t, s)
	c.connect()
	bad := dial(t, s)
	bad.send(connectFrame(7, 8))
	bad.closed()

	assert.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "handshake complete") &&
			strings.Contains(out, "handshake refused") &&
			strings.Contains(out, "component=server")
	}, frameTimeout, 10*time.Millisecond)
}

func mustDecode(t *testing.T, data []byte) protocol.Frame {
	t.Helper()
	frame, err := protocol.Decode(data)
	require.NoError(t, err, "server sent %s", data)
	return frame
}
