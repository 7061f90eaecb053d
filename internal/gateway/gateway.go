// ABOUTME: Gateway orchestrator that wires config, store, auth and the protocol server
// ABOUTME: Manages the NDJSON, HTTP/WebSocket and gRPC health listeners and their shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/lurkbot/lurkbot-gateway/internal/acp"
	"github.com/lurkbot/lurkbot-gateway/internal/auth"
	"github.com/lurkbot/lurkbot-gateway/internal/batch"
	"github.com/lurkbot/lurkbot-gateway/internal/config"
	"github.com/lurkbot/lurkbot-gateway/internal/store"
	"github.com/lurkbot/lurkbot-gateway/internal/transport"
)

// Default tailnet ports, used when tailscale is enabled.
const (
	tailnetStreamPort = "18789"
	tailnetHTTPPort   = "80"
	tailnetGRPCPort   = "50051"
)

// Gateway owns every long-lived component of a running lurkbot-gateway.
type Gateway struct {
	config      *config.Config
	server      *Server
	store       store.Store
	authorizer  *auth.Authorizer
	permissions *acp.Bridge
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serveCtx outlives individual requests and is canceled on shutdown
	serveCtx    context.Context
	serveCancel context.CancelFunc
	conns       sync.WaitGroup

	ready atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error

	mu       sync.Mutex
	streamLn net.Listener
	httpLn   net.Listener
	grpcLn   net.Listener
}

// New creates a Gateway from a validated configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(ctx, store.Config{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		RedisAddr: cfg.Store.RedisAddr,
		KeyPrefix: cfg.Store.KeyPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	authorizer, err := auth.NewAuthorizer(auth.Config{
		JWTSecret:  cfg.Auth.JWTSecret,
		PairedKeys: cfg.Auth.PairedKeys,
		Required:   cfg.Auth.Required,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing auth: %w", err)
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.Required {
		logger.Warn("auth disabled - no jwt_secret configured and auth.required is false")
	}

	server := NewServer(serverConfig(cfg), Deps{
		Store:      s,
		Authorizer: authorizer,
		Metrics:    cfg.Metrics.Enabled,
	}, logger)

	permissions := acp.NewBridge(server, cfg.Pending.DefaultTimeout, logger)
	permissions.Register(server.Methods())
	server.AdvertiseEvents(acp.EventPermissionRequested)

	serveCtx, serveCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:      cfg,
		server:      server,
		store:       s,
		authorizer:  authorizer,
		permissions: permissions,
		logger:      logger.With("component", "gateway"),
		serveCtx:    serveCtx,
		serveCancel: serveCancel,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer()
	}

	gw.httpServer = &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func serverConfig(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		MinProtocol:      cfg.Protocol.Min,
		MaxProtocol:      cfg.Protocol.Max,
		MaxInflight:      cfg.Protocol.MaxInflight,
		HandshakeTimeout: cfg.Protocol.HandshakeTimeout,
		PendingTimeout:   cfg.Pending.DefaultTimeout,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		Version:          Version,
	}
	if host, err := os.Hostname(); err == nil {
		sc.Host = host
	}
	if cfg.Tailscale.Enabled {
		sc.Host = cfg.Tailscale.Hostname
	}
	if cfg.Batching.Enabled {
		sc.Batching = &batch.Config{
			Size:  cfg.Batching.Size,
			Delay: cfg.Batching.Delay,
		}
	}
	return sc
}

// Server returns the protocol engine.
func (g *Gateway) Server() *Server { return g.server }

// Permissions returns the ACP permission bridge.
func (g *Gateway) Permissions() *acp.Bridge { return g.permissions }

// Authorizer returns the handshake authorizer.
func (g *Gateway) Authorizer() *auth.Authorizer { return g.authorizer }

// Store returns the snapshot store.
func (g *Gateway) Store() store.Store { return g.store }

// StreamAddr is the bound NDJSON address, empty before Run.
func (g *Gateway) StreamAddr() string { return g.addrOf(func() net.Listener { return g.streamLn }) }

// HTTPAddr is the bound HTTP address, empty before Run.
func (g *Gateway) HTTPAddr() string { return g.addrOf(func() net.Listener { return g.httpLn }) }

// GRPCAddr is the bound gRPC address, empty before Run.
func (g *Gateway) GRPCAddr() string { return g.addrOf(func() net.Listener { return g.grpcLn }) }

func (g *Gateway) addrOf(pick func() net.Listener) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ln := pick(); ln != nil {
		return ln.Addr().String()
	}
	return ""
}

// Ready reports whether the listeners are up.
func (g *Gateway) Ready() bool { return g.ready.Load() }

// Run starts the listeners and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.setupListeners(ctx); err != nil {
		return err
	}

	errCh := g.startServers()
	g.ready.Store(true)
	if g.health != nil {
		g.health.Resume()
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) error {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// setupTCPListeners binds every configured address.
func (g *Gateway) setupTCPListeners() error {
	g.logger.Info("starting gateway",
		"addr", g.config.Server.Addr,
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)
	listen := func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
	return g.bind(listen, g.config.Server.Addr, g.config.Server.HTTPAddr, g.config.Server.GRPCAddr)
}

// bind opens the stream, HTTP and gRPC listeners. Empty addresses are skipped.
func (g *Gateway) bind(listen func(addr string) (net.Listener, error), streamAddr, httpAddr, grpcAddr string) error {
	var opened []net.Listener
	open := func(addr, what string) (net.Listener, error) {
		if addr == "" {
			return nil, nil
		}
		ln, err := listen(addr)
		if err != nil {
			for _, l := range opened {
				_ = l.Close()
			}
			return nil, fmt.Errorf("listening on %s address: %w", what, err)
		}
		opened = append(opened, ln)
		return ln, nil
	}

	streamLn, err := open(streamAddr, "stream")
	if err != nil {
		return err
	}
	httpLn, err := open(httpAddr, "HTTP")
	if err != nil {
		return err
	}
	var grpcLn net.Listener
	if g.grpcServer != nil {
		if grpcLn, err = open(grpcAddr, "gRPC"); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.streamLn, g.httpLn, g.grpcLn = streamLn, httpLn, grpcLn
	g.mu.Unlock()
	return nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.Addr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server addresses only contribute their ports when tailscale is enabled",
			"addr", g.config.Server.Addr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// startServers starts each listener's serve loop, returning the error channel.
func (g *Gateway) startServers() chan error {
	errCh := make(chan error, 3)

	g.mu.Lock()
	streamLn, httpLn, grpcLn := g.streamLn, g.httpLn, g.grpcLn
	g.mu.Unlock()

	if streamLn != nil {
		go func() {
			g.logger.Info("stream server listening", "addr", streamLn.Addr().String())
			if err := g.acceptStreams(streamLn); err != nil {
				errCh <- fmt.Errorf("stream server: %w", err)
			}
		}()
	}

	if httpLn != nil {
		go func() {
			g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// acceptStreams hands each accepted TCP connection to the protocol server
// as an NDJSON transport.
func (g *Gateway) acceptStreams(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		t := transport.NewStream(nc, g.config.Protocol.MaxFrameBytes)
		g.serveTransport(t)
	}
}

// serveTransport runs a transport on its own goroutine, tracked for shutdown.
func (g *Gateway) serveTransport(t transport.Transport) {
	g.conns.Add(1)
	go func() {
		defer g.conns.Done()
		g.runTransport(t)
	}()
}

func (g *Gateway) runTransport(t transport.Transport) {
	if err := g.server.ServeTransport(g.serveCtx, t); err != nil {
		g.logger.Debug("connection ended with error",
			"remote_addr", t.RemoteAddr(),
			"error", err)
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "lurkbot-gateway", "tailscale"), nil
}

// portOf returns the port of addr, or def when addr has none.
func portOf(addr, def string) string {
	if addr == "" {
		return def
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "0" {
		return def
	}
	return port
}

// setupTailscaleListeners starts a tsnet node and binds every listener on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) error {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating tailscale state dir: %w", err)
	}
	if tsCfg.AuthKey == "" {
		g.logger.Warn("no tailscale auth key configured; the node must already be logged in (set TS_AUTHKEY)")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	listen := func(addr string) (net.Listener, error) { return g.tsnetServer.Listen("tcp", addr) }
	err = g.bind(listen,
		":"+portOf(g.config.Server.Addr, tailnetStreamPort),
		":"+portOf(g.config.Server.HTTPAddr, tailnetHTTPPort),
		":"+portOf(g.config.Server.GRPCAddr, tailnetGRPCPort),
	)
	if err != nil {
		_ = g.tsnetServer.Close()
		return err
	}
	return nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting, disconnects every client and releases resources.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)
	if g.health != nil {
		g.health.Shutdown()
	}

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.mu.Lock()
	streamLn := g.streamLn
	g.mu.Unlock()
	if streamLn != nil {
		if err := streamLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("stream listener close: %w", err))
		}
	}

	// Disconnect clients, then wait for their goroutines.
	g.serveCancel()
	g.server.Close()
	if err := g.waitForConnections(ctx); err != nil {
		errs = append(errs, err)
	}

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.authorizer.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (g *Gateway) waitForConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}
