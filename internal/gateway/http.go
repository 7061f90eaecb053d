// ABOUTME: HTTP routes: WebSocket transport, liveness, readiness and Prometheus metrics
// ABOUTME: Built on chi; WebSocket upgrades use github.com/coder/websocket

package gateway

import (
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lurkbot/lurkbot-gateway/internal/transport"
)

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// Clients authenticate inside the handshake, not on the upgrade.
	r.Get("/ws", g.handleWebSocket)

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, g.server.Metrics().Handler())
	}
	return r
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the listeners are serving.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.server.Connections().Len())
}

// handleWebSocket upgrades the request and serves it as a protocol
// connection until the client leaves or the gateway shuts down.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	t := transport.NewWebSocket(c, r.RemoteAddr, g.config.Protocol.MaxFrameBytes)

	g.conns.Add(1)
	defer g.conns.Done()
	g.runTransport(t)
}
