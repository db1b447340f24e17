// Package gateway is the transport-facing component: a WebSocket
// endpoint speaking framed JSON-RPC, driving the connection state
// machine Opened -> (AwaitAuth | Ready) -> Ready -> Closed, and
// dispatching Ready-state requests to the Session Router and Agent Loop.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/mcp"
	"github.com/nextlevelbuilder/agentgate/internal/sandbox"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
)

// Server owns every collaborator a Ready-state connection needs to
// service ping/status/plugin.list/chat.send, plus the set of currently
// live connections.
type Server struct {
	cfg      *config.Config
	sessions *sessions.Router
	agents   *agent.Registry
	loop     *agent.Loop
	sandbox  *sandbox.Host
	mcp      *mcp.Manager // nil when no mcp_servers are configured

	router *MethodRouter

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer wires a Server from the process-wide collaborators cmd/gateway.go
// constructs at startup.
func NewServer(cfg *config.Config, sessRouter *sessions.Router, agents *agent.Registry, loop *agent.Loop, sandboxHost *sandbox.Host, mcpManager *mcp.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessRouter,
		agents:   agents,
		loop:     loop,
		sandbox:  sandboxHost,
		mcp:      mcpManager,
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	s.router = NewMethodRouter(s)
	return s
}

// skipsAuth reports whether the configured bind address skips AwaitAuth:
// a loopback bind with no configured token needs no handshake.
func (s *Server) skipsAuth() bool {
	if s.cfg.Gateway.Token != "" {
		return false
	}
	host := s.cfg.Gateway.Bind
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// mux builds the HTTP handler: the /ws upgrade endpoint and the /health
// liveness check.
func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the
// listener fails. It always shuts the HTTP server down gracefully before
// returning once ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Bind, strconv.Itoa(s.cfg.Gateway.Port))
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux()}

	slog.Info("gateway.starting", "addr", addr, "loopback_noauth", s.skipsAuth())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer s.unregisterClient(client)

	client.run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}
