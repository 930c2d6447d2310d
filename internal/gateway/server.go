package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/internal/approvals"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/scheduler"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/webhook"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Options wires a Server.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Bus        *bus.MessageBus
	Scheduler  *scheduler.Scheduler
	Store      sessions.StoreAPI
	Ledger     *approvals.Ledger
	Approvals  *approvals.FileStore
	Gate       *RestartGate
	Cron       *cron.Service
}

// Server is the gateway control surface: WebSocket RPC for operators and
// node hosts, plus channel webhook mounts.
type Server struct {
	cfg        *config.Config
	cfgPath    string
	bus        *bus.MessageBus
	sched      *scheduler.Scheduler
	store      sessions.StoreAPI
	ledger     *approvals.Ledger
	approvals  *approvals.FileStore
	gate       *RestartGate
	cron       *cron.Service
	router     *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client
	nodes   map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		cfgPath:   opts.ConfigPath,
		bus:       opts.Bus,
		sched:     opts.Scheduler,
		store:     opts.Store,
		ledger:    opts.Ledger,
		approvals: opts.Approvals,
		gate:      opts.Gate,
		cron:      opts.Cron,
		clients:   make(map[string]*Client),
		nodes:     make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(opts.Config.Gateway.RateLimitRPM, 5)
	s.router = NewMethodRouter(s)
	return s
}

// RateLimiter exposes the limiter to webhook mounts.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// checkOrigin validates WS origins against the allowlist. No configured
// origins (and non-browser clients with no Origin header) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux. Call before Start when the mux
// is needed for extra listeners (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Mount adds an HTTP handler (webhook channel paths).
func (s *Server) Mount(pattern string, h http.Handler) {
	s.BuildMux().Handle(pattern, h)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := webhook.ClientIP(r, s.cfg.Gateway.TrustedProxies)
	if check := s.rateLimiter.Check(ip, "ws"); !check.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", check.RetryAfterMs/1000+1))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	auth := s.authenticate(r)
	if !auth.OK {
		s.rateLimiter.RecordFailure(ip, "ws")
		slog.Warn("security.ws_auth_failed", "ip", ip, "reason", auth.Reason)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(event.Name, event.Payload)
	})
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	var goneNode string
	if c.role == "node" && s.nodes[c.nodeID] == c {
		delete(s.nodes, c.nodeID)
		goneNode = c.nodeID
	}
	s.mu.Unlock()

	s.bus.Unsubscribe(c.id)
	if goneNode != "" {
		s.Broadcast(protocol.EventNodeDisconnect, map[string]interface{}{"nodeId": goneNode})
	}
	slog.Info("client disconnected", "id", c.id)
}

func (s *Server) registerNode(c *Client) {
	s.mu.Lock()
	s.nodes[c.nodeID] = c
	s.mu.Unlock()
	slog.Info("node connected", "nodeId", c.nodeID, "commands", len(c.commands))
}

func (s *Server) nodeByID(id string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Broadcast pushes an event to every connected client through the bus, so
// each connection stamps its own monotone seq.
func (s *Server) Broadcast(name string, payload interface{}) {
	s.bus.Broadcast(bus.Event{Name: name, Payload: payload})
}

// StartTestServer serves on an ephemeral loopback port. Used by tests and
// the doctor command.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func(), err error) {
	mux := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start, nil
}
