// Package web serves the bridge over WebSocket. Each connection gets its own
// request handler; all connections share one context registry.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/paybridge/internal/bridge"
	"github.com/codefionn/paybridge/internal/consts"
	"github.com/codefionn/paybridge/internal/journal"
	"github.com/codefionn/paybridge/internal/logger"
	"github.com/codefionn/paybridge/internal/metrics"
	"github.com/codefionn/paybridge/internal/pprof"
	"github.com/codefionn/paybridge/internal/registry"
	"github.com/codefionn/paybridge/internal/securemem"
	"github.com/codefionn/paybridge/internal/sequencing"
)

// TransactionLister returns recently journaled transactions
type TransactionLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Options configures a Server. Zero values get defaults.
type Options struct {
	Addr            string
	Token           *securemem.Token
	MaxInflight     int
	MaxMessageBytes int64
	Debug           bool
	// Metrics enables /metrics and connection and request metrics
	Metrics *metrics.Metrics
	// Transactions enables /transactions
	Transactions TransactionLister
	// Profiling enables the /debug/pprof endpoints
	Profiling bool
	Bridge       bridge.Options
}

// Server represents the bridge's web server
type Server struct {
	opts       Options
	registry   *registry.Registry
	hub        *Hub
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	log        *logger.Logger
	mu         sync.Mutex
}

// NewServer creates a server and starts its hub
func NewServer(reg *registry.Registry, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = consts.DefaultListenAddr
	}
	var observer ConnectionObserver
	if opts.Metrics != nil {
		observer = opts.Metrics
		if opts.Bridge.Observer == nil {
			opts.Bridge.Observer = opts.Metrics
		}
	}

	if opts.Bridge.Validator == nil {
		opts.Bridge.Validator = sequencing.NewValidator(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		registry: reg,
		hub:      NewHub(observer),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.Global().WithPrefix("web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  consts.BufferSize1KB,
			WriteBufferSize: consts.BufferSize1KB,
			CheckOrigin: func(r *http.Request) bool {
				return true // Access is gated by the token
			},
		},
	}
	s.routes()

	go s.hub.Run()
	return s
}

func (s *Server) routes() {
	s.router = httprouter.New()
	s.router.GET("/ws", s.authorized(s.handleWebSocket))
	s.router.GET("/health", s.authorized(s.handleHealth))
	s.router.GET("/contexts", s.authorized(s.handleContexts))
	s.router.GET("/transactions", s.authorized(s.handleTransactions))
	s.router.GET("/metrics", s.authorized(s.handleMetrics))
	if s.opts.Profiling {
		pprof.Register(s.router, s.authorized)
	}
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the server's client hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(l)
}

// Serve serves on l until Stop is called. Once Stop has run, Serve closes
// l and returns at once.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = l.Close()
		s.log.Info("Web server stopped before serving on %s", l.Addr())
		return nil
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Web server listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop closes all client connections and shuts the HTTP server down
func (s *Server) Stop() error {
	s.log.Info("Stopping web server...")

	s.hub.Stop()
	s.cancel()

	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) authorized(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.opts.Token.Authorize(r) {
			s.log.Warn("Rejected %s %s from %s: invalid auth token", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn, s.registry, clientOptions{
		ctx:             s.ctx,
		maxInflight:     s.opts.MaxInflight,
		maxMessageBytes: s.opts.MaxMessageBytes,
		debug:           s.opts.Debug,
		bridge:          s.opts.Bridge,
	})
	if !s.hub.Register(client) {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.ClientCount(),
		"contexts":    s.registry.Len(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contexts":   s.registry.Snapshot(),
		"sequencing": s.opts.Bridge.Validator.Table().Strings(),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.opts.Transactions == nil {
		http.NotFound(w, r)
		return
	}

	limit := consts.DefaultTransactionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.opts.Transactions.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("Failed to list transactions: %v", err)
		http.Error(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": entries,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.opts.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.opts.Metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write JSON response: %v", err)
	}
}
