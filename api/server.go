// Package api provides a REST API server for PLC data.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"omroncip/cip"
	"omroncip/config"
	"omroncip/eip"
	"omroncip/logging"
	"omroncip/plcman"
)

// WriteTimeout bounds how long a REST write waits for the PLC.
const WriteTimeout = 3 * time.Second

// Server is the REST API server.
type Server struct {
	manager  *plcman.Manager
	config   *config.APIConfig
	sessions *sessionStore
	hub      *eventHub
	router   chi.Router

	server  *http.Server
	addr    string
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new REST API server.
func NewServer(manager *plcman.Manager, cfg *config.APIConfig) *Server {
	s := &Server{
		manager:  manager,
		config:   cfg,
		sessions: newSessionStore(cfg.SessionSecret),
		hub:      newEventHub(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the chi router with all routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", s.handleListPLCs)
		r.Get("/events", s.handleSSE)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Route("/{plc}", func(r chi.Router) {
			r.Get("/", s.handlePLCDetails)
			r.Get("/tags", s.handleAllTags)
			r.Get("/tags/*", s.handleSingleTag)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/write", s.handleWrite)
				r.Post("/connect", s.handleConnectPLC)
				r.Post("/disconnect", s.handleDisconnectPLC)
			})
		})
	})

	s.router = r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	s.addr = ln.Addr().String()
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}
	s.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server and closes event streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.CloseClients()
	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address. Once started it reflects the bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps manager and protocol errors to HTTP status codes.
func statusFor(err error) int {
	var numErr *strconv.NumError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, plcman.ErrUnknownPLC), errors.Is(err, plcman.ErrUnknownTag):
		return http.StatusNotFound
	case errors.Is(err, plcman.ErrOffline), errors.Is(err, eip.ErrConnection), errors.Is(err, eip.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, plcman.ErrUnknownType), errors.Is(err, cip.ErrInvalidAddress),
		errors.Is(err, cip.ErrUnsupportedType), errors.As(err, &numErr):
		return http.StatusBadRequest
	case errors.Is(err, cip.ErrPlcStatus):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
