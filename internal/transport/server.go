// Package transport accepts WebSocket connections and binds each one to a
// registry handle.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/odin-realtime/internal/limits"
	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/registry"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Admission is the pre-upgrade resource check. *limits.ResourceGuard satisfies it.
type Admission interface {
	CanAccept() (accept bool, reason string)
	Stats() map[string]any
}

// Config holds transport configuration
type Config struct {
	Addr           string
	SendBufferSize int           // Per-connection send channel slots (default: 256)
	WriteWait      time.Duration // Deadline for a single write batch (default: 5s)
	ReadTimeout    time.Duration // Read deadline, reset on every frame (0 = none)
	MaxMessageSize int64         // Largest accepted inbound message (default: 64KiB)
	MessageLimit   limits.MessageLimiterConfig

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.HTTPReadTimeout <= 0 {
		c.HTTPReadTimeout = 15 * time.Second
	}
	if c.HTTPWriteTimeout <= 0 {
		c.HTTPWriteTimeout = 15 * time.Second
	}
	if c.HTTPIdleTimeout <= 0 {
		c.HTTPIdleTimeout = 60 * time.Second
	}
}

// Server serves /ws, /health and /metrics.
type Server struct {
	config      Config
	logger      zerolog.Logger
	registry    *registry.Registry
	connLimiter *limits.ConnectionRateLimiter
	admission   Admission

	httpServer   *http.Server
	listener     net.Listener
	shuttingDown atomic.Bool
	startedAt    time.Time

	// wg tracks the accept loop and every pump goroutine.
	wg sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Server)

// WithConnectionRateLimiter enables per-IP and global connection rate limiting.
func WithConnectionRateLimiter(l *limits.ConnectionRateLimiter) Option {
	return func(s *Server) { s.connLimiter = l }
}

// WithAdmission enables the resource guard before upgrading.
func WithAdmission(a Admission) Option {
	return func(s *Server) { s.admission = a }
}

func NewServer(config Config, reg *registry.Registry, opts ...Option) *Server {
	config.applyDefaults()

	s := &Server{
		config:    config,
		logger:    config.Logger.With().Str("component", "transport").Logger(),
		registry:  reg,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	return mux
}

// Start listens on config.Addr and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Server listening")
	return nil
}

// Addr is the bound listen address, useful when configured with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// BeginShutdown rejects new upgrades. Existing connections are untouched.
func (s *Server) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// Shutdown stops accepting, then waits for every pump to exit. Callers close
// the connections through Registry.Shutdown between BeginShutdown and this.
func (s *Server) Shutdown(ctx context.Context) error {
	s.BeginShutdown()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Transport stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection pumps: %w", ctx.Err())
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		monitoring.RecordRejection(types.RejectReasonShutdown)
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connLimiter != nil && !s.connLimiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.registry.AtCapacity() {
		monitoring.RecordRejection(types.RejectReasonCapacity)
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: at max connections")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	if s.admission != nil {
		if ok, reason := s.admission.CanAccept(); !ok {
			monitoring.RecordRejection(reason)
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("reason", reason).
				Msg("Connection rejected by ResourceGuard")
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.RecordError("transport", "warning")
		s.logger.Debug().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		return
	}

	c := newWSConn(conn, clientIP, s.config.SendBufferSize, limits.NewMessageLimiter(s.config.MessageLimit))

	h, err := s.registry.Register(c)
	if err != nil {
		// Lost a race with other upgrades; tell the peer and drop it.
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "resource exhausted")
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
		_ = conn.Close()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("Registration rejected after upgrade")
		return
	}
	c.handle = h

	s.logger.Debug().
		Str("client_ip", clientIP).
		Str("connection_id", string(h.ID())).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "healthy"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":   status,
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"registry": s.registry.Stats(),
	}
	if s.admission != nil {
		body["resources"] = s.admission.Stats()
	}
	if s.connLimiter != nil {
		body["tracked_ips"] = s.connLimiter.TrackedIPs()
	}

	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}

// getClientIP extracts the client IP from the request.
// X-Forwarded-For wins (load balancers), then RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
