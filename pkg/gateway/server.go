// Package gateway exposes the session API over HTTP JSON-RPC and websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/agent"
	"github.com/harun/hiplan/pkg/events"
	"github.com/harun/hiplan/pkg/tracestore"
)

const (
	DefaultRunTimeout = 5 * time.Minute
	maxRequestBytes   = 1 << 20
)

// SessionService is the session API the gateway serves.
type SessionService interface {
	StartSession(ctx context.Context, goal string, budget agent.Budget) (string, error)
	Wait(ctx context.Context, id string) (agent.Result, error)
	Result(ctx context.Context, id string) (agent.Result, error)
	Cancel(id string) error
	Events(id string) (*events.Subscription, error)
	Sessions() []agent.Session
}

// Config holds server configuration
type Config struct {
	Host          string
	Port          int // 0 picks a free port
	SharedSecret  string
	TickInterval  time.Duration
	RateLimit     int // requests per minute per client
	MaxConcurrent int // in-flight requests per client
	RunTimeout    time.Duration

	Sessions     SessionService
	Capabilities agent.CapabilitySource
	Store        tracestore.Store
	Logger       zerolog.Logger
}

// Server is the gateway server.
type Server struct {
	host          string
	port          int
	tickInterval  time.Duration
	runTimeout    time.Duration
	rateLimit     int
	maxConcurrent int

	sessions     SessionService
	capabilities agent.CapabilitySource
	store        tracestore.Store

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	httpLimits  *limiterSet
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// NewServer creates a gateway server and registers the built-in methods.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if cfg.Capabilities == nil {
		return nil, fmt.Errorf("capability source is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("trace store is required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		tickInterval:  cfg.TickInterval,
		runTimeout:    cfg.RunTimeout,
		rateLimit:     cfg.RateLimit,
		maxConcurrent: cfg.MaxConcurrent,
		sessions:      cfg.Sessions,
		capabilities:  cfg.Capabilities,
		store:         cfg.Store,
		clients:       clients,
		router:        NewRPCRouter(),
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		broadcaster:   NewEventBroadcaster(clients, logger),
		httpLimits:    newLimiterSet(cfg.RateLimit, cfg.MaxConcurrent),
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler serving every gateway endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop rejects new requests, waits for in-flight ones until ctx ends and
// closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// Sweep drops expired idempotency entries and idle HTTP rate limiters.
func (s *Server) Sweep() {
	responses := s.router.PruneIdempotency()
	limiters := s.httpLimits.sweep()
	s.logger.Debug().Int("responses", responses).Int("limiters", limiters).Msg("Gateway caches swept")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	now := time.Now()
	client := &Client{
		ID:           gonanoid.Must(),
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.rateLimit, s.maxConcurrent),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().Str("clientId", client.ID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(client.ID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles one frame. Frames are read by a single goroutine,
// so auth state needs no locking; RPC calls run concurrently.
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, ServerShuttingDown, "Server is shutting down")
		return
	}

	release, reason := client.RateLimiter.Acquire()
	if release == nil {
		s.sendError(client, req.ID, rateLimitCode(reason), reason)
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer release()
		defer s.inFlightReqs.Done()

		ctx := tracing.WithRequestID(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), req.ID)
		ctx = withClient(ctx, client.ID, transportWebSocket)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

func rateLimitCode(reason string) int {
	if reason == reasonTooConcurrent {
		return TooManyConcurrent
	}
	return RateLimitExceeded
}

// handleRPC serves one JSON-RPC call over HTTP.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authHandler.VerifyBearer(r.Header.Get("Authorization")) {
		observability.RecordSecurityAudit(r.Context(), "auth:bearer", r.RemoteAddr, "failure", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		writeRPC(w, http.StatusServiceUnavailable, rpcFailure("", ServerShuttingDown, "Server is shutting down"))
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	release, reason := s.httpLimits.get(host).Acquire()
	if release == nil {
		writeRPC(w, http.StatusTooManyRequests, rpcFailure("", rateLimitCode(reason), reason))
		return
	}
	defer release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		code := ParseError
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			code = rpcErr.Code
		}
		writeRPC(w, http.StatusBadRequest, rpcFailure("", code, err.Error()))
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithRequestID(tracing.WithTraceID(r.Context(), traceID), req.ID)
	ctx = withClient(ctx, "http:"+host, transportHTTP)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	writeRPC(w, http.StatusOK, s.router.RouteRequest(ctx, req))
}

func rpcFailure(id string, code int, message string) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}}
}

func writeRPC(w http.ResponseWriter, status int, resp *RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if result.Success {
		observability.RecordSecurityAudit(context.Background(), "auth:challenge", client.ID, "success", nil)
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return
	}

	observability.RecordSecurityAudit(context.Background(), "auth:challenge", client.ID, "failure",
		map[string]interface{}{"reason": result.Message, "attempts": client.AuthAttempts})
	s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
	if client.AuthAttempts >= maxAuthAttempts {
		client.Conn.Close()
	}
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(rpcFailure(requestID, code, message)); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos()
}
