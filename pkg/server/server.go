package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/monitoring"
	"github.com/sandboxrunner/dbguard/pkg/recovery"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// Config holds configuration for the status server
type Config struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	EnableWebSocket bool          `yaml:"enable_websocket" mapstructure:"enable_websocket"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Address:         "127.0.0.1",
		Port:            9464,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		EnableWebSocket: true,
		AllowedOrigins:  []string{"*"},
	}
}

// Deps are the components the server reports on. Any of them may be nil;
// the matching routes then answer 404.
type Deps struct {
	Health  *monitoring.HealthRegistry
	Metrics *monitoring.MetricsRegistry
	Tracing *monitoring.TracingManager
	Tracker *corruption.Tracker
}

// Server exposes health, metrics, the corruption state and live recovery
// progress over HTTP.
type Server struct {
	config     Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	progress atomic.Pointer[recovery.Progress]
	outcome  atomic.Pointer[recovery.RunOutcome]

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server. Call Start to begin listening.
func New(config Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		config:   config,
		deps:     deps,
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "server").Logger(),
		shutdown: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range config.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	s.setupRoutes()
	return s
}

// Router returns the server's router
func (s *Server) Router() *mux.Router {
	return s.router
}

// SetProgress publishes the progress of the recovery now running.
func (s *Server) SetProgress(p *recovery.Progress) {
	s.progress.Store(p)
}

// SetOutcome publishes the result of the last recovery.
func (s *Server) SetOutcome(o *recovery.RunOutcome) {
	s.outcome.Store(o)
}

// ObserveOrchestrator is a recovery.WithOrchestratorObserver callback.
func (s *Server) ObserveOrchestrator(o *recovery.Orchestrator) {
	s.SetProgress(o.Progress())
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	if s.deps.Tracing != nil {
		s.router.Use(s.deps.Tracing.HTTPMiddleware)
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/corruption", s.handleCorruption).Methods(http.MethodGet)
	api.HandleFunc("/recovery/progress", s.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/recovery/outcome", s.handleOutcome).Methods(http.MethodGet)
	if s.config.EnableWebSocket {
		api.HandleFunc("/recovery/progress/ws", s.handleProgressStream)
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("websocket_enabled", s.config.EnableWebSocket).
		Msg("Starting HTTP server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server listen error")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes progress streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.shutdown) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}
	s.wg.Wait()
	s.logger.Info().Msg("HTTP server stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, http.StatusNotFound, "health checks are not configured")
		return
	}
	s.deps.Health.Handler().ServeHTTP(w, r)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	s.deps.Metrics.Handler().ServeHTTP(w, r)
}

// CorruptionResponse is the body of GET /api/v1/corruption.
type CorruptionResponse struct {
	Status           corruption.Status `json:"status"`
	IsCorrupted      bool              `json:"is_corrupted"`
	RecoveryAttempts int64             `json:"recovery_attempts"`
}

func (s *Server) handleCorruption(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		s.writeError(w, http.StatusNotFound, "corruption tracking is not configured")
		return
	}
	status := s.deps.Tracker.Read()
	s.writeJSON(w, http.StatusOK, CorruptionResponse{
		Status:           status,
		IsCorrupted:      status.IsCorrupted(),
		RecoveryAttempts: s.deps.Tracker.AttemptCount(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p := s.progress.Load()
	if p == nil {
		s.writeError(w, http.StatusNotFound, "no recovery has started")
		return
	}
	s.writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	o := s.outcome.Load()
	if o == nil {
		s.writeError(w, http.StatusNotFound, "no recovery has finished")
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

// handleProgressStream sends a snapshot after every progress change until
// the recovery finishes, the client goes away or the server stops.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	p := s.progress.Load()
	if p == nil {
		s.writeError(w, http.StatusNotFound, "no recovery has started")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	logger := s.logger.With().Str("connection_id", connID).Logger()
	logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Progress stream opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		s.streamProgress(conn, p, logger)
		logger.Debug().Msg("Progress stream closed")
	}()
}

func (s *Server) streamProgress(conn *websocket.Conn, p *recovery.Progress, logger zerolog.Logger) {
	snapshots, unsubscribe := p.Subscribe()
	defer unsubscribe()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("Progress stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	closeWith := func(code int, text string) {
		msg := websocket.FormatCloseMessage(code, text)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Warn().Err(err).Msg("Progress stream write error")
				return
			}
			if snap.Finished {
				closeWith(websocket.CloseNormalClosure, "recovery finished")
				select {
				case <-clientGone:
				case <-s.shutdown:
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-s.shutdown:
			closeWith(websocket.CloseGoingAway, "server stopping")
			return
		}
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
