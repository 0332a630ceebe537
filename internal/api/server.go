package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mcplocal/internal/events"
	"github.com/mattjoyce/mcplocal/internal/peer"
	"github.com/mattjoyce/mcplocal/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_peer.go -package=mocks github.com/mattjoyce/mcplocal/internal/api Peer

// Peer is the supervised child the bridge forwards envelopes to.
type Peer interface {
	Name() string
	State() peer.State
	Start(ctx context.Context) error
	Roundtrip(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

var _ Peer = (*peer.Conn)(nil)

// Config holds HTTP bridge configuration
type Config struct {
	Listen string
	// AuthToken enables the bearer check on /rpc when non-empty.
	AuthToken string
	// MaxBodyBytes caps a request body. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes bounds one /rpc request body.
const DefaultMaxBodyBytes = 16 << 20

// Server exposes one peer over POST /rpc and its activity over GET /events.
type Server struct {
	config    Config
	peer      Peer
	logger    *slog.Logger
	server    *http.Server
	events    *events.Hub
	startedAt time.Time
}

// New creates a new bridge server instance
func New(config Config, p Peer, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		config:    config,
		peer:      p,
		logger:    logger,
		events:    events.NewHub(events.DefaultCapacity),
		startedAt: time.Now(),
	}
}

// Events returns the hub backing GET /events.
func (s *Server) Events() *events.Hub { return s.events }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // peer calls block until the child answers
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("bridge server starting", "listen", s.config.Listen, "peer", s.peer.Name())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("bridge server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.AuthToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/rpc", s.handleRPC)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
