package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/logger"
	"github.com/isdmx/fastgpt/pipeline"
	"github.com/isdmx/fastgpt/sandbox"
)

// Session is one client connection's turn processor
type Session interface {
	Process(ctx context.Context, req pipeline.Request, sink pipeline.Sink) error
	Close(ctx context.Context) *sandbox.Task
}

// SessionFactory creates the session backing a new connection
type SessionFactory func(ctx context.Context, id string) Session

// ModelLister lists the configured model names
type ModelLister interface {
	ListModelNames() []string
}

// Reloader reloads the backend registry
type Reloader interface {
	Reload() error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Server serves the session websocket and the model listing endpoint
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	sessions SessionFactory
	models   ModelLister
	registry Reloader
	router   chi.Router

	mu   sync.Mutex
	http *http.Server
}

// New creates the websocket server on top of the session factory
func New(cfg *config.Config, logger *zap.Logger, factory *pipeline.Factory, models ModelLister, registry *config.Registry) *Server {
	sessions := func(ctx context.Context, id string) Session {
		return factory.NewSession(ctx, id)
	}
	return NewWithSessions(cfg, logger, sessions, models, registry)
}

// NewWithSessions creates the server with an arbitrary session factory
func NewWithSessions(cfg *config.Config, logger *zap.Logger, sessions SessionFactory, models ModelLister, registry Reloader) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		models:   models,
		registry: registry,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/generate", s.handleGenerate)
	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
	})
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string][]string{"models": s.models.ListModelNames()}); err != nil {
		s.logger.Warn("failed to write model list", zap.Error(err))
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	log := logger.ForSession(s.logger, sessionID)
	log.Info("client connected", zap.String("remote_addr", r.RemoteAddr))

	if err := s.registry.Reload(); err != nil {
		log.Warn("failed to reload model registry, keeping previous", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := s.sessions(ctx, sessionID)
	defer func() {
		// Teardown continues in the background after the handler returns.
		session.Close(context.Background())
		log.Info("client disconnected")
	}()

	sink := &connSink{conn: conn}
	for {
		var req pipeline.Request
		if err := conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				log.Warn("ignoring malformed message", zap.Error(err))
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		if err := session.Process(ctx, req, sink); err != nil {
			log.Error("turn failed", zap.String("model", req.Model), zap.Error(err))
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, truncate(err.Error(), 120))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// truncate keeps close reasons within the control frame limit
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// connSink writes events as JSON text frames
type connSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connSink) Send(_ context.Context, e pipeline.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(e)
}

// Start listens on the configured port and serves in the background
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("starting websocket server", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("shutting down websocket server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
