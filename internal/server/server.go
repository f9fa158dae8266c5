// Package server provides the development chat API: an in-memory session store,
// background reply generation and gin HTTP routes with a WebSocket event stream.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/statdesk/internal/metrics"
)

// Server wires the store, reply worker and HTTP routes together.
type Server struct {
	store        *Store
	worker       *ReplyWorker
	metrics      *metrics.Collector
	logger       *slog.Logger
	token        string
	replyDelay   time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	engine       *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the collector exposed on /api/stats.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithToken requires this exact bearer token.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithReplyDelay sets how long the assistant "thinks" before replying.
func WithReplyDelay(d time.Duration) Option {
	return func(s *Server) { s.replyDelay = d }
}

// WithPingInterval sets the WebSocket keep-alive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// New creates a server over store, answering with generator.
func New(store *Store, generator Generator, opts ...Option) *Server {
	s := &Server{
		store:        store,
		logger:       slog.Default(),
		replyDelay:   3 * time.Second,
		pingInterval: 10 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}

	s.worker = NewReplyWorker(store, generator, s.replyDelay, s.metrics, s.logger)
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Worker exposes the reply worker.
func (s *Server) Worker() *ReplyWorker {
	return s.worker
}

// Close stops background reply generation.
func (s *Server) Close() {
	s.worker.Close()
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggingMiddleware(s.logger, s.metrics))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := router.Group("/api", AuthMiddleware(s.token))
	{
		api.POST("/chat/message", s.sendMessage)

		api.GET("/chat/sessions", s.listSessions)
		api.POST("/chat/sessions", s.createSession)
		api.GET("/chat/sessions/:id", s.getSession)
		api.DELETE("/chat/sessions/:id", s.deleteSession)
		api.GET("/chat/sessions/:id/events", s.sessionEvents)

		api.GET("/documents", s.listDocuments)
		api.GET("/stats", s.stats)
	}

	return router
}
