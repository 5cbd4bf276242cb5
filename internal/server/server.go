package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"donna/internal/config"
	"donna/internal/engine"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

// identityHeader names the request header carrying the caller's user
// id. The API binds to loopback by default, so the header is trusted
// the same way the local CLI trusts $USER.
const identityHeader = "X-Donna-User"

// Server is the status HTTP API: task inspection, queue snapshots,
// admin task injection, metrics, and the websocket progress stream.
// It runs only when server.enabled is set.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	pool   *engine.Pool
	users  *users.Directory
	feed   *Feed
	logger *observability.Logger

	metrics    http.Handler
	version    string
	statusPoll time.Duration
	now        func() time.Time

	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// Option adjusts Server construction.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts a scrape handler on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New assembles the API around the shared store, pool, user directory
// and progress feed.
func New(cfg *config.Config, st *store.Store, pool *engine.Pool, dir *users.Directory, feed *Feed, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		pool:       pool,
		users:      dir,
		feed:       feed,
		version:    "dev",
		statusPoll: 5 * time.Second,
		now:        time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the CORS layer; the
			// upgrader accepts whatever got that far.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.OrNop().With("component", "server")
	s.started = s.now()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())
	r.Use(cors.New(s.corsConfig()))

	r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	{
		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)
		api.GET("/tasks/:id/events", s.handleTaskEvents)
		api.GET("/queue", s.handleQueue)
	}

	s.engine = r
	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) corsConfig() cors.Config {
	cc := cors.DefaultConfig()
	cc.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cc.AllowHeaders = []string{"Origin", "Content-Type", identityHeader}
	cc.AllowWebSockets = true
	if len(s.cfg.Server.AllowOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.cfg.Server.AllowOrigins
	}
	return cc
}

// requestLog records one debug line per request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", s.now().Sub(start).String(),
		)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled. The listen failure path is a
// configuration error (bad addr, port taken); everything after that
// is runtime.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return taskerr.Config(err, "status api listen on "+s.http.Addr)
	}
	s.logger.Info("status api listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status api shutdown", "error", err)
		}
		<-errc
		s.logger.Info("status api stopped")
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
