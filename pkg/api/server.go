// Package api exposes the bridge's HTTP surface: the MCP JSON-RPC endpoint
// and its server-push stream, the frontend socket upgrade, agent query
// callbacks, health, and metrics.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/trestlehq/trestle/pkg/config"
	"github.com/trestlehq/trestle/pkg/frontend"
	"github.com/trestlehq/trestle/pkg/mcp"
	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/query"
	"github.com/trestlehq/trestle/pkg/scheduler"
	"github.com/trestlehq/trestle/pkg/session"
)

// headerMCPSession carries the MCP session id on requests and responses.
const headerMCPSession = "Mcp-Session-Id"

// Server wires the echo router to the bridge components.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg        *config.Config
	registry   *session.Registry
	engine     *query.Engine
	hosts      *mcp.HostSessions
	dispatcher *mcp.Dispatcher
	frontend   *frontend.Handler
	sched      scheduler.Scheduler

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *config.Config, registry *session.Registry, engine *query.Engine, hosts *mcp.HostSessions, dispatcher *mcp.Dispatcher, sched scheduler.Scheduler) *Server {
	e := echo.New()

	s := &Server{
		echo:       e,
		cfg:        cfg,
		registry:   registry,
		engine:     engine,
		hosts:      hosts,
		dispatcher: dispatcher,
		frontend:   frontend.NewHandler(registry, engine, cfg.SocketWriteTimeout),
		sched:      sched,
		limiters:   make(map[string]*rate.Limiter),
	}

	e.Use(metrics.Middleware())
	e.Use(corsMiddleware())
	e.Use(securityHeaders())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo

	// MCP hosts mount the bridge under arbitrary base paths, so the JSON-RPC
	// endpoint, the push stream, and session deletion answer on every path
	// the static routes below do not claim.
	e.GET("/", s.mcpGetHandler)
	e.POST("/", s.rpcHandler)
	e.DELETE("/", s.deleteSessionHandler)
	e.OPTIONS("/", s.preflightHandler)
	e.GET("/*", s.mcpGetHandler)
	e.POST("/*", s.rpcHandler)
	e.DELETE("/*", s.deleteSessionHandler)
	e.OPTIONS("/*", s.preflightHandler)

	e.GET("/ws", s.wsHandler)

	e.POST("/query/:uuid/progress", s.queryProgressHandler)
	e.PUT("/query/:uuid/complete", s.queryCompleteHandler)
	e.PUT("/query/:uuid/fail", s.queryFailHandler)
	e.PUT("/query/:uuid/cancel", s.queryCancelHandler)

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)
}

// preflightHandler backs the OPTIONS routes. The CORS middleware answers
// preflights before the router runs; this keeps the method routable either way.
func (s *Server) preflightHandler(c *echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// runs.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
		// No write timeout: push streams stay open indefinitely and RPC
		// responses can wait out a full tool-call round trip.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// limiter returns the per-token RPC rate limiter, creating it on first use.
func (s *Server) limiter(token string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[token]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RPCRatePerToken), s.cfg.RPCRateBurst)
		s.limiters[token] = lim
	}
	return lim
}
