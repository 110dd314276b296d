// Package metrics exposes Prometheus instrumentation for the bridge:
// session and query gauges, wire-level counters, and HTTP latency.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FrontendSessions tracks authenticated browser sessions.
	FrontendSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trestle_frontend_sessions",
			Help: "Number of authenticated frontend sessions",
		},
	)

	// MCPSessions tracks live MCP host sessions.
	MCPSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trestle_mcp_sessions",
			Help: "Number of live MCP host sessions",
		},
	)

	// ActiveQueries tracks in-flight agent queries.
	ActiveQueries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trestle_active_queries",
			Help: "Number of in-flight agent queries",
		},
	)

	// PendingRequests tracks tool calls and resource reads awaiting a
	// frontend reply.
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trestle_pending_requests",
			Help: "Number of correlation entries awaiting a socket reply",
		},
	)

	// SocketFrames counts frames received from frontends by type.
	SocketFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trestle_socket_frames_total",
			Help: "Total frames received on the frontend socket",
		},
		[]string{"type"},
	)

	// RPCRequests counts JSON-RPC requests by method.
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trestle_rpc_requests_total",
			Help: "Total JSON-RPC requests received",
		},
		[]string{"method"},
	)

	// ToolCalls counts forwarded tool calls by outcome.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trestle_tool_calls_total",
			Help: "Total tool calls forwarded to frontends",
		},
		[]string{"outcome"},
	)

	// QueryTransitions counts terminal query transitions by state.
	QueryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trestle_query_transitions_total",
			Help: "Total terminal query state transitions",
		},
		[]string{"state"},
	)

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trestle_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Tool call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
)

// Middleware records request duration and status for every route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := 0
			if resp, unwrapErr := echo.UnwrapResponse(c.Response()); unwrapErr == nil {
				status = resp.Status
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			RequestDuration.WithLabelValues(
				c.Request().Method,
				normalizePath(c.Request().URL.Path),
				strconv.Itoa(status),
			).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// normalizePath collapses per-query paths so label cardinality stays bounded.
func normalizePath(path string) string {
	switch path {
	case "/", "/ws", "/health", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/query/") {
		if i := strings.LastIndex(path, "/"); i >= len("/query/") {
			return "/query/:uuid" + path[i:]
		}
		return "/query/:uuid"
	}
	return "/rpc"
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
