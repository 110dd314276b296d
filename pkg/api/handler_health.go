package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/version"
)

const healthStatusHealthy = "healthy"

// healthHandler handles GET /health. There is no hard external dependency
// to probe: the agent is optional and its failures surface per query.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:      healthStatusHealthy,
		Version:     version.GitCommit,
		Sessions:    s.registry.Count(),
		Queries:     s.engine.Count(),
		MCPSessions: s.hosts.Count(),
	})
}

// metricsHandler handles GET /metrics with the Prometheus scrape handler.
func (s *Server) metricsHandler(c *echo.Context) error {
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
