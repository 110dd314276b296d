package api

import (
	"context"
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// Agent callbacks. Each resolves the query named by the uuid path parameter
// and applies the matching state transition; the engine decides the status
// and body.

func (s *Server) queryProgressHandler(c *echo.Context) error {
	return s.queryCallback(c, s.engine.Progress)
}

func (s *Server) queryCompleteHandler(c *echo.Context) error {
	return s.queryCallback(c, s.engine.Complete)
}

func (s *Server) queryFailHandler(c *echo.Context) error {
	return s.queryCallback(c, s.engine.Fail)
}

func (s *Server) queryCancelHandler(c *echo.Context) error {
	return s.queryCallback(c, s.engine.CancelByAgent)
}

func (s *Server) queryCallback(c *echo.Context, apply func(context.Context, string, map[string]any) (int, any)) error {
	uuid := c.Param("uuid")

	// Callbacks may arrive with an empty body (a bare cancel, say).
	var body map[string]any
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		}
	}

	status, resp := apply(c.Request().Context(), uuid, body)
	return c.JSON(status, resp)
}
