package api

import (
	"strings"

	echo "github.com/labstack/echo/v5"
)

// extractToken pulls the frontend auth token from the request.
// Priority: Authorization: Bearer <tok> > ?token=<tok> query parameter.
func extractToken(c *echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return c.QueryParam("token")
}
