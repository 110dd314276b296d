package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades GET /ws and hands the socket to the frontend read loop.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Pages connect from arbitrary origins; admission happens at the
		// authenticate frame, not the HTTP layer.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	sessionKey := c.QueryParam("session")
	if sessionKey == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "Missing session key")
		return nil
	}

	// Blocks until the socket closes.
	s.frontend.HandleConnection(c.Request().Context(), conn, sessionKey)
	return nil
}
