package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/trestlehq/trestle/pkg/mcp"
	"github.com/trestlehq/trestle/pkg/version"
)

// streamKeepalive is the SSE comment cadence that keeps intermediaries from
// reaping idle push streams.
const streamKeepalive = 30 * time.Second

var errStreamClosed = errors.New("push stream closed")

// rpcHandler handles POST /, the JSON-RPC endpoint.
func (s *Server) rpcHandler(c *echo.Context) error {
	auth := mcp.AuthContext{
		Token:        extractToken(c),
		McpSessionID: c.Request().Header.Get(headerMCPSession),
	}

	if s.cfg.RPCRatePerToken > 0 && auth.Token != "" {
		if !s.limiter(auth.Token).Allow() {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
		}
	}

	var req mcp.Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, mcp.Response{
			JSONRPC: "2.0",
			Error:   &mcp.ErrorObj{Code: mcp.CodeInvalidRequest, Message: "Invalid JSON"},
		})
	}

	out := s.dispatcher.Dispatch(c.Request().Context(), &req, auth)

	if out.SessionID != "" {
		c.Response().Header().Set(headerMCPSession, out.SessionID)
	} else if auth.McpSessionID != "" && out.Status < http.StatusBadRequest {
		c.Response().Header().Set(headerMCPSession, auth.McpSessionID)
	}
	if out.Body == nil {
		return c.NoContent(out.Status)
	}
	return c.JSON(out.Status, out.Body)
}

// mcpGetHandler handles GET /: an event-stream accept opens the server-push
// channel, anything else gets the unauthenticated server info document.
func (s *Server) mcpGetHandler(c *echo.Context) error {
	if strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		return s.streamHandler(c)
	}
	info := ServerInfoResponse{
		Name:        s.cfg.ServerName,
		Description: s.cfg.ServerDescription,
		Version:     version.GitCommit,
		Icon:        s.cfg.ServerIcon,
	}
	return c.JSON(http.StatusOK, info)
}

// streamHandler attaches an SSE writer to the host session named by the
// Mcp-Session-Id header and blocks until the client disconnects or the
// session tears the stream down.
func (s *Server) streamHandler(c *echo.Context) error {
	id := c.Request().Header.Get(headerMCPSession)
	if id == "" || !s.hosts.Touch(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "MCP session not found"})
	}

	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("open push stream: %w", err)
	}

	// closed guards the response writer: once the handler unwinds, a
	// concurrent fan-out holding the write closure must not touch w.
	var (
		wmu    sync.Mutex
		closed bool
	)
	write := func(frame []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		if closed {
			return errStreamClosed
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	done := make(chan struct{})
	token, ok := s.hosts.AttachStream(id, write, func() { close(done) })
	if !ok {
		// Deleted between the gate and the attach; the stream just ends.
		return nil
	}

	keepalive := s.sched.ScheduleInterval(streamKeepalive, func() {
		wmu.Lock()
		defer wmu.Unlock()
		if closed {
			return
		}
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return
		}
		_ = rc.Flush()
	})

	slog.Info("Push stream opened", "mcp_session_id", id)
	select {
	case <-c.Request().Context().Done():
	case <-done:
	}

	s.sched.CancelInterval(keepalive)
	s.hosts.DetachStream(id, token)
	wmu.Lock()
	closed = true
	wmu.Unlock()
	slog.Info("Push stream closed", "mcp_session_id", id)
	return nil
}

// deleteSessionHandler handles DELETE /, ending the host session named by
// the Mcp-Session-Id header.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	id := c.Request().Header.Get(headerMCPSession)
	if id == "" || !s.hosts.Delete(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "MCP session not found"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
