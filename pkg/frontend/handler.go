package frontend

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/query"
	"github.com/trestlehq/trestle/pkg/session"
)

// Handler runs the read loop for frontend sockets and dispatches their
// frames into the registry and the query engine.
type Handler struct {
	registry     *session.Registry
	engine       *query.Engine
	writeTimeout time.Duration
}

func NewHandler(registry *session.Registry, engine *query.Engine, writeTimeout time.Duration) *Handler {
	return &Handler{
		registry:     registry,
		engine:       engine,
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single frontend socket. Called
// by the HTTP handler after upgrade; blocks until the connection closes.
// sessionKey is the session id from the URL; an authenticate frame carrying
// its own sessionId takes precedence.
func (h *Handler) HandleConnection(parentCtx context.Context, ws *websocket.Conn, sessionKey string) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	conn := newWSConn(ws, h.writeTimeout)
	var sess *session.Session
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if sess != nil {
			h.registry.Cleanup(sess.ID)
			slog.Info("Frontend disconnected", "session_id", sess.ID)
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			// Connection closed or errored. Exit the read loop.
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			slog.Warn("Unparseable frame, closing socket", "session", sessionKey, "error", err)
			_ = conn.Close(websocket.StatusUnsupportedData, "Invalid JSON")
			return
		}
		metrics.SocketFrames.WithLabelValues(frameLabel(probe.Type)).Inc()

		if probe.Type == bridge.FrameAuthenticate {
			if sess != nil {
				slog.Warn("Duplicate authenticate ignored", "session_id", sess.ID)
				continue
			}
			authed, ok := h.authenticate(ctx, conn, data, sessionKey)
			if !ok {
				return
			}
			sess = authed
			continue
		}

		if sess == nil {
			slog.Warn("Frame before authenticate ignored", "type", probe.Type)
			continue
		}
		h.dispatch(ctx, sess, probe.Type, data)
	}
}

// authenticate runs the registry admission checks. A false return means the
// registry rejected the connection and already closed the socket.
func (h *Handler) authenticate(ctx context.Context, conn *wsConn, data []byte, sessionKey string) (*session.Session, bool) {
	var frame bridge.AuthenticateFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("Malformed authenticate frame", "session", sessionKey, "error", err)
		return nil, true
	}
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = sessionKey
	}

	sess, err := h.registry.Authenticate(ctx, conn, session.Credentials{
		SessionID:   sessionID,
		AuthToken:   frame.AuthToken,
		Origin:      frame.Origin,
		PageTitle:   frame.PageTitle,
		SessionName: frame.SessionName,
		UserAgent:   frame.UserAgent,
	})
	if err != nil {
		slog.Info("Authentication rejected", "session_id", sessionID, "error", err)
		return nil, false
	}
	slog.Info("Frontend authenticated", "session_id", sess.ID, "origin", sess.Origin)
	return sess, true
}

func (h *Handler) dispatch(ctx context.Context, sess *session.Session, frameType string, data []byte) {
	switch frameType {
	case bridge.FrameRegisterTool:
		var frame bridge.RegisterToolFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Tool.Name == "" {
			slog.Warn("Malformed register-tool frame", "session_id", sess.ID, "error", err)
			return
		}
		h.registry.RegisterTool(sess, frame.Tool)

	case bridge.FrameRegisterResource:
		var frame bridge.RegisterResourceFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Resource.URI == "" {
			slog.Warn("Malformed register-resource frame", "session_id", sess.ID, "error", err)
			return
		}
		h.registry.RegisterResource(sess, frame.Resource)

	case bridge.FrameActivity:
		var frame bridge.ActivityFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed activity frame", "session_id", sess.ID, "error", err)
			return
		}
		sess.SetActivity(time.UnixMilli(frame.Timestamp))

	case bridge.FrameToolResponse:
		var frame bridge.ToolResponseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed tool-response frame", "session_id", sess.ID, "error", err)
			return
		}
		if !sess.ResolveToolCall(frame.RequestID, frame.Result) {
			slog.Debug("Late tool response discarded", "session_id", sess.ID, "request_id", frame.RequestID)
		}

	case bridge.FrameResourceResponse:
		var frame bridge.ResourceResponseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed resource-response frame", "session_id", sess.ID, "error", err)
			return
		}
		result := bridge.ResourceResult{
			Text:     frame.Content,
			Blob:     frame.Blob,
			MimeType: frame.MimeType,
			Error:    frame.Error,
		}
		if !sess.ResolveResourceRead(frame.RequestID, result) {
			slog.Debug("Late resource response discarded", "session_id", sess.ID, "request_id", frame.RequestID)
		}

	case bridge.FrameQuery:
		var frame bridge.QueryFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed query frame", "session_id", sess.ID, "error", err)
			return
		}
		// The agent round trip must not stall the read loop; replies for
		// in-flight tool calls keep arriving on this socket meanwhile.
		go h.engine.Create(ctx, sess, frame, data)

	case bridge.FrameQueryCancel:
		var frame bridge.QueryCancelFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed query_cancel frame", "session_id", sess.ID, "error", err)
			return
		}
		go func() {
			if !h.engine.CancelByFrontend(ctx, frame.UUID) {
				slog.Debug("Cancel for unknown query ignored", "uuid", frame.UUID)
			}
		}()

	default:
		slog.Warn("Unknown frame type ignored", "session_id", sess.ID, "type", frameType)
	}
}

// frameLabel bounds the metric label space to the known frame vocabulary.
func frameLabel(frameType string) string {
	switch frameType {
	case bridge.FrameAuthenticate, bridge.FrameRegisterTool, bridge.FrameRegisterResource,
		bridge.FrameActivity, bridge.FrameToolResponse, bridge.FrameResourceResponse,
		bridge.FrameQuery, bridge.FrameQueryCancel:
		return frameType
	default:
		return "unknown"
	}
}
