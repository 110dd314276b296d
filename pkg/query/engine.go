// Package query tracks agent-mediated queries: the per-query state machine,
// tool-call accounting, response-tool auto-completion, and cancellation
// fan-out to both the agent and the owning frontend.
package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/session"
)

// State is a query's position in its lifecycle. Terminal states are
// observable only transiently: terminal queries leave the map immediately.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Query is one agent-mediated interaction started by a frontend.
type Query struct {
	UUID          string
	SessionID     string
	AuthToken     string
	ResponseTool  string
	AllowedTools  []string
	RestrictTools bool
	State         State
	ToolCalls     []bridge.QueryToolCall
}

// AgentClient is the slice of the agent HTTP client the engine needs.
type AgentClient interface {
	// StartQuery PUTs the canonicalized query payload to the agent.
	StartQuery(ctx context.Context, uuid string, payload []byte) error
	// CancelQuery issues the best-effort DELETE for a cancelled query.
	CancelQuery(ctx context.Context, uuid string) error
}

// Engine owns the query map and keeps the per-token in-flight counters on
// the registry consistent with it: increment before the agent PUT,
// decrement on every terminal transition including rollbacks.
type Engine struct {
	mu      sync.Mutex
	queries map[string]*Query

	registry    *session.Registry
	agent       AgentClient
	maxPerToken int
}

// NewEngine creates the engine. agent may be nil when no agent URL is
// configured; query creation is then rejected.
func NewEngine(registry *session.Registry, agent AgentClient, maxPerToken int) *Engine {
	return &Engine{
		queries:     make(map[string]*Query),
		registry:    registry,
		agent:       agent,
		maxPerToken: maxPerToken,
	}
}

// Create handles a query frame from a frontend: cap check, insert, agent
// PUT, and the accepted/failure reply to the requesting socket. raw is the
// undecoded frame; everything except the type tag is forwarded to the agent.
func (e *Engine) Create(ctx context.Context, requester *session.Session, frame bridge.QueryFrame, raw []byte) {
	uuid := frame.UUID
	if uuid == "" {
		e.replyFailure(ctx, requester, "", "Missing query uuid", "")
		return
	}
	if e.agent == nil {
		e.replyFailure(ctx, requester, uuid, "Missing Agent URL", "")
		return
	}

	owner := requester
	if frame.SessionID != "" && frame.SessionID != requester.ID {
		named, ok := e.registry.Get(frame.SessionID)
		if !ok {
			e.replyFailure(ctx, requester, uuid, "Session not found", bridge.CodeSessionNotFound)
			return
		}
		owner = named
	}

	e.mu.Lock()
	if _, exists := e.queries[uuid]; exists {
		e.mu.Unlock()
		e.replyFailure(ctx, requester, uuid, "Query already exists", "")
		return
	}
	if e.maxPerToken > 0 && e.registry.QueryCount(owner.AuthToken) >= e.maxPerToken {
		e.mu.Unlock()
		e.replyFailure(ctx, requester, uuid, "Too many in-flight queries for this token", bridge.CodeQueryLimitExceeded)
		return
	}
	q := &Query{
		UUID:          uuid,
		SessionID:     owner.ID,
		AuthToken:     owner.AuthToken,
		AllowedTools:  frame.Tools,
		RestrictTools: frame.RestrictTools,
		State:         StateActive,
	}
	if frame.ResponseTool != nil {
		q.ResponseTool = frame.ResponseTool.Name
	}
	e.queries[uuid] = q
	e.registry.IncrementQueries(owner.AuthToken)
	e.mu.Unlock()
	metrics.ActiveQueries.Inc()

	payload, err := canonicalize(raw)
	if err == nil {
		err = e.agent.StartQuery(ctx, uuid, payload)
	}
	if err != nil {
		// Roll back so the in-flight count matches reality. The owning
		// session may have died during the PUT and purged the query; the
		// remover already released the token slot in that case.
		e.mu.Lock()
		_, alive := e.queries[uuid]
		delete(e.queries, uuid)
		e.mu.Unlock()
		if !alive {
			return
		}
		e.registry.DecrementQueries(owner.AuthToken)
		metrics.ActiveQueries.Dec()
		metrics.QueryTransitions.WithLabelValues(string(StateFailed)).Inc()
		slog.Warn("Agent rejected query", "uuid", uuid, "error", err)
		e.replyFailure(ctx, requester, uuid, err.Error(), "")
		return
	}

	// The PUT suspended us; the owning session may have died meanwhile and
	// taken the query with it.
	e.mu.Lock()
	_, alive := e.queries[uuid]
	e.mu.Unlock()
	if !alive {
		if err := e.agent.CancelQuery(ctx, uuid); err != nil {
			slog.Debug("Agent cancel after session death failed", "uuid", uuid, "error", err)
		}
		return
	}

	if err := requester.Send(ctx, bridge.QueryAcceptedFrame{Type: bridge.FrameQueryAccepted, UUID: uuid}); err != nil {
		slog.Warn("Failed to send query_accepted", "uuid", uuid, "error", err)
	}
}

// canonicalize re-encodes the raw query frame without its type tag; the
// remaining fields are the agent's payload.
func canonicalize(raw []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	delete(payload, "type")
	return json.Marshal(payload)
}

func (e *Engine) replyFailure(ctx context.Context, sess *session.Session, uuid, text, code string) {
	err := sess.Send(ctx, bridge.QueryFailureFrame{
		Type:  bridge.FrameQueryFailure,
		UUID:  uuid,
		Error: text,
		Code:  code,
	})
	if err != nil {
		slog.Warn("Failed to send query_failure", "uuid", uuid, "error", err)
	}
}

// Progress handles POST /query/{uuid}/progress: the agent's message is
// forwarded verbatim to the owning socket and the query stays active.
func (e *Engine) Progress(ctx context.Context, uuid string, body map[string]any) (int, any) {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	if !ok {
		e.mu.Unlock()
		return http.StatusNotFound, notFoundBody()
	}
	sessionID := q.SessionID
	e.mu.Unlock()

	e.forward(ctx, sessionID, merged(body, bridge.FrameQueryProgress, uuid))
	return http.StatusOK, okBody()
}

// Complete handles PUT /query/{uuid}/complete. A query that declared a
// response tool must not be completed this way; the mismatch is reported to
// the frontend and to the agent as a 400.
func (e *Engine) Complete(ctx context.Context, uuid string, body map[string]any) (int, any) {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	if !ok {
		e.mu.Unlock()
		return http.StatusNotFound, notFoundBody()
	}
	if q.ResponseTool != "" {
		q.State = StateFailed
		delete(e.queries, uuid)
		e.mu.Unlock()
		e.finish(q, StateFailed)

		text := "Query expects completion via its response tool \"" + q.ResponseTool + "\""
		e.forward(ctx, q.SessionID, bridge.QueryFailureFrame{
			Type:  bridge.FrameQueryFailure,
			UUID:  uuid,
			Error: text,
		})
		return http.StatusBadRequest, map[string]string{"error": text}
	}
	q.State = StateCompleted
	delete(e.queries, uuid)
	frame := bridge.QueryCompleteFrame{
		Type:      bridge.FrameQueryComplete,
		UUID:      uuid,
		Message:   body["message"],
		ToolCalls: q.ToolCalls,
	}
	e.mu.Unlock()
	e.finish(q, StateCompleted)

	e.forward(ctx, q.SessionID, frame)
	return http.StatusOK, okBody()
}

// Fail handles PUT /query/{uuid}/fail.
func (e *Engine) Fail(ctx context.Context, uuid string, body map[string]any) (int, any) {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	if !ok {
		e.mu.Unlock()
		return http.StatusNotFound, notFoundBody()
	}
	q.State = StateFailed
	delete(e.queries, uuid)
	e.mu.Unlock()
	e.finish(q, StateFailed)

	e.forward(ctx, q.SessionID, merged(body, bridge.FrameQueryFailure, uuid))
	return http.StatusOK, okBody()
}

// CancelByAgent handles PUT /query/{uuid}/cancel.
func (e *Engine) CancelByAgent(ctx context.Context, uuid string, body map[string]any) (int, any) {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	if !ok {
		e.mu.Unlock()
		return http.StatusNotFound, notFoundBody()
	}
	q.State = StateCancelled
	delete(e.queries, uuid)
	e.mu.Unlock()
	e.finish(q, StateCancelled)

	e.forward(ctx, q.SessionID, merged(body, bridge.FrameQueryCancel, uuid))
	return http.StatusOK, okBody()
}

// CancelByFrontend handles a query_cancel frame. The agent DELETE is best
// effort: a failure is logged at debug and local state is cleaned up anyway.
func (e *Engine) CancelByFrontend(ctx context.Context, uuid string) bool {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	if !ok {
		e.mu.Unlock()
		return false
	}
	q.State = StateCancelled
	delete(e.queries, uuid)
	e.mu.Unlock()

	if e.agent != nil {
		if err := e.agent.CancelQuery(ctx, uuid); err != nil {
			slog.Debug("Agent cancel failed", "uuid", uuid, "error", err)
		}
	}
	e.finish(q, StateCancelled)
	return true
}

// finish records a terminal transition and releases the token slot.
func (e *Engine) finish(q *Query, state State) {
	e.registry.DecrementQueries(q.AuthToken)
	metrics.ActiveQueries.Dec()
	metrics.QueryTransitions.WithLabelValues(string(state)).Inc()
}

// forward sends a frame to the owning session's socket when it is still open.
func (e *Engine) forward(ctx context.Context, sessionID string, frame any) {
	sess, ok := e.registry.Get(sessionID)
	if !ok || !sess.Open() {
		return
	}
	if err := sess.Send(ctx, frame); err != nil {
		slog.Warn("Failed to forward query frame", "session_id", sessionID, "error", err)
	}
}

// Resolve returns the owning session id of an active query, or a soft error
// shape for the dispatcher to return as a result.
func (e *Engine) Resolve(queryID string) (string, map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(queryID)
}

func (e *Engine) resolveLocked(queryID string) (string, map[string]any) {
	q, ok := e.queries[queryID]
	if !ok {
		return "", map[string]any{"error": bridge.CodeQueryNotFound, "isError": true}
	}
	if q.State != StateActive {
		return "", map[string]any{"error": bridge.CodeQueryNotActive, "isError": true}
	}
	return q.SessionID, nil
}

// ValidateToolCall checks a tools/call against the query: existence, active
// state, and the allow-list when restrictTools is set.
func (e *Engine) ValidateToolCall(queryID, toolName string) (string, map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessionID, softErr := e.resolveLocked(queryID)
	if softErr != nil {
		return "", softErr
	}
	q := e.queries[queryID]
	if q.RestrictTools && len(q.AllowedTools) > 0 && !slices.Contains(q.AllowedTools, toolName) {
		return "", map[string]any{
			"error":         bridge.CodeToolNotAllowed,
			"allowed_tools": q.AllowedTools,
			"isError":       true,
		}
	}
	return sessionID, nil
}

// RecordToolCall appends a completed call to the query log. When the called
// tool is the query's response tool and the result is not error-shaped, the
// query auto-completes: the frontend gets query_complete with the full log
// and the query leaves the map. An error-shaped result keeps the query
// active so the agent can retry.
func (e *Engine) RecordToolCall(ctx context.Context, queryID, toolName string, args map[string]any, result any) {
	e.mu.Lock()
	q, ok := e.queries[queryID]
	if !ok {
		e.mu.Unlock()
		return
	}
	q.ToolCalls = append(q.ToolCalls, bridge.QueryToolCall{Tool: toolName, Arguments: args, Result: result})

	if q.ResponseTool == "" || q.ResponseTool != toolName || isErrorObject(result) {
		e.mu.Unlock()
		return
	}
	q.State = StateCompleted
	delete(e.queries, queryID)
	frame := bridge.QueryCompleteFrame{
		Type:      bridge.FrameQueryComplete,
		UUID:      q.UUID,
		ToolCalls: q.ToolCalls,
	}
	e.mu.Unlock()
	e.finish(q, StateCompleted)

	e.forward(ctx, q.SessionID, frame)
}

// isErrorObject reports whether a tool result is error-shaped: an object
// carrying an error field.
func isErrorObject(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	_, has := m["error"]
	return has
}

// DropSession purges every query owned by a dead session and releases its
// token slots.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	purged := make([]*Query, 0)
	for uuid, q := range e.queries {
		if q.SessionID == sessionID {
			delete(e.queries, uuid)
			purged = append(purged, q)
		}
	}
	e.mu.Unlock()

	for _, q := range purged {
		e.finish(q, StateCancelled)
		slog.Info("Purged query after session death", "uuid", q.UUID, "session_id", sessionID)
	}
}

// Count reports how many queries are in flight.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

// Close empties the query map. Counters live on the registry, which the
// caller closes separately.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for uuid := range e.queries {
		delete(e.queries, uuid)
		metrics.ActiveQueries.Dec()
	}
}

func merged(body map[string]any, frameType, uuid string) map[string]any {
	out := make(map[string]any, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["type"] = frameType
	out["uuid"] = uuid
	return out
}

func notFoundBody() map[string]string {
	return map[string]string{"error": bridge.CodeQueryNotFound}
}

func okBody() map[string]string {
	return map[string]string{"status": "ok"}
}
