package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/scheduler"
)

// callTimeout bounds every tool call and resource read round trip.
const callTimeout = 30 * time.Second

// Caller runs request/response round trips over a frontend socket: it mints
// the requestId, sends the outbound frame, and blocks until the matching
// reply arrives or the timeout fires. Concurrent calls against one session
// are independent; matching is purely by requestId.
type Caller struct {
	sched scheduler.Scheduler
}

// NewCaller creates a Caller that arms timeouts on the given scheduler.
func NewCaller(sched scheduler.Scheduler) *Caller {
	return &Caller{sched: sched}
}

// CallTool forwards a tool invocation to the session and waits for the
// result. The return value is always non-nil: the frontend's raw result on
// success, or an error-shaped object on timeout, closed socket, or caller
// cancellation.
func (c *Caller) CallTool(ctx context.Context, sess *Session, name string, args map[string]any, queryID string) any {
	if !sess.Open() {
		metrics.ToolCalls.WithLabelValues(metrics.OutcomeUnavailable).Inc()
		return map[string]any{"error": "Session not available"}
	}

	requestID := uuid.New().String()
	ch := sess.registerToolCall(requestID)

	frame := bridge.ToolCallFrame{
		Type:      bridge.FrameToolCall,
		RequestID: requestID,
		ToolName:  name,
		ToolInput: args,
		QueryID:   queryID,
	}
	if err := sess.Send(ctx, frame); err != nil {
		sess.cancelToolCall(requestID)
		metrics.ToolCalls.WithLabelValues(metrics.OutcomeUnavailable).Inc()
		return map[string]any{"error": "Session not available"}
	}

	timer := c.sched.Schedule(callTimeout, func() {
		if sess.ResolveToolCall(requestID, map[string]any{"error": "Tool call timeout"}) {
			slog.Warn("Tool call timed out",
				"session_id", sess.ID, "tool", name, "request_id", requestID)
			metrics.ToolCalls.WithLabelValues(metrics.OutcomeTimeout).Inc()
		}
	})

	select {
	case result := <-ch:
		c.sched.Cancel(timer)
		if !isTimeoutResult(result, "Tool call timeout") {
			metrics.ToolCalls.WithLabelValues(metrics.OutcomeOK).Inc()
		}
		return result
	case <-ctx.Done():
		c.sched.Cancel(timer)
		sess.cancelToolCall(requestID)
		metrics.ToolCalls.WithLabelValues(metrics.OutcomeError).Inc()
		return map[string]any{"error": "Tool call cancelled"}
	}
}

// ReadResource forwards a resource read to the session and waits for the
// content.
func (c *Caller) ReadResource(ctx context.Context, sess *Session, uri string) bridge.ResourceResult {
	if !sess.Open() {
		return bridge.ResourceResult{Error: "Session not available"}
	}

	requestID := uuid.New().String()
	ch := sess.registerResourceRead(requestID)

	frame := bridge.ResourceReadFrame{
		Type:      bridge.FrameResourceRead,
		RequestID: requestID,
		URI:       uri,
	}
	if err := sess.Send(ctx, frame); err != nil {
		sess.cancelResourceRead(requestID)
		return bridge.ResourceResult{Error: "Session not available"}
	}

	timer := c.sched.Schedule(callTimeout, func() {
		if sess.ResolveResourceRead(requestID, bridge.ResourceResult{Error: "Resource read timeout"}) {
			slog.Warn("Resource read timed out",
				"session_id", sess.ID, "uri", uri, "request_id", requestID)
		}
	})

	select {
	case result := <-ch:
		c.sched.Cancel(timer)
		return result
	case <-ctx.Done():
		c.sched.Cancel(timer)
		sess.cancelResourceRead(requestID)
		return bridge.ResourceResult{Error: "Resource read cancelled"}
	}
}

func isTimeoutResult(result any, text string) bool {
	m, ok := result.(map[string]any)
	return ok && m["error"] == text
}
