// Package session holds the frontend session registry and the per-request
// correlation layer that bridges HTTP-initiated tool calls and resource
// reads onto frontend sockets and back.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/metrics"
)

// Conn is the transport handle a Session writes to. Implemented by the
// WebSocket adapter in pkg/frontend and by fakes in tests.
type Conn interface {
	// Send marshals frame to JSON and writes it. Writes on one Conn are
	// serialized by the transport.
	Send(ctx context.Context, frame any) error
	// Close closes the transport with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
	// Open reports whether the transport can still be written to.
	Open() bool
}

// Session is one authenticated frontend connection with its registered
// tools and resources and its in-flight correlation entries.
type Session struct {
	ID          string
	AuthToken   string
	Origin      string
	PageTitle   string
	SessionName string
	UserAgent   string
	ConnectedAt time.Time

	conn Conn

	mu               sync.RWMutex
	lastActivity     time.Time
	tools            map[string]bridge.ToolDefinition
	resources        map[string]bridge.ResourceDefinition
	pendingTools     map[string]chan any
	pendingResources map[string]chan bridge.ResourceResult
}

func newSession(conn Conn, creds Credentials, now time.Time) *Session {
	return &Session{
		ID:               creds.SessionID,
		AuthToken:        creds.AuthToken,
		Origin:           creds.Origin,
		PageTitle:        creds.PageTitle,
		SessionName:      creds.SessionName,
		UserAgent:        creds.UserAgent,
		ConnectedAt:      now,
		conn:             conn,
		lastActivity:     now,
		tools:            make(map[string]bridge.ToolDefinition),
		resources:        make(map[string]bridge.ResourceDefinition),
		pendingTools:     make(map[string]chan any),
		pendingResources: make(map[string]chan bridge.ResourceResult),
	}
}

// Send writes a frame to the session's socket.
func (s *Session) Send(ctx context.Context, frame any) error {
	return s.conn.Send(ctx, frame)
}

// Open reports whether the session's socket is writable.
func (s *Session) Open() bool {
	return s.conn.Open()
}

// Close closes the session's socket.
func (s *Session) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// SetActivity advances lastActivity to the frontend-reported timestamp.
// The value is taken as-is, without clamping to the server clock.
func (s *Session) SetActivity(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = ts
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) upsertTool(def bridge.ToolDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[def.Name] = def
}

func (s *Session) upsertResource(def bridge.ResourceDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[def.URI] = def
}

// Tool looks up a registered tool by name.
func (s *Session) Tool(name string) (bridge.ToolDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.tools[name]
	return def, ok
}

// Tools returns the registered tools sorted by name.
func (s *Session) Tools() []bridge.ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]bridge.ToolDefinition, 0, len(s.tools))
	for _, def := range s.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Resource looks up a registered resource by URI.
func (s *Session) Resource(uri string) (bridge.ResourceDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.resources[uri]
	return def, ok
}

// Resources returns the registered resources sorted by URI.
func (s *Session) Resources() []bridge.ResourceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]bridge.ResourceDefinition, 0, len(s.resources))
	for _, def := range s.resources {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].URI < defs[j].URI })
	return defs
}

// Summary returns the discovery shape used by list_sessions.
func (s *Session) Summary() bridge.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	toolNames := make([]string, 0, len(s.tools))
	for name := range s.tools {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)
	resourceURIs := make([]string, 0, len(s.resources))
	for uri := range s.resources {
		resourceURIs = append(resourceURIs, uri)
	}
	sort.Strings(resourceURIs)
	return bridge.SessionSummary{
		SessionID:    s.ID,
		SessionName:  s.SessionName,
		Origin:       s.Origin,
		PageTitle:    s.PageTitle,
		ConnectedAt:  s.ConnectedAt.UnixMilli(),
		LastActivity: s.lastActivity.UnixMilli(),
		Tools:        toolNames,
		Resources:    resourceURIs,
	}
}

// registerToolCall creates a one-shot reply channel for a minted requestId.
// The channel is buffered so resolution never blocks the socket read loop.
func (s *Session) registerToolCall(requestID string) <-chan any {
	ch := make(chan any, 1)
	s.mu.Lock()
	s.pendingTools[requestID] = ch
	s.mu.Unlock()
	metrics.PendingRequests.Inc()
	return ch
}

// ResolveToolCall delivers a tool result to the waiting caller. Returns
// false when no handler is registered (already resolved, timed out, or
// never issued); late replies are discarded.
func (s *Session) ResolveToolCall(requestID string, result any) bool {
	s.mu.Lock()
	ch, ok := s.pendingTools[requestID]
	delete(s.pendingTools, requestID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	metrics.PendingRequests.Dec()
	ch <- result
	return true
}

// cancelToolCall drops a pending entry without resolving it.
func (s *Session) cancelToolCall(requestID string) {
	s.mu.Lock()
	_, ok := s.pendingTools[requestID]
	delete(s.pendingTools, requestID)
	s.mu.Unlock()
	if ok {
		metrics.PendingRequests.Dec()
	}
}

// registerResourceRead creates a one-shot reply channel for a resource read.
func (s *Session) registerResourceRead(requestID string) <-chan bridge.ResourceResult {
	ch := make(chan bridge.ResourceResult, 1)
	s.mu.Lock()
	s.pendingResources[requestID] = ch
	s.mu.Unlock()
	metrics.PendingRequests.Inc()
	return ch
}

// ResolveResourceRead delivers a resource result to the waiting caller.
func (s *Session) ResolveResourceRead(requestID string, result bridge.ResourceResult) bool {
	s.mu.Lock()
	ch, ok := s.pendingResources[requestID]
	delete(s.pendingResources, requestID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	metrics.PendingRequests.Dec()
	ch <- result
	return true
}

// cancelResourceRead drops a pending entry without resolving it.
func (s *Session) cancelResourceRead(requestID string) {
	s.mu.Lock()
	_, ok := s.pendingResources[requestID]
	delete(s.pendingResources, requestID)
	s.mu.Unlock()
	if ok {
		metrics.PendingRequests.Dec()
	}
}

// PendingRequests reports how many correlation entries are outstanding.
func (s *Session) PendingRequests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingTools) + len(s.pendingResources)
}

// drainPending resolves every outstanding correlation entry with a
// session-unavailable error so blocked callers wake up immediately when the
// session dies. Armed timeout timers find their entry gone and no-op.
func (s *Session) drainPending() {
	s.mu.Lock()
	tools := s.pendingTools
	resources := s.pendingResources
	s.pendingTools = make(map[string]chan any)
	s.pendingResources = make(map[string]chan bridge.ResourceResult)
	s.mu.Unlock()

	for _, ch := range tools {
		metrics.PendingRequests.Dec()
		ch <- map[string]any{"error": "Session not available"}
	}
	for _, ch := range resources {
		metrics.PendingRequests.Dec()
		ch <- bridge.ResourceResult{Error: "Session not available"}
	}
}
