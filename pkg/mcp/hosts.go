package mcp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/scheduler"
)

const (
	// hostIdleExpiry is how long an MCP session may sit without traffic
	// before the sweeper evicts it.
	hostIdleExpiry = time.Hour
	// hostSweepPeriod is how often the sweeper runs.
	hostSweepPeriod = 60 * time.Second
)

// HostSession is one MCP client connection lifecycle, created by initialize
// and addressed by the Mcp-Session-Id header.
type HostSession struct {
	ID        string
	AuthToken string
	CreatedAt time.Time

	lastActivity time.Time
	streamGen    uint64             // bumped on every AttachStream
	write        func([]byte) error // push writer while a stream is attached
	cleanup      func()             // tears the attached stream down
}

// HostSessions is the MCP session table. It owns the idle sweep and the
// list_changed fan-out to attached server-push streams.
type HostSessions struct {
	mu      sync.Mutex
	entries map[string]*HostSession
	closed  bool

	sched   scheduler.Scheduler
	sweepID scheduler.TimerID
}

func NewHostSessions(sched scheduler.Scheduler) *HostSessions {
	h := &HostSessions{
		entries: make(map[string]*HostSession),
		sched:   sched,
	}
	h.sweepID = sched.ScheduleInterval(hostSweepPeriod, h.expire)
	return h
}

// Create mints a new host session for the given frontend auth token.
func (h *HostSessions) Create(authToken string) string {
	id := uuid.New().String()
	now := time.Now()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return id
	}
	h.entries[id] = &HostSession{
		ID:           id,
		AuthToken:    authToken,
		CreatedAt:    now,
		lastActivity: now,
	}
	h.mu.Unlock()

	metrics.MCPSessions.Inc()
	slog.Info("MCP session created", "mcp_session_id", id)
	return id
}

// Touch advances lastActivity. Reports whether the session exists.
func (h *HostSessions) Touch(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.entries[id]
	if !ok {
		return false
	}
	s.lastActivity = time.Now()
	return true
}

// AttachStream stores the push writer for a host session, replacing any
// previous stream (its cleanup runs first). The returned token names this
// attachment for DetachStream. Reports whether the session exists.
func (h *HostSessions) AttachStream(id string, write func([]byte) error, cleanup func()) (uint64, bool) {
	h.mu.Lock()
	s, ok := h.entries[id]
	if !ok {
		h.mu.Unlock()
		return 0, false
	}
	previous := s.cleanup
	s.streamGen++
	token := s.streamGen
	s.write = write
	s.cleanup = cleanup
	s.lastActivity = time.Now()
	h.mu.Unlock()

	if previous != nil {
		previous()
	}
	return token, true
}

// DetachStream clears the push writer when the stream handler unwinds. A
// stale token means the stream was already replaced or torn down and the
// call is a no-op, so an unwinding handler cannot detach its successor.
func (h *HostSessions) DetachStream(id string, token uint64) {
	h.mu.Lock()
	s, ok := h.entries[id]
	if !ok || s.streamGen != token {
		h.mu.Unlock()
		return
	}
	cleanup := s.cleanup
	s.write = nil
	s.cleanup = nil
	h.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}

// Delete removes a host session and tears down its stream.
func (h *HostSessions) Delete(id string) bool {
	h.mu.Lock()
	s, ok := h.entries[id]
	if ok {
		delete(h.entries, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	if s.cleanup != nil {
		s.cleanup()
	}
	metrics.MCPSessions.Dec()
	slog.Info("MCP session deleted", "mcp_session_id", id)
	return true
}

// NotifyToolsChanged pushes a tools/list_changed notification to every host
// session holding the given frontend token.
func (h *HostSessions) NotifyToolsChanged(authToken string) {
	frame := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	h.mu.Lock()
	writers := make([]func([]byte) error, 0)
	ids := make([]string, 0)
	for _, s := range h.entries {
		if s.AuthToken == authToken && s.write != nil {
			writers = append(writers, s.write)
			ids = append(ids, s.ID)
		}
	}
	h.mu.Unlock()

	for i, write := range writers {
		if err := write(frame); err != nil {
			slog.Debug("Push notification failed", "mcp_session_id", ids[i], "error", err)
		}
	}
}

// Count reports how many host sessions are live.
func (h *HostSessions) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// expire evicts host sessions idle for longer than hostIdleExpiry.
func (h *HostSessions) expire() {
	cutoff := time.Now().Add(-hostIdleExpiry)

	h.mu.Lock()
	expired := make([]*HostSession, 0)
	for id, s := range h.entries {
		if s.lastActivity.Before(cutoff) {
			delete(h.entries, id)
			expired = append(expired, s)
		}
	}
	h.mu.Unlock()

	for _, s := range expired {
		slog.Info("MCP session expired", "mcp_session_id", s.ID)
		if s.cleanup != nil {
			s.cleanup()
		}
		metrics.MCPSessions.Dec()
	}
}

// Close tears down every host session and stops the sweeper.
func (h *HostSessions) Close() {
	h.mu.Lock()
	h.closed = true
	remaining := make([]*HostSession, 0, len(h.entries))
	for _, s := range h.entries {
		remaining = append(remaining, s)
	}
	h.entries = make(map[string]*HostSession)
	h.mu.Unlock()

	h.sched.CancelInterval(h.sweepID)
	for _, s := range remaining {
		if s.cleanup != nil {
			s.cleanup()
		}
		metrics.MCPSessions.Dec()
	}
}
