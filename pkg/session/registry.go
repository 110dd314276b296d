package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/config"
	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/scheduler"
)

// expirySweepPeriod is how often the registry checks for sessions that
// outlived Options.MaxDuration.
const expirySweepPeriod = 60 * time.Second

// Options configures registry caps and expiry.
type Options struct {
	// MaxSessionsPerToken caps concurrent sessions per auth token. Zero
	// means unlimited.
	MaxSessionsPerToken int
	// EvictionPolicy decides what happens at the cap: config.EvictionCloseOldest
	// admits the new session by closing the token's oldest one, anything else
	// rejects the newcomer.
	EvictionPolicy string
	// MaxDuration closes sessions older than this. Zero disables the sweep.
	MaxDuration time.Duration
}

// Credentials carries the fields of an authenticate frame.
type Credentials struct {
	SessionID   string
	AuthToken   string
	Origin      string
	PageTitle   string
	SessionName string
	UserAgent   string
}

// AuthError is a rejected authenticate. Code is one of the bridge error
// code constants; Message is the human-readable text sent to the frontend.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Registry stores authenticated frontend sessions, indexed by session id
// and by auth token, and enforces the per-token caps.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Session
	byToken     map[string]map[string]*Session
	queryCounts map[string]int
	closed      bool

	opts    Options
	sched   scheduler.Scheduler
	sweepID scheduler.TimerID

	hookMu         sync.RWMutex
	onRemove       func(*Session)
	onToolsChanged func(authToken string)
}

// NewRegistry creates a registry and, when opts.MaxDuration is set, starts
// the expiry sweep on the given scheduler.
func NewRegistry(opts Options, sched scheduler.Scheduler) *Registry {
	r := &Registry{
		byID:        make(map[string]*Session),
		byToken:     make(map[string]map[string]*Session),
		queryCounts: make(map[string]int),
		opts:        opts,
		sched:       sched,
	}
	if opts.MaxDuration > 0 {
		r.sweepID = sched.ScheduleInterval(expirySweepPeriod, r.expireSessions)
	}
	return r
}

// SetOnRemove registers a hook invoked after a session leaves the registry
// for any reason except Close. The query engine uses it to purge queries
// owned by the dead session.
func (r *Registry) SetOnRemove(fn func(*Session)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onRemove = fn
}

// SetOnToolsChanged registers a hook invoked after a token's visible tool
// set changes (registration or session removal). The MCP layer uses it to
// fan out tools/list_changed notifications.
func (r *Registry) SetOnToolsChanged(fn func(authToken string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onToolsChanged = fn
}

// Authenticate admits a new frontend session. On success it indexes the
// session and sends the authenticated frame. On rejection it sends an
// authentication-failed frame, closes the socket with 1008, and returns an
// *AuthError. On cap overflow with the close_oldest policy, the token's
// oldest session is evicted to make room.
func (r *Registry) Authenticate(ctx context.Context, conn Conn, creds Credentials) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, r.reject(ctx, conn, &AuthError{Code: bridge.CodeInvalidSession, Message: "Server is shutting down"})
	}
	if _, exists := r.byID[creds.SessionID]; exists {
		r.mu.Unlock()
		return nil, r.reject(ctx, conn, &AuthError{Code: bridge.CodeInvalidSession, Message: "Session id is already connected"})
	}
	owned := r.byToken[creds.AuthToken]
	var evicted *Session
	if r.opts.MaxSessionsPerToken > 0 && len(owned) >= r.opts.MaxSessionsPerToken {
		if r.opts.EvictionPolicy != config.EvictionCloseOldest {
			r.mu.Unlock()
			return nil, r.reject(ctx, conn, &AuthError{
				Code:    bridge.CodeSessionLimitExceeded,
				Message: "Session limit reached for this token",
			})
		}
		for _, candidate := range owned {
			if evicted == nil || candidate.ConnectedAt.Before(evicted.ConnectedAt) {
				evicted = candidate
			}
		}
		r.removeLocked(evicted)
	}

	// Name collisions are judged against the post-eviction set: evicting
	// the oldest session frees its name for the newcomer.
	if creds.SessionName != "" {
		for _, existing := range r.byToken[creds.AuthToken] {
			if existing.SessionName == creds.SessionName {
				r.mu.Unlock()
				if evicted != nil {
					r.notifyEvicted(ctx, evicted)
				}
				return nil, r.reject(ctx, conn, &AuthError{
					Code:    bridge.CodeSessionNameAlreadyInUse,
					Message: "Session name \"" + creds.SessionName + "\" is already in use",
				})
			}
		}
	}

	sess := newSession(conn, creds, time.Now())
	r.byID[sess.ID] = sess
	if r.byToken[sess.AuthToken] == nil {
		r.byToken[sess.AuthToken] = make(map[string]*Session)
	}
	r.byToken[sess.AuthToken][sess.ID] = sess
	r.mu.Unlock()

	metrics.FrontendSessions.Inc()

	if evicted != nil {
		slog.Info("Evicting oldest session at token cap",
			"evicted_session_id", evicted.ID, "new_session_id", sess.ID)
		r.notifyEvicted(ctx, evicted)
	}

	if err := sess.Send(ctx, bridge.AuthenticatedFrame{
		Type:      bridge.FrameAuthenticated,
		SessionID: sess.ID,
		Success:   true,
	}); err != nil {
		slog.Warn("Failed to send authenticated frame", "session_id", sess.ID, "error", err)
	}
	return sess, nil
}

// reject sends the failure frame, closes the socket with 1008, and returns err.
func (r *Registry) reject(ctx context.Context, conn Conn, err *AuthError) error {
	_ = conn.Send(ctx, bridge.AuthFailedFrame{
		Type:  bridge.FrameAuthFailed,
		Error: err.Message,
		Code:  err.Code,
	})
	_ = conn.Close(websocket.StatusPolicyViolation, err.Code)
	return err
}

// notifyEvicted tells an already-deindexed session it was evicted, closes its
// socket, and runs the removal side effects. Caller must not hold r.mu.
func (r *Registry) notifyEvicted(ctx context.Context, evicted *Session) {
	// Best effort: the frame may not flush before the close lands.
	_ = evicted.Send(ctx, bridge.SessionClosedFrame{
		Type:   bridge.FrameSessionClosed,
		Reason: "Session limit reached, closing oldest session",
		Code:   bridge.CodeSessionLimitExceeded,
	})
	_ = evicted.Close(websocket.StatusPolicyViolation, "Session limit exceeded")
	r.afterRemove(evicted)
}

// RegisterTool upserts a tool into the session and notifies MCP sessions
// sharing the token that the tool list changed.
func (r *Registry) RegisterTool(sess *Session, def bridge.ToolDefinition) {
	sess.upsertTool(def)
	r.notifyToolsChanged(sess.AuthToken)
}

// RegisterResource upserts a resource into the session. Resource changes
// carry no MCP notification.
func (r *Registry) RegisterResource(sess *Session, def bridge.ResourceDefinition) {
	sess.upsertResource(def)
}

// Get looks up a live session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

// ByToken returns the live sessions owned by a token, oldest first.
func (r *Registry) ByToken(authToken string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owned := r.byToken[authToken]
	sessions := make([]*Session, 0, len(owned))
	for _, sess := range owned {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// TokenCount returns the number of live sessions under a token.
func (r *Registry) TokenCount(authToken string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken[authToken])
}

// Cleanup removes a session after its socket closed. Pending correlation
// entries are resolved with a session-unavailable error, the owning token
// bucket is dropped when this was its last session, and the removal hooks
// fire so queries are purged and list_changed fans out.
func (r *Registry) Cleanup(sessionID string) {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(sess)
	r.mu.Unlock()

	r.afterRemove(sess)
}

// removeLocked deletes the session from both indexes. Caller holds r.mu.
func (r *Registry) removeLocked(sess *Session) {
	delete(r.byID, sess.ID)
	if owned := r.byToken[sess.AuthToken]; owned != nil {
		delete(owned, sess.ID)
		if len(owned) == 0 {
			delete(r.byToken, sess.AuthToken)
		}
	}
}

// afterRemove runs the removal side effects that must happen outside r.mu.
func (r *Registry) afterRemove(sess *Session) {
	metrics.FrontendSessions.Dec()
	sess.drainPending()

	r.hookMu.RLock()
	onRemove := r.onRemove
	r.hookMu.RUnlock()
	if onRemove != nil {
		onRemove(sess)
	}
	r.notifyToolsChanged(sess.AuthToken)
}

func (r *Registry) notifyToolsChanged(authToken string) {
	r.hookMu.RLock()
	fn := r.onToolsChanged
	r.hookMu.RUnlock()
	if fn != nil {
		fn(authToken)
	}
}

// IncrementQueries bumps the token's in-flight query count and reports the
// new value.
func (r *Registry) IncrementQueries(authToken string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryCounts[authToken]++
	return r.queryCounts[authToken]
}

// DecrementQueries lowers the token's in-flight query count, dropping the
// entry at zero.
func (r *Registry) DecrementQueries(authToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.queryCounts[authToken]; n > 1 {
		r.queryCounts[authToken] = n - 1
	} else {
		delete(r.queryCounts, authToken)
	}
}

// QueryCount returns the token's in-flight query count.
func (r *Registry) QueryCount(authToken string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queryCounts[authToken]
}

// expireSessions closes sessions older than Options.MaxDuration.
func (r *Registry) expireSessions() {
	now := time.Now()
	r.mu.RLock()
	expired := make([]*Session, 0)
	for _, sess := range r.byID {
		if now.Sub(sess.ConnectedAt) > r.opts.MaxDuration {
			expired = append(expired, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range expired {
		slog.Info("Closing expired session",
			"session_id", sess.ID, "connected_at", sess.ConnectedAt)
		_ = sess.Send(context.Background(), bridge.SessionExpiredFrame{
			Type: bridge.FrameSessionExpired,
			Code: bridge.CodeSessionExpired,
		})
		_ = sess.Close(websocket.StatusPolicyViolation, "Session expired")
		r.Cleanup(sess.ID)
	}
}

// Close shuts the registry down: the sweep stops, every socket closes with
// 1000, and all indexes empty. Removal hooks do not fire; the caller tears
// the dependent layers down itself.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.byID))
	for _, sess := range r.byID {
		sessions = append(sessions, sess)
	}
	r.byID = make(map[string]*Session)
	r.byToken = make(map[string]map[string]*Session)
	r.queryCounts = make(map[string]int)
	r.mu.Unlock()

	if r.sweepID != 0 {
		r.sched.CancelInterval(r.sweepID)
	}
	for _, sess := range sessions {
		_ = sess.Close(websocket.StatusNormalClosure, "Server shutting down")
		sess.drainPending()
		metrics.FrontendSessions.Dec()
	}
}
