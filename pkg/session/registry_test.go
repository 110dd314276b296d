package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/config"
	"github.com/trestlehq/trestle/pkg/scheduler"
)

// fakeConn records frames and close calls for assertions.
type fakeConn struct {
	mu          sync.Mutex
	frames      []any
	open        bool
	closeCode   websocket.StatusCode
	closeReason string
	sendErr     error
}

func newFakeConn() *fakeConn { return &fakeConn{open: true} }

func (f *fakeConn) Send(_ context.Context, frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeConn) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeConn) lastFrame() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func creds(id, token string) Credentials {
	return Credentials{SessionID: id, AuthToken: token, Origin: "http://x"}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("success indexes and acknowledges", func(t *testing.T) {
		r := NewRegistry(Options{}, scheduler.NewManual())
		conn := newFakeConn()

		sess, err := r.Authenticate(ctx, conn, creds("S1", "T"))
		require.NoError(t, err)
		require.NotNil(t, sess)

		got, ok := r.Get("S1")
		assert.True(t, ok)
		assert.Same(t, sess, got)
		assert.Len(t, r.ByToken("T"), 1)

		require.Len(t, conn.sent(), 1)
		ack, ok := conn.sent()[0].(bridge.AuthenticatedFrame)
		require.True(t, ok)
		assert.Equal(t, bridge.FrameAuthenticated, ack.Type)
		assert.Equal(t, "S1", ack.SessionID)
		assert.True(t, ack.Success)
	})

	t.Run("duplicate session id is rejected", func(t *testing.T) {
		r := NewRegistry(Options{}, scheduler.NewManual())
		_, err := r.Authenticate(ctx, newFakeConn(), creds("S1", "T"))
		require.NoError(t, err)

		dup := newFakeConn()
		_, err = r.Authenticate(ctx, dup, creds("S1", "T2"))
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, bridge.CodeInvalidSession, authErr.Code)

		require.Len(t, dup.sent(), 1)
		failed, ok := dup.sent()[0].(bridge.AuthFailedFrame)
		require.True(t, ok)
		assert.Equal(t, bridge.CodeInvalidSession, failed.Code)
		assert.False(t, dup.Open())
		assert.Equal(t, websocket.StatusPolicyViolation, dup.closeCode)

		// The original session is untouched.
		assert.Equal(t, 1, r.Count())
	})

	t.Run("session name collision under one token", func(t *testing.T) {
		r := NewRegistry(Options{}, scheduler.NewManual())
		c1 := creds("S1", "T")
		c1.SessionName = "main"
		_, err := r.Authenticate(ctx, newFakeConn(), c1)
		require.NoError(t, err)

		c2 := creds("S2", "T")
		c2.SessionName = "main"
		_, err = r.Authenticate(ctx, newFakeConn(), c2)
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, bridge.CodeSessionNameAlreadyInUse, authErr.Code)

		// Same name under a different token is fine.
		c3 := creds("S3", "U")
		c3.SessionName = "main"
		_, err = r.Authenticate(ctx, newFakeConn(), c3)
		assert.NoError(t, err)
	})
}

func TestSessionCap(t *testing.T) {
	ctx := context.Background()

	t.Run("reject policy refuses at cap", func(t *testing.T) {
		r := NewRegistry(Options{MaxSessionsPerToken: 1, EvictionPolicy: config.EvictionReject}, scheduler.NewManual())
		_, err := r.Authenticate(ctx, newFakeConn(), creds("S1", "T"))
		require.NoError(t, err)

		second := newFakeConn()
		_, err = r.Authenticate(ctx, second, creds("S2", "T"))
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, bridge.CodeSessionLimitExceeded, authErr.Code)
		assert.False(t, second.Open())

		_, ok := r.Get("S1")
		assert.True(t, ok)
		assert.Equal(t, 1, r.TokenCount("T"))
	})

	t.Run("close_oldest evicts the earliest connection", func(t *testing.T) {
		r := NewRegistry(Options{MaxSessionsPerToken: 1, EvictionPolicy: config.EvictionCloseOldest}, scheduler.NewManual())
		first := newFakeConn()
		_, err := r.Authenticate(ctx, first, creds("S1", "T"))
		require.NoError(t, err)

		second := newFakeConn()
		_, err = r.Authenticate(ctx, second, creds("S2", "T"))
		require.NoError(t, err)

		// The evicted peer is told why before the close lands.
		frames := first.sent()
		require.Len(t, frames, 2) // authenticated, then session-closed
		closed, ok := frames[1].(bridge.SessionClosedFrame)
		require.True(t, ok)
		assert.Equal(t, bridge.FrameSessionClosed, closed.Type)
		assert.Equal(t, bridge.CodeSessionLimitExceeded, closed.Code)
		assert.False(t, first.Open())
		assert.Equal(t, websocket.StatusPolicyViolation, first.closeCode)

		_, ok = r.Get("S1")
		assert.False(t, ok)
		_, ok = r.Get("S2")
		assert.True(t, ok)
		assert.Equal(t, 1, r.TokenCount("T"))
	})

	t.Run("close_oldest frees the evictee's name", func(t *testing.T) {
		r := NewRegistry(Options{MaxSessionsPerToken: 1, EvictionPolicy: config.EvictionCloseOldest}, scheduler.NewManual())
		c1 := creds("S1", "T")
		c1.SessionName = "main"
		first := newFakeConn()
		_, err := r.Authenticate(ctx, first, c1)
		require.NoError(t, err)

		c2 := creds("S2", "T")
		c2.SessionName = "main"
		_, err = r.Authenticate(ctx, newFakeConn(), c2)
		require.NoError(t, err, "eviction runs before the name check")

		assert.False(t, first.Open())
		_, ok := r.Get("S2")
		assert.True(t, ok)
		assert.Equal(t, 1, r.TokenCount("T"))
	})

	t.Run("name collision with a surviving session still rejects", func(t *testing.T) {
		r := NewRegistry(Options{MaxSessionsPerToken: 2, EvictionPolicy: config.EvictionCloseOldest}, scheduler.NewManual())
		oldest := newFakeConn()
		_, err := r.Authenticate(ctx, oldest, creds("S1", "T"))
		require.NoError(t, err)

		c2 := creds("S2", "T")
		c2.SessionName = "main"
		_, err = r.Authenticate(ctx, newFakeConn(), c2)
		require.NoError(t, err)

		c3 := creds("S3", "T")
		c3.SessionName = "main"
		_, err = r.Authenticate(ctx, newFakeConn(), c3)
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, bridge.CodeSessionNameAlreadyInUse, authErr.Code)

		// The cap step already ran, so the oldest session is gone even
		// though the newcomer was turned away.
		assert.False(t, oldest.Open())
		_, ok := r.Get("S1")
		assert.False(t, ok)
		_, ok = r.Get("S2")
		assert.True(t, ok)
	})

	t.Run("cap is per token", func(t *testing.T) {
		r := NewRegistry(Options{MaxSessionsPerToken: 1, EvictionPolicy: config.EvictionReject}, scheduler.NewManual())
		_, err := r.Authenticate(ctx, newFakeConn(), creds("S1", "T"))
		require.NoError(t, err)
		_, err = r.Authenticate(ctx, newFakeConn(), creds("S2", "U"))
		assert.NoError(t, err)
	})
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("removes both indexes and fires hooks", func(t *testing.T) {
		r := NewRegistry(Options{}, scheduler.NewManual())

		var removed []string
		var notified []string
		r.SetOnRemove(func(s *Session) { removed = append(removed, s.ID) })
		r.SetOnToolsChanged(func(token string) { notified = append(notified, token) })

		_, err := r.Authenticate(ctx, newFakeConn(), creds("S1", "T"))
		require.NoError(t, err)

		r.Cleanup("S1")
		assert.Equal(t, 0, r.Count())
		assert.Equal(t, 0, r.TokenCount("T"))
		assert.Equal(t, []string{"S1"}, removed)
		assert.Equal(t, []string{"T"}, notified)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		r := NewRegistry(Options{}, scheduler.NewManual())
		r.Cleanup("nope")
		assert.Equal(t, 0, r.Count())
	})

	t.Run("authenticate then cleanup leaves no residue", func(t *testing.T) {
		r := NewRegistry(Options{}, scheduler.NewManual())
		_, err := r.Authenticate(ctx, newFakeConn(), creds("S1", "T"))
		require.NoError(t, err)
		r.Cleanup("S1")

		assert.Equal(t, 0, r.Count())
		assert.Empty(t, r.ByToken("T"))
		assert.Equal(t, 0, r.QueryCount("T"))
	})
}

func TestQueryCounts(t *testing.T) {
	r := NewRegistry(Options{}, scheduler.NewManual())

	assert.Equal(t, 1, r.IncrementQueries("T"))
	assert.Equal(t, 2, r.IncrementQueries("T"))
	assert.Equal(t, 2, r.QueryCount("T"))

	r.DecrementQueries("T")
	assert.Equal(t, 1, r.QueryCount("T"))
	r.DecrementQueries("T")
	assert.Equal(t, 0, r.QueryCount("T"))

	// Decrement at zero stays at zero.
	r.DecrementQueries("T")
	assert.Equal(t, 0, r.QueryCount("T"))
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual()
	r := NewRegistry(Options{MaxDuration: time.Nanosecond}, sched)

	conn := newFakeConn()
	_, err := r.Authenticate(ctx, conn, creds("S1", "T"))
	require.NoError(t, err)

	// Any real sleep pushes wall time past the nanosecond lifetime; the
	// sweep itself runs on the virtual clock.
	time.Sleep(time.Millisecond)
	sched.Advance(60 * time.Second)

	expired, ok := conn.lastFrame().(bridge.SessionExpiredFrame)
	require.True(t, ok, "expected a session-expired frame, got %#v", conn.lastFrame())
	assert.Equal(t, bridge.CodeSessionExpired, expired.Code)
	assert.False(t, conn.Open())
	assert.Equal(t, websocket.StatusPolicyViolation, conn.closeCode)
	assert.Equal(t, 0, r.Count())
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual()
	r := NewRegistry(Options{MaxDuration: time.Hour}, sched)

	c1 := newFakeConn()
	c2 := newFakeConn()
	_, err := r.Authenticate(ctx, c1, creds("S1", "T"))
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, c2, creds("S2", "U"))
	require.NoError(t, err)
	r.IncrementQueries("T")

	r.Close()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.QueryCount("T"))
	assert.Equal(t, 0, sched.Pending(), "expiry sweep must be cancelled")
	for _, conn := range []*fakeConn{c1, c2} {
		assert.False(t, conn.Open())
		assert.Equal(t, websocket.StatusNormalClosure, conn.closeCode)
		assert.Equal(t, "Server shutting down", conn.closeReason)
	}

	// Authenticating against a closed registry fails.
	late := newFakeConn()
	_, err = r.Authenticate(ctx, late, creds("S3", "T"))
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, late.Open())
}

func TestRegisterToolNotifies(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Options{}, scheduler.NewManual())

	var notified []string
	r.SetOnToolsChanged(func(token string) { notified = append(notified, token) })

	sess, err := r.Authenticate(ctx, newFakeConn(), creds("S1", "T"))
	require.NoError(t, err)

	r.RegisterTool(sess, bridge.ToolDefinition{Name: "echo", Description: "d"})
	r.RegisterTool(sess, bridge.ToolDefinition{Name: "other", Description: "d2"})
	assert.Equal(t, []string{"T", "T"}, notified, "one notification per tool mutation")

	// Resources never notify.
	r.RegisterResource(sess, bridge.ResourceDefinition{URI: "app://state", Name: "state"})
	assert.Len(t, notified, 2)

	names := make([]string, 0)
	for _, def := range sess.Tools() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"echo", "other"}, names, "tools are sorted by name")

	def, ok := sess.Tool("echo")
	assert.True(t, ok)
	assert.Equal(t, "d", def.Description)
}
