package mcp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestlehq/trestle/pkg/scheduler"
)

// streamRecorder captures pushed frames and cleanup invocations.
type streamRecorder struct {
	mu       sync.Mutex
	frames   [][]byte
	cleanups int
	writeErr error
}

func (r *streamRecorder) write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *streamRecorder) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups++
}

func (r *streamRecorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *streamRecorder) cleanupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanups
}

func attach(t *testing.T, hosts *HostSessions, id string, rec *streamRecorder) uint64 {
	t.Helper()
	token, ok := hosts.AttachStream(id, rec.write, rec.cleanup)
	require.True(t, ok)
	return token
}

func TestHostSessionLifecycle(t *testing.T) {
	sched := scheduler.NewManual()
	hosts := NewHostSessions(sched)

	id := hosts.Create("T")
	require.NotEmpty(t, id)
	assert.Equal(t, 1, hosts.Count())

	assert.True(t, hosts.Touch(id))
	assert.False(t, hosts.Touch("nope"))

	assert.True(t, hosts.Delete(id))
	assert.Equal(t, 0, hosts.Count())
	assert.False(t, hosts.Delete(id))
	assert.False(t, hosts.Touch(id))
}

func TestNotifyToolsChanged(t *testing.T) {
	sched := scheduler.NewManual()
	hosts := NewHostSessions(sched)

	matching := &streamRecorder{}
	other := &streamRecorder{}
	silent := &streamRecorder{}

	a := hosts.Create("T")
	b := hosts.Create("other-token")
	c := hosts.Create("T") // same token, no stream attached

	attach(t, hosts, a, matching)
	attach(t, hosts, b, other)
	_ = c

	hosts.NotifyToolsChanged("T")

	require.Equal(t, 1, matching.frameCount())
	assert.JSONEq(t,
		`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`,
		string(matching.frames[0]))
	assert.Equal(t, 0, other.frameCount())
	assert.Equal(t, 0, silent.frameCount())

	// A failing writer must not break the fan-out.
	matching.writeErr = errors.New("stream gone")
	hosts.NotifyToolsChanged("T")
	assert.Equal(t, 1, matching.frameCount())
}

func TestAttachStream(t *testing.T) {
	sched := scheduler.NewManual()
	hosts := NewHostSessions(sched)

	t.Run("unknown session", func(t *testing.T) {
		rec := &streamRecorder{}
		_, ok := hosts.AttachStream("nope", rec.write, rec.cleanup)
		assert.False(t, ok)
	})

	t.Run("replacing a stream tears the old one down", func(t *testing.T) {
		id := hosts.Create("T")
		first := &streamRecorder{}
		second := &streamRecorder{}

		attach(t, hosts, id, first)
		attach(t, hosts, id, second)
		assert.Equal(t, 1, first.cleanupCount())
		assert.Equal(t, 0, second.cleanupCount())

		hosts.NotifyToolsChanged("T")
		assert.Equal(t, 0, first.frameCount())
		assert.Equal(t, 1, second.frameCount())
	})

	t.Run("detach clears the writer", func(t *testing.T) {
		id := hosts.Create("T2")
		rec := &streamRecorder{}
		token := attach(t, hosts, id, rec)

		hosts.DetachStream(id, token)
		assert.Equal(t, 1, rec.cleanupCount())

		hosts.NotifyToolsChanged("T2")
		assert.Equal(t, 0, rec.frameCount())
	})

	t.Run("stale token does not detach the successor", func(t *testing.T) {
		id := hosts.Create("T2b")
		first := &streamRecorder{}
		second := &streamRecorder{}

		token := attach(t, hosts, id, first)
		attach(t, hosts, id, second)

		// The replaced handler unwinds and detaches with its old token.
		hosts.DetachStream(id, token)
		assert.Equal(t, 0, second.cleanupCount())

		hosts.NotifyToolsChanged("T2b")
		assert.Equal(t, 1, second.frameCount())
	})

	t.Run("delete tears the stream down", func(t *testing.T) {
		id := hosts.Create("T3")
		rec := &streamRecorder{}
		attach(t, hosts, id, rec)

		require.True(t, hosts.Delete(id))
		assert.Equal(t, 1, rec.cleanupCount())
	})
}

func TestHostIdleExpiry(t *testing.T) {
	sched := scheduler.NewManual()
	hosts := NewHostSessions(sched)

	stale := hosts.Create("T")
	fresh := hosts.Create("T")
	rec := &streamRecorder{}
	attach(t, hosts, stale, rec)

	hosts.mu.Lock()
	hosts.entries[stale].lastActivity = time.Now().Add(-2 * time.Hour)
	hosts.mu.Unlock()

	sched.Advance(hostSweepPeriod)

	assert.Equal(t, 1, hosts.Count())
	assert.False(t, hosts.Touch(stale))
	assert.True(t, hosts.Touch(fresh))
	assert.Equal(t, 1, rec.cleanupCount())
}

func TestHostSessionsClose(t *testing.T) {
	sched := scheduler.NewManual()
	hosts := NewHostSessions(sched)

	a := hosts.Create("T")
	rec := &streamRecorder{}
	attach(t, hosts, a, rec)
	hosts.Create("T")

	hosts.Close()

	assert.Equal(t, 0, hosts.Count())
	assert.Equal(t, 1, rec.cleanupCount())
	assert.Equal(t, 0, sched.Pending(), "sweeper should be cancelled")

	// Create after close mints an id but registers nothing.
	id := hosts.Create("T")
	assert.NotEmpty(t, id)
	assert.Equal(t, 0, hosts.Count())
}
