package scheduler

import (
	"sync"
	"time"
)

// Manual is a virtual-clock Scheduler for tests. Time only moves when
// Advance is called; due callbacks run synchronously on the advancing
// goroutine, in fire-time order.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	nextID  TimerID
	entries map[TimerID]*manualEntry
}

type manualEntry struct {
	at     time.Duration
	period time.Duration // 0 for one-shot
	fn     func()
}

// NewManual returns a virtual-clock scheduler starting at time zero.
func NewManual() *Manual {
	return &Manual{entries: make(map[TimerID]*manualEntry)}
}

func (m *Manual) Schedule(delay time.Duration, fn func()) TimerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.entries[m.nextID] = &manualEntry{at: m.now + delay, fn: fn}
	return m.nextID
}

func (m *Manual) ScheduleInterval(period time.Duration, fn func()) TimerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.entries[m.nextID] = &manualEntry{at: m.now + period, period: period, fn: fn}
	return m.nextID
}

func (m *Manual) Cancel(id TimerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *Manual) CancelInterval(id TimerID) {
	m.Cancel(id)
}

func (m *Manual) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[TimerID]*manualEntry)
}

// Advance moves the virtual clock forward by d, running every callback that
// becomes due, in fire-time order. Callbacks may schedule or cancel timers;
// newly scheduled timers fire within the same Advance if they fall inside
// the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	for {
		var dueID TimerID
		var due *manualEntry
		for id, e := range m.entries {
			if e.at > target {
				continue
			}
			if due == nil || e.at < due.at || (e.at == due.at && id < dueID) {
				due, dueID = e, id
			}
		}
		if due == nil {
			break
		}
		m.now = due.at
		if due.period > 0 {
			due.at += due.period
		} else {
			delete(m.entries, dueID)
		}
		fn := due.fn
		// Run without the lock so the callback can (re)schedule.
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// Pending reports how many timers are outstanding.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Now reports the current virtual time as an offset from start.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}
