// Package scheduler provides the timer primitive used by session expiry,
// request timeouts, and stream keepalives. It is injected as an interface so
// tests can drive time-dependent paths with a virtual clock instead of
// sleeping.
package scheduler

import (
	"sync"
	"time"
)

// TimerID identifies a scheduled callback. IDs are never reused while the
// timer is live.
type TimerID int64

// Scheduler runs callbacks after a delay or on a period. Cancel operations
// are idempotent; a cancelled timer never fires.
type Scheduler interface {
	// Schedule runs fn once after delay.
	Schedule(delay time.Duration, fn func()) TimerID
	// ScheduleInterval runs fn repeatedly every period.
	ScheduleInterval(period time.Duration, fn func()) TimerID
	// Cancel stops a one-shot timer.
	Cancel(id TimerID)
	// CancelInterval stops a periodic timer.
	CancelInterval(id TimerID)
	// Dispose cancels all outstanding timers. The scheduler accepts no new
	// work afterwards.
	Dispose()
}

// realScheduler implements Scheduler on top of time.AfterFunc and time.Ticker.
type realScheduler struct {
	mu        sync.Mutex
	nextID    TimerID
	timers    map[TimerID]*time.Timer
	intervals map[TimerID]*interval
	disposed  bool
}

type interval struct {
	ticker *time.Ticker
	done   chan struct{}
}

// New returns a Scheduler backed by the wall clock.
func New() Scheduler {
	return &realScheduler{
		timers:    make(map[TimerID]*time.Timer),
		intervals: make(map[TimerID]*interval),
	}
}

func (s *realScheduler) Schedule(delay time.Duration, fn func()) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}
	s.nextID++
	id := s.nextID
	// The fire path re-checks liveness under the mutex: if Cancel won the
	// race and removed the entry, fn is never invoked.
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return id
}

func (s *realScheduler) ScheduleInterval(period time.Duration, fn func()) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}
	s.nextID++
	id := s.nextID
	iv := &interval{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}
	s.intervals[id] = iv
	go func() {
		for {
			select {
			case <-iv.done:
				return
			case <-iv.ticker.C:
				fn()
			}
		}
	}()
	return id
}

func (s *realScheduler) Cancel(id TimerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *realScheduler) CancelInterval(id TimerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iv, ok := s.intervals[id]; ok {
		iv.ticker.Stop()
		close(iv.done)
		delete(s.intervals, id)
	}
}

func (s *realScheduler) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id, iv := range s.intervals {
		iv.ticker.Stop()
		close(iv.done)
		delete(s.intervals, id)
	}
}
