package timers

import (
	"sync"
	"time"
)

// ID identifies a timer registered with a Scheduler. The zero ID is never
// issued.
type ID uint64

// Scheduler tracks every timer it creates. A callback runs only if its timer
// is still registered when it fires, so Cancel and CancelAll win against a
// timer that has already expired but not yet acquired the lock.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	seq    ID
	timers map[ID]Timer
}

// NewScheduler returns a scheduler over clock; nil means the wall clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = Real()
	}
	return &Scheduler{clock: clock, timers: make(map[ID]Timer)}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// After schedules fn to run once after d.
func (s *Scheduler) After(d time.Duration, fn func()) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	// The callback blocks on s.mu until the timer is registered below.
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if _, ok := s.timers[id]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	return id
}

// Cancel stops the timer with the given id. Unknown ids are ignored.
func (s *Scheduler) Cancel(id ID) {
	s.mu.Lock()
	t, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// CancelAll stops every pending timer. Safe to call repeatedly.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	pending := s.timers
	s.timers = make(map[ID]Timer)
	s.mu.Unlock()
	for _, t := range pending {
		t.Stop()
	}
}

// Pending returns the number of registered timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
