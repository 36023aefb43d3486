// Package chattest provides a virtual clock for driving chat pipelines in tests.
package chattest

import (
	"sort"
	"sync"
	"time"

	"github.com/fabfab/docchat/chat"
)

// ManualScheduler fires scheduled tasks only when Advance moves its clock
// past their deadline. Tasks run on the goroutine calling Advance.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*task
}

type task struct {
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
	sched   *ManualScheduler
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) chat.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d < 0 {
		d = 0
	}
	t := &task{at: s.now + d, seq: s.seq, f: f, sched: s}
	s.seq++
	s.tasks = append(s.tasks, t)
	return t
}

func (t *task) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, running every task that becomes due
// in deadline order. Tasks scheduled by a running task fire in the same call
// when their deadline falls inside the window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()

		next.f()
	}
}

// nextDue pops the earliest live task due at or before target. The caller
// holds s.mu.
func (s *ManualScheduler) nextDue(target time.Duration) *task {
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.tasks = live

	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].at != s.tasks[j].at {
			return s.tasks[i].at < s.tasks[j].at
		}
		return s.tasks[i].seq < s.tasks[j].seq
	})
	if len(s.tasks) == 0 || s.tasks[0].at > target {
		return nil
	}
	next := s.tasks[0]
	s.tasks = s.tasks[1:]
	return next
}

// Now returns the virtual time elapsed since the scheduler was created.
func (s *ManualScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of tasks that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

var _ chat.Scheduler = (*ManualScheduler)(nil)
