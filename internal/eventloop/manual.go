package eventloop

import (
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// Manual is a deterministic domain.Scheduler for tests. Time stands still
// until Advance is called and queued tasks only run on Drain or Advance.
//
// Manual is safe for concurrent Post calls; Drain and Advance must be
// called from a single goroutine.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	queue   []func()
	timers  []*manualTimer
	stopped bool
}

type manualTimer struct {
	deadline time.Time
	task     func()
	stopped  bool
	fired    bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManual returns a Manual scheduler starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Post queues a task.
func (m *Manual) Post(task func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.queue = append(m.queue, task)
	return true
}

// AfterFunc registers a task that is queued once the clock passes d.
func (m *Manual) AfterFunc(d time.Duration, task func()) domain.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{deadline: m.now.Add(d), task: task}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the manual clock time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Stop makes later Post calls fail, like a loop whose Run has returned.
func (m *Manual) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Drain runs queued tasks, including tasks they post, until the queue is empty.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		task := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		task()
	}
}

// Advance moves the clock forward by d one deadline at a time, running
// each due timer task and everything queued before it.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.nextDue(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			m.Drain()
			return
		}
		if due.deadline.After(m.now) {
			m.now = due.deadline
		}
		due.fired = true
		m.queue = append(m.queue, due.task)
		m.mu.Unlock()

		m.Drain()
	}
}

// nextDue returns the earliest live timer at or before target. Caller holds mu.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live

	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	if len(m.timers) == 0 || m.timers[0].deadline.After(target) {
		return nil
	}
	return m.timers[0]
}

// Ensure Manual implements domain.Scheduler.
var _ domain.Scheduler = (*Manual)(nil)
