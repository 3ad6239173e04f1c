package evloop

import (
	"time"
)

// Manual is a deterministic Scheduler driven by the caller. Time only moves
// through Advance, and posted closures only run through RunPending.
type Manual struct {
	now    time.Time
	tasks  []func()
	timers []*manualTimer
	seq    uint64
}

var _ Scheduler = (*Manual)(nil)

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Post(fn func()) {
	m.tasks = append(m.tasks, fn)
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) NewTimer(fn func()) Timer {
	t := &manualTimer{m: m, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// RunPending runs posted closures, including ones posted while running,
// until the queue is empty. It returns how many ran.
func (m *Manual) RunPending() int {
	n := 0
	for len(m.tasks) > 0 {
		fn := m.tasks[0]
		m.tasks = m.tasks[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining posted closures after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.RunPending()
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		next.armed = false
		next.fn()
		m.RunPending()
	}
	m.now = target
}

func (m *Manual) nextDue(limit time.Time) *manualTimer {
	var best *manualTimer
	for _, t := range m.timers {
		if !t.armed || t.deadline.After(limit) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) ||
			(t.deadline.Equal(best.deadline) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// PendingTimers reports how many timers are armed.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if t.armed {
			n++
		}
	}
	return n
}

type manualTimer struct {
	m        *Manual
	fn       func()
	deadline time.Time
	seq      uint64
	armed    bool
}

func (t *manualTimer) Arm(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.m.seq++
	t.seq = t.m.seq
	t.deadline = t.m.now.Add(d)
	t.armed = true
}

func (t *manualTimer) Cancel() {
	t.armed = false
}

func (t *manualTimer) Armed() bool {
	return t.armed
}
