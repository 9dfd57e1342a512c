package scheduler

import "time"

// Manual is a deterministic Scheduler driven by the caller. Tasks run only
// from RunPending or Advance, and time moves only through Advance.
type Manual struct {
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    uint64
}

type manualTimer struct {
	when    time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManual creates a manual scheduler starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Post queues fn
func (m *Manual) Post(fn func()) {
	if fn != nil {
		m.queue = append(m.queue, fn)
	}
}

// AfterFunc registers fn to run once the clock reaches now+d
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{when: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the manual clock
func (m *Manual) Now() time.Time {
	return m.now
}

// RunPending runs queued tasks, including tasks they post, until the
// queue is empty. It returns the number of tasks run.
func (m *Manual) RunPending() int {
	n := 0
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline
// order and draining the queue after each.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.RunPending()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		if t.when.After(m.now) {
			m.now = t.when
		}
		t.fired = true
		t.fn()
		m.RunPending()
	}
	m.now = target
	m.compact()
}

// Pending returns the number of queued tasks and live timers
func (m *Manual) Pending() (tasks, timers int) {
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			timers++
		}
	}
	return len(m.queue), timers
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range m.timers {
		if t.stopped || t.fired || t.when.After(target) {
			continue
		}
		if next == nil || t.when.Before(next.when) || t.when.Equal(next.when) && t.seq < next.seq {
			next = t
		}
	}
	return next
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
}
