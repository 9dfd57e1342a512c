// Package sequencer reorders inbound frames by sequence number so that each
// frame is applied exactly once and in strictly increasing order.
package sequencer

import (
	"sort"

	"github.com/golang/glog"
)

// DefaultCapacity bounds the early-arrival buffer
const DefaultCapacity = 50

// Outcome is the result of admitting a frame
type Outcome int

const (
	// Applied means the frame (and possibly buffered successors) was applied
	Applied Outcome = iota
	// Buffered means the frame arrived early and waits for a gap to fill
	Buffered
	// Dropped means the frame was a duplicate or stale
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Stats counts sequencer activity
type Stats struct {
	Applied  int
	Buffered int
	Dropped  int
	Evicted  int
	Resumes  int
}

// Sequencer admits frames of type F. It is not safe for concurrent use; the
// runtime drives it from the scheduler goroutine.
type Sequencer[F any] struct {
	capacity int
	seqOf    func(F) int
	apply    func(F)

	expected int
	started  bool
	buffer   map[int]F

	stats Stats
}

// New creates a sequencer. seqOf extracts the frame sequence number and
// apply is called for every frame in order. A capacity <= 0 uses
// DefaultCapacity.
func New[F any](capacity int, seqOf func(F) int, apply func(F)) *Sequencer[F] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sequencer[F]{
		capacity: capacity,
		seqOf:    seqOf,
		apply:    apply,
		buffer:   make(map[int]F),
	}
}

// Admit applies, buffers or drops a frame
func (s *Sequencer[F]) Admit(frame F) Outcome {
	seq := s.seqOf(frame)

	switch {
	case !s.started || seq == s.expected:
		s.started = true
		s.deliver(frame, seq)
		s.drain()
		return Applied

	case seq < s.expected:
		s.stats.Dropped++
		if glog.V(1) {
			glog.Infof("[Sequencer] dropping stale frame %d (expected %d)", seq, s.expected)
		}
		return Dropped

	default:
		if _, dup := s.buffer[seq]; dup {
			s.stats.Dropped++
			return Dropped
		}
		if len(s.buffer) >= s.capacity {
			s.evictOldest()
		}
		s.buffer[seq] = frame
		s.stats.Buffered++
		if glog.V(2) {
			glog.Infof("[Sequencer] buffered frame %d (expected %d, %d waiting)", seq, s.expected, len(s.buffer))
		}
		return Buffered
	}
}

func (s *Sequencer[F]) deliver(frame F, seq int) {
	s.expected = seq + 1
	s.stats.Applied++
	s.apply(frame)
}

func (s *Sequencer[F]) drain() {
	for {
		next, ok := s.buffer[s.expected]
		if !ok {
			return
		}
		delete(s.buffer, s.expected)
		s.deliver(next, s.expected)
	}
}

func (s *Sequencer[F]) evictOldest() {
	oldest, first := 0, true
	for seq := range s.buffer {
		if first || seq < oldest {
			oldest, first = seq, false
		}
	}
	delete(s.buffer, oldest)
	s.stats.Evicted++
	s.stats.Dropped++
	glog.Warningf("[Sequencer] buffer full, evicted frame %d", oldest)
}

// Resume resets the expected sequence to from and discards every buffered
// frame of the previous epoch.
func (s *Sequencer[F]) Resume(from int) {
	clear(s.buffer)
	s.expected = from
	s.started = true
	s.stats.Resumes++
}

// Reset forgets the expected sequence; the next admitted frame is applied
// whatever its number.
func (s *Sequencer[F]) Reset() {
	clear(s.buffer)
	s.expected = 0
	s.started = false
}

// Expected returns the next sequence number to apply and whether one is set
func (s *Sequencer[F]) Expected() (int, bool) {
	return s.expected, s.started
}

// Buffered returns the sequence numbers waiting for a gap, ascending
func (s *Sequencer[F]) Buffered() []int {
	seqs := make([]int, 0, len(s.buffer))
	for seq := range s.buffer {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

// Stats returns activity counters
func (s *Sequencer[F]) Stats() Stats {
	return s.stats
}
