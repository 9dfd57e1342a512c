package scheduler

import "time"

// Batcher coalesces items enqueued within one frame and hands them to a
// flush function in a single task. It must only be used from scheduler
// tasks.
type Batcher[T any] struct {
	s     Scheduler
	delay time.Duration
	flush func([]T)

	items  []T
	timer  Timer
	posted bool
	gen    uint64
}

// NewBatcher creates a batcher. A zero delay flushes on the next task,
// otherwise after delay.
func NewBatcher[T any](s Scheduler, delay time.Duration, flush func([]T)) *Batcher[T] {
	return &Batcher[T]{s: s, delay: delay, flush: flush}
}

// Enqueue adds item to the pending batch and schedules a flush
func (b *Batcher[T]) Enqueue(item T) {
	b.items = append(b.items, item)
	if b.posted {
		return
	}
	b.posted = true
	gen := b.gen
	run := func() {
		if gen != b.gen {
			return
		}
		b.Flush()
	}
	if b.delay > 0 {
		b.timer = b.s.AfterFunc(b.delay, run)
	} else {
		b.s.Post(run)
	}
}

// Flush delivers the pending batch now
func (b *Batcher[T]) Flush() {
	items := b.reset()
	if len(items) > 0 {
		b.flush(items)
	}
}

// Cancel drops the pending batch and its scheduled flush, returning the
// dropped items.
func (b *Batcher[T]) Cancel() []T {
	return b.reset()
}

// Len returns the number of pending items
func (b *Batcher[T]) Len() int {
	return len(b.items)
}

func (b *Batcher[T]) reset() []T {
	items := b.items
	b.items = nil
	b.posted = false
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}
