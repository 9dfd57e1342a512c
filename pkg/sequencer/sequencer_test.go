package sequencer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	seq  int
	body string
}

func newRecorder(capacity int) (*Sequencer[frame], *[]int) {
	var applied []int
	s := New(capacity, func(f frame) int { return f.seq }, func(f frame) {
		applied = append(applied, f.seq)
	})
	return s, &applied
}

func TestFirstFrameSetsExpected(t *testing.T) {
	s, applied := newRecorder(0)

	assert.Equal(t, Applied, s.Admit(frame{seq: 7}))
	next, ok := s.Expected()
	assert.True(t, ok)
	assert.Equal(t, 8, next)
	assert.Equal(t, []int{7}, *applied)
}

func TestOutOfOrderDrainsInOrder(t *testing.T) {
	s, applied := newRecorder(0)
	s.Resume(1)

	assert.Equal(t, Buffered, s.Admit(frame{seq: 3}))
	assert.Equal(t, Buffered, s.Admit(frame{seq: 2}))
	assert.Empty(t, *applied)
	assert.Equal(t, []int{2, 3}, s.Buffered())

	assert.Equal(t, Applied, s.Admit(frame{seq: 1}))
	assert.Equal(t, []int{1, 2, 3}, *applied)
	assert.Empty(t, s.Buffered())
}

func TestShuffledDeliveryAppliesEveryFrameOnce(t *testing.T) {
	const n = 40
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		s, applied := newRecorder(n)
		s.Resume(1)

		order := rng.Perm(n)
		for _, i := range order {
			s.Admit(frame{seq: i + 1})
			// redeliver some frames to exercise duplicate rejection
			if i%5 == 0 {
				s.Admit(frame{seq: i + 1})
			}
		}

		require.Len(t, *applied, n)
		for i, seq := range *applied {
			assert.Equal(t, i+1, seq)
		}
	}
}

func TestStaleFrameIsDropped(t *testing.T) {
	s, applied := newRecorder(0)
	s.Admit(frame{seq: 1})
	s.Admit(frame{seq: 2})

	assert.Equal(t, Dropped, s.Admit(frame{seq: 1}))
	assert.Equal(t, Dropped, s.Admit(frame{seq: 2}))
	assert.Equal(t, []int{1, 2}, *applied)
	assert.Equal(t, 2, s.Stats().Dropped)
}

func TestDuplicateBufferedFrameIsDropped(t *testing.T) {
	s, _ := newRecorder(0)
	s.Resume(1)
	s.Admit(frame{seq: 4, body: "first"})

	assert.Equal(t, Dropped, s.Admit(frame{seq: 4, body: "second"}))
	assert.Equal(t, "first", s.buffer[4].body)
}

func TestBufferEvictsOldestSequence(t *testing.T) {
	s, _ := newRecorder(3)
	s.Resume(1)

	for _, seq := range []int{5, 3, 4} {
		s.Admit(frame{seq: seq})
	}
	s.Admit(frame{seq: 6})

	assert.Equal(t, []int{4, 5, 6}, s.Buffered())
	st := s.Stats()
	assert.Equal(t, 1, st.Evicted)
	assert.Equal(t, 1, st.Dropped)
}

func TestResumeDiscardsPreviousEpoch(t *testing.T) {
	s, applied := newRecorder(0)
	s.Admit(frame{seq: 1})
	s.Admit(frame{seq: 3})
	s.Admit(frame{seq: 4})

	s.Resume(10)
	assert.Empty(t, s.Buffered())

	assert.Equal(t, Dropped, s.Admit(frame{seq: 3}))
	assert.Equal(t, Applied, s.Admit(frame{seq: 10}))
	assert.Equal(t, []int{1, 10}, *applied)
	assert.Equal(t, 1, s.Stats().Resumes)
}

func TestResetAcceptsAnyNextFrame(t *testing.T) {
	s, applied := newRecorder(0)
	s.Admit(frame{seq: 20})
	s.Reset()

	_, ok := s.Expected()
	assert.False(t, ok)
	assert.Equal(t, Applied, s.Admit(frame{seq: 2}))
	assert.Equal(t, []int{20, 2}, *applied)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "buffered", Buffered.String())
	assert.Equal(t, "dropped", Dropped.String())
}
