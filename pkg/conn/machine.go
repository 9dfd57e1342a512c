// Package conn drives the lifecycle of a live session: connect, join,
// stall detection, reconnect with backoff and the declined-session reload
// with its loop-breaking failsafe.
//
// A Machine runs on a scheduler.Scheduler. Blocking channel calls run off
// the scheduler and post their result back, guarded by an epoch so that a
// late result from an abandoned attempt is ignored.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang/glog"

	"github.com/recera/vango-thin/pkg/scheduler"
)

var (
	// ErrDeclined is returned by Channel.Join when the server rejects the
	// session
	ErrDeclined = errors.New("session declined")
	// ErrReconnectExhausted is reported once the backoff runs out of attempts
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotJoined is returned by Send outside the joined state
	ErrNotJoined = errors.New("not joined")
	// ErrStalled is the loss reason when a stalled session stays silent
	ErrStalled = errors.New("connection stalled")
)

// State is a connection state
type State int

const (
	Idle State = iota
	Connecting
	Joining
	Joined
	Stalled
	Declined
	Closed
)

var stateNames = [...]string{"idle", "connecting", "joining", "joined", "stalled", "declined", "closed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the allowed moves. Reconnects re-enter connecting;
// closed is reachable from everywhere and terminal.
var transitions = map[State][]State{
	Idle:       {Connecting, Closed},
	Connecting: {Joining, Connecting, Closed},
	Joining:    {Joined, Declined, Connecting, Closed},
	Joined:     {Stalled, Connecting, Closed},
	Stalled:    {Joined, Connecting, Closed},
	Declined:   {Closed},
	Closed:     {},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Channel is the transport a Machine drives. Connect and Join block.
type Channel interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context) error
	Leave() error
	Send(msg any) error
}

// Options configures a Machine
type Options struct {
	Scheduler scheduler.Scheduler
	Backoff   Backoff
	Reload    ReloadPolicy

	// StallTimeout is the silence after which a joined session is stalled.
	// A stalled session silent for another StallTimeout is treated as lost.
	// Zero disables stall detection.
	StallTimeout time.Duration

	// Go runs blocking channel calls; defaults to a new goroutine
	Go func(func())
	// Rand returns samples in [0, 1) for jitter
	Rand func() float64

	OnState    func(from, to State)
	OnJoined   func()
	OnReload   func()
	OnFailsafe func(error)
	OnError    func(error)
}

// Stats counts connection activity
type Stats struct {
	Attempts   int
	Reconnects int
	Stalls     int
	Reloads    int
}

// Machine is the connection state machine
type Machine struct {
	ch   Channel
	opts Options
	s    scheduler.Scheduler

	state      State
	epoch      uint64
	attempt    int
	failsafe   bool
	everJoined bool

	ctx    context.Context
	cancel context.CancelFunc

	retryTimer  scheduler.Timer
	stallTimer  scheduler.Timer
	reloadTimer scheduler.Timer

	stats Stats
}

// New creates an idle Machine for ch
func New(ch Channel, opts Options) *Machine {
	if opts.Go == nil {
		opts.Go = func(fn func()) { go fn() }
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		ch:     ch,
		opts:   opts,
		s:      opts.Scheduler,
		state:  Idle,
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Failsafe reports whether the reload loop-breaker has tripped
func (m *Machine) Failsafe() bool {
	return m.failsafe
}

// Stats returns activity counters
func (m *Machine) Stats() Stats {
	return m.stats
}

func (m *Machine) transition(to State) bool {
	from := m.state
	if !CanTransition(from, to) {
		glog.Warningf("[Conn] ignoring transition %s -> %s", from, to)
		return false
	}
	m.state = to
	if glog.V(1) {
		glog.Infof("[Conn] %s -> %s", from, to)
	}
	if m.opts.OnState != nil && from != to {
		m.opts.OnState(from, to)
	}
	return true
}

// Connect starts the first connection attempt. It must run on the scheduler.
func (m *Machine) Connect() error {
	if m.state != Idle {
		return fmt.Errorf("connect in state %s", m.state)
	}
	m.transition(Connecting)
	m.dial()
	return nil
}

func (m *Machine) dial() {
	m.epoch++
	epoch := m.epoch
	m.stats.Attempts++
	ctx := m.ctx
	m.opts.Go(func() {
		err := m.ch.Connect(ctx)
		m.s.Post(func() { m.connected(epoch, err) })
	})
}

func (m *Machine) connected(epoch uint64, err error) {
	if epoch != m.epoch || m.state != Connecting {
		return
	}
	if err != nil {
		m.retry(err)
		return
	}
	m.transition(Joining)
	ctx := m.ctx
	m.opts.Go(func() {
		err := m.ch.Join(ctx)
		m.s.Post(func() { m.joined(epoch, err) })
	})
}

func (m *Machine) joined(epoch uint64, err error) {
	if epoch != m.epoch || m.state != Joining {
		return
	}
	switch {
	case errors.Is(err, ErrDeclined):
		m.decline(err)
	case err != nil:
		m.retry(err)
	default:
		if m.everJoined {
			m.stats.Reconnects++
		}
		m.everJoined = true
		m.attempt = 0
		m.transition(Joined)
		m.armStall()
		if m.opts.OnJoined != nil {
			m.opts.OnJoined()
		}
	}
}

// retry schedules the next attempt or gives up once the backoff is exhausted
func (m *Machine) retry(cause error) {
	m.attempt++
	if m.opts.Backoff.Exhausted(m.attempt) {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt-1, cause)
		glog.Errorf("[Conn] %v", err)
		m.shutdown()
		if m.opts.OnError != nil {
			m.opts.OnError(err)
		}
		return
	}

	m.transition(Connecting)
	m.epoch++
	epoch := m.epoch
	delay := m.opts.Backoff.Delay(m.attempt, m.opts.Rand())
	glog.Warningf("[Conn] attempt %d failed: %v; retrying in %s", m.attempt, cause, delay)
	m.retryTimer = m.s.AfterFunc(delay, func() {
		if epoch == m.epoch && m.state == Connecting {
			m.dial()
		}
	})
}

// Lost reports that the transport dropped. A joined or in-progress session
// reconnects with backoff.
func (m *Machine) Lost(err error) {
	switch m.state {
	case Connecting, Joining, Joined, Stalled:
	default:
		return
	}
	m.stopTimer(&m.stallTimer)
	_ = m.ch.Leave()
	m.retry(err)
}

// Activity reports inbound traffic. It re-arms stall detection and
// recovers a stalled session.
func (m *Machine) Activity() {
	switch m.state {
	case Stalled:
		m.transition(Joined)
		m.armStall()
	case Joined:
		m.armStall()
	}
}

func (m *Machine) armStall() {
	m.stopTimer(&m.stallTimer)
	if m.opts.StallTimeout <= 0 {
		return
	}
	epoch := m.epoch
	m.stallTimer = m.s.AfterFunc(m.opts.StallTimeout, func() {
		if epoch != m.epoch || m.state != Joined {
			return
		}
		m.stats.Stalls++
		m.transition(Stalled)
		m.stallTimer = m.s.AfterFunc(m.opts.StallTimeout, func() {
			if epoch == m.epoch && m.state == Stalled {
				m.Lost(ErrStalled)
			}
		})
	})
}

// decline enters the declined state and schedules a jittered reload unless
// the reload history trips the failsafe
func (m *Machine) decline(cause error) {
	m.transition(Declined)
	_ = m.ch.Leave()

	p := m.opts.Reload
	now := m.s.Now()
	if p.Store != nil {
		count, err := p.Store.CountSince(m.ctx, now.Add(-p.Window))
		if err != nil {
			glog.Warningf("[Conn] reload history unavailable: %v", err)
		} else if p.MaxReloads > 0 && count >= p.MaxReloads {
			m.failsafe = true
			err := fmt.Errorf("%w: %d reloads within %s: %v", ErrReloadLoop, count, p.Window, cause)
			glog.Errorf("[Conn] %v", err)
			if m.opts.OnFailsafe != nil {
				m.opts.OnFailsafe(err)
			}
			return
		}
		if err := p.Store.Record(m.ctx, now); err != nil {
			glog.Warningf("[Conn] recording reload: %v", err)
		}
	}

	delay := p.delay(m.opts.Rand())
	glog.Warningf("[Conn] session declined (%v); reloading in %s", cause, delay)
	m.reloadTimer = m.s.AfterFunc(delay, func() {
		if m.state != Declined {
			return
		}
		m.stats.Reloads++
		if m.opts.OnReload != nil {
			m.opts.OnReload()
		}
	})
}

// Send forwards msg while joined
func (m *Machine) Send(msg any) error {
	if m.state != Joined {
		return fmt.Errorf("send in state %s: %w", m.state, ErrNotJoined)
	}
	return m.ch.Send(msg)
}

// Disconnect closes the session. Pending retries, stall checks and reloads
// are cancelled.
func (m *Machine) Disconnect() {
	if m.state == Closed {
		return
	}
	_ = m.ch.Leave()
	m.shutdown()
}

func (m *Machine) shutdown() {
	m.epoch++
	m.stopTimer(&m.retryTimer)
	m.stopTimer(&m.stallTimer)
	m.stopTimer(&m.reloadTimer)
	m.cancel()
	m.transition(Closed)
}

func (m *Machine) stopTimer(t *scheduler.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
