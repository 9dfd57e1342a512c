// Package runtime assembles the thin client: it discovers the boot
// payload, drives the connection machine, admits frames through the
// sequencer, coalesces them in a batcher and applies them to the document.
// Everything except Receive and Lost runs on the scheduler goroutine.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/bus"
	"github.com/recera/vango-thin/pkg/conn"
	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/executor"
	"github.com/recera/vango-thin/pkg/live"
	"github.com/recera/vango-thin/pkg/optimistic"
	"github.com/recera/vango-thin/pkg/renderer/dom"
	"github.com/recera/vango-thin/pkg/scheduler"
	"github.com/recera/vango-thin/pkg/sequencer"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// Bus topics published by the client
const (
	TopicConn       = "conn"
	TopicEffect     = "effect"
	TopicMetrics    = "metrics"
	TopicRouter     = "router"
	TopicUpload     = "upload"
	TopicRef        = "ref"
	TopicOptimistic = "optimistic"
)

// Options configures a Client
type Options struct {
	Scheduler scheduler.Scheduler
	// Bus is created when nil
	Bus *bus.Bus

	Backoff      conn.Backoff
	Reload       conn.ReloadPolicy
	StallTimeout time.Duration

	// BufferCapacity bounds out-of-order frames
	BufferCapacity int
	// BatchDelay coalesces frames into one write pass; zero flushes on the
	// next task
	BatchDelay time.Duration
	// GapTimeout is how long frames may wait for a missing seq before the
	// client asks for recovery. Zero disables recovery.
	GapTimeout time.Duration
	// OutboxSize bounds events queued while not joined
	OutboxSize int

	Window    *dom.WindowPolicy
	Sanitizer *bluemonday.Policy
	Fragments *document.FragmentParser
	// MaxOptimistic bounds pending optimistic updates
	MaxOptimistic int

	// Go runs blocking channel calls; see conn.Options
	Go func(func())

	OnReload   func()
	OnFailsafe func(error)
	OnError    func(error)
}

// Stats counts client activity
type Stats struct {
	Frames        int
	Patches       int
	Skipped       int
	Acks          int
	Recovers      int
	Queued        int
	OutboxDropped int
	DomRequests   int
	Ignored       int
	// Held counts messages that arrived before the join completed
	Held          int
}

// maxHeld bounds messages held while a join is in flight
const maxHeld = 256

// Client is one page's live session
type Client struct {
	id   string
	opts Options
	s    scheduler.Scheduler
	bus  *bus.Bus
	doc  *document.Document
	boot live.Message

	applier    *dom.Applier
	seq        *sequencer.Sequencer[live.Message]
	batch      *scheduler.Batcher[live.Message]
	machine    *conn.Machine
	exec       *executor.Executor
	scripts    *executor.ScriptHost
	optimistic *optimistic.Manager

	// lastApplied is read by the transport goroutine for join
	lastApplied atomic.Int64
	gapTimer    scheduler.Timer
	gapAt       int
	recovered   bool
	outbox      []live.Message
	held        []live.Message
	started     bool

	stats Stats
}

// New creates a client for doc. boot comes from FindBoot.
func New(doc *document.Document, boot live.Message, ch conn.Channel, opts Options) (*Client, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("runtime: scheduler required")
	}
	if boot.T != live.TypeBoot || boot.Sid == "" {
		return nil, ErrNoBoot
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Reload.JitterMax == 0 && opts.Reload.Window == 0 && opts.Reload.MaxReloads == 0 {
		store := opts.Reload.Store
		opts.Reload = conn.DefaultReloadPolicy()
		opts.Reload.Store = store
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 128
	}

	c := &Client{
		id:   uuid.NewString(),
		opts: opts,
		s:    opts.Scheduler,
		bus:  opts.Bus,
		doc:  doc,
		boot: boot,
	}
	c.lastApplied.Store(int64(boot.Seq))

	c.scripts = executor.NewScriptHost(doc, func(hid string, payload map[string]any) error {
		return c.SendEvent(hid, payload)
	})
	c.applier = dom.NewApplier(doc, dom.Options{
		Scheduler: c.s,
		Window:    opts.Window,
		Sanitizer: opts.Sanitizer,
		Fragments: opts.Fragments,
		Callbacks: dom.Callbacks{
			OnEvent: func(hid string, payload map[string]any) {
				if err := c.SendEvent(hid, payload); err != nil {
					glog.Warningf("[Runtime] event %s: %v", hid, err)
				}
			},
			OnRef: func(id string, n *html.Node) {
				c.bus.Publish(TopicRef, "set", id)
			},
			OnRefDelete: func(id string) {
				c.bus.Publish(TopicRef, "del", id)
			},
			OnScript:        c.scripts.Mount,
			OnScriptCleanup: c.scripts.Cleanup,
		},
	})
	c.exec = executor.New(c.bus, c.applier, c.s)
	c.optimistic = optimistic.New(c.applier, optimistic.Options{
		MaxPending: opts.MaxOptimistic,
		Now:        c.s.Now,
		OnError: func(id string, err error) {
			c.report(fmt.Errorf("rollback %s: %w", id, err))
		},
	})
	c.optimistic.Listen(func(ev optimistic.Event) {
		c.bus.Publish(TopicOptimistic, ev.Kind.String(), ev)
	})

	c.seq = sequencer.New(opts.BufferCapacity,
		func(m live.Message) int { return m.Seq },
		func(m live.Message) { c.batch.Enqueue(m) })
	c.batch = scheduler.NewBatcher(c.s, opts.BatchDelay, c.flush)

	c.machine = conn.New(ch, conn.Options{
		Scheduler:    c.s,
		Backoff:      opts.Backoff,
		Reload:       opts.Reload,
		StallTimeout: opts.StallTimeout,
		Go:           opts.Go,
		OnState:      c.onState,
		OnJoined:     c.onJoined,
		OnReload:     opts.OnReload,
		OnFailsafe: func(err error) {
			c.bus.Publish(TopicConn, "failsafe", err)
			if opts.OnFailsafe != nil {
				opts.OnFailsafe(err)
			}
		},
		OnError: c.report,
	})
	return c, nil
}

// ID is the client instance id
func (c *Client) ID() string { return c.id }

// Sid is the server session id
func (c *Client) Sid() string { return c.boot.Sid }

// Bus returns the client's event bus
func (c *Client) Bus() *bus.Bus { return c.bus }

// Applier returns the patch applier
func (c *Client) Applier() *dom.Applier { return c.applier }

// Executor returns the DOM request executor
func (c *Client) Executor() *executor.Executor { return c.exec }

// Scripts returns the script host
func (c *Client) Scripts() *executor.ScriptHost { return c.scripts }

// Optimistic returns the optimistic update manager
func (c *Client) Optimistic() *optimistic.Manager { return c.optimistic }

// State returns the connection state
func (c *Client) State() conn.State { return c.machine.State() }

// Machine returns the connection machine
func (c *Client) Machine() *conn.Machine { return c.machine }

// LastSeq returns the highest applied frame seq. It is safe to call from
// any goroutine.
func (c *Client) LastSeq() int { return int(c.lastApplied.Load()) }

// Stats returns activity counters
func (c *Client) Stats() Stats { return c.stats }

// SequencerStats returns the frame sequencer counters
func (c *Client) SequencerStats() sequencer.Stats { return c.seq.Stats() }

// Start hydrates the server-rendered tree, applies the boot patches and
// connects. It must run on the scheduler.
func (c *Client) Start() error {
	if c.started {
		return errors.New("runtime: already started")
	}
	c.started = true
	slots := c.applier.Hydrate()
	if len(c.boot.Patch) > 0 {
		res := c.applier.Apply(c.boot.Patch)
		c.stats.Patches += res.Applied
		c.stats.Skipped += res.Skipped
	}
	if c.boot.Location != nil {
		c.bus.Publish(TopicRouter, "boot", *c.boot.Location)
	}
	glog.Infof("[Runtime] session %s (ver %s) booted at seq %d, %d slots", c.boot.Sid, c.boot.Ver, c.boot.Seq, slots)
	return c.machine.Connect()
}

// Stop disconnects and releases pending work. It must run on the
// scheduler.
func (c *Client) Stop() {
	c.machine.Disconnect()
	c.exec.Close()
}

// Receive hands an inbound message to the scheduler. It is the
// transport's message callback and may run on any goroutine.
func (c *Client) Receive(m live.Message) {
	c.s.Post(func() { c.handle(m) })
}

// Lost reports a dropped transport. It may run on any goroutine.
func (c *Client) Lost(err error) {
	c.s.Post(func() { c.machine.Lost(err) })
}

func (c *Client) handle(m live.Message) {
	// the server streams right behind its join reply; hold those messages
	// until onJoined has set the resume point
	if c.machine.State() == conn.Joining {
		if len(c.held) >= maxHeld {
			c.held = c.held[1:]
		}
		c.held = append(c.held, m)
		c.stats.Held++
		return
	}
	c.machine.Activity()
	switch m.T {
	case live.TypeFrame:
		c.admit(m)
	case live.TypeBoot:
		// a server-side reboot replaces the tree state from its seq on
		res := c.applier.Apply(m.Patch)
		c.stats.Patches += res.Applied
		c.stats.Skipped += res.Skipped
		c.batch.Cancel()
		c.lastApplied.Store(int64(m.Seq))
		c.seq.Resume(m.Seq + 1)
		c.stopGap()
	case live.TypeResume:
		glog.Infof("[Runtime] resume from %d to %d", m.From, m.To)
		c.resume(m.From)
		c.stopGap()
	case live.TypeError:
		err := fmt.Errorf("server error %s: %s", m.Code, m.Message)
		glog.Warningf("[Runtime] %v", err)
		if m.Declines() {
			// the rejoin is declined and takes the reload path
			c.machine.Lost(fmt.Errorf("%w: %v", conn.ErrDeclined, err))
		}
	case live.TypePubSub:
		c.bus.Publish(m.Topic, m.Op, m.Data)
	case live.TypeUpload:
		c.bus.Publish(TopicUpload, m.Op, m)
	case live.TypeDomReq:
		c.stats.DomRequests++
		values, err := c.exec.Query(m.Ref, m.Props)
		c.send(live.DomResult(m.ID, values, err), false)
	default:
		c.stats.Ignored++
		if glog.V(2) {
			glog.Infof("[Runtime] ignoring %s", m.T)
		}
	}
}

// resume restarts sequencing at from. Batched frames at or after from are
// resent by the server and dropped here; earlier ones still flush.
func (c *Client) resume(from int) {
	next := c.LastSeq() + 1
	for _, f := range c.batch.Cancel() {
		if f.Seq >= from {
			continue
		}
		c.batch.Enqueue(f)
		next = max(next, f.Seq+1)
	}
	c.seq.Resume(max(from, next))
}

func (c *Client) admit(m live.Message) {
	out := c.seq.Admit(m)
	if glog.V(2) {
		glog.Infof("[Runtime] frame %d %s", m.Seq, out)
	}
	if len(c.seq.Buffered()) == 0 {
		c.stopGap()
		return
	}
	c.armGap()
}

// armGap asks for recovery once per gap when buffered frames wait longer
// than GapTimeout for the missing seq
func (c *Client) armGap() {
	if c.opts.GapTimeout <= 0 || c.gapTimer != nil {
		return
	}
	expected, _ := c.seq.Expected()
	if c.recovered && expected == c.gapAt {
		return
	}
	c.gapAt = expected
	c.recovered = false
	c.gapTimer = c.s.AfterFunc(c.opts.GapTimeout, func() {
		c.gapTimer = nil
		now, _ := c.seq.Expected()
		if now != c.gapAt || len(c.seq.Buffered()) == 0 {
			return
		}
		c.recovered = true
		c.stats.Recovers++
		glog.Warningf("[Runtime] frame %d missing for %s; requesting recovery", c.gapAt, c.opts.GapTimeout)
		c.send(live.Recover(c.boot.Sid), false)
	})
}

func (c *Client) stopGap() {
	if c.gapTimer != nil {
		c.gapTimer.Stop()
		c.gapTimer = nil
	}
	c.recovered = false
}

// flush applies a coalesced run of frames in admission order and acks the
// last one
func (c *Client) flush(frames []live.Message) {
	for _, f := range frames {
		c.applyFrame(f)
	}
	last := c.LastSeq()
	if err := c.send(live.Ack(c.boot.Sid, last), false); err == nil {
		c.stats.Acks++
	}
}

func (c *Client) applyFrame(f live.Message) {
	res := c.applier.Apply(f.Patch)
	c.stats.Frames++
	c.stats.Patches += res.Applied
	c.stats.Skipped += res.Skipped
	if res.Skipped > 0 {
		glog.Warningf("[Runtime] frame %d: %d patches skipped: %v", f.Seq, res.Skipped, res.Err())
	}

	if h := f.Handlers; h != nil {
		for _, b := range h.Add {
			c.sideEffect(f.Seq, vdom.SetHandlers(b.Target, b.Handlers...))
		}
		for _, t := range h.Del {
			c.sideEffect(f.Seq, vdom.SetHandlers(t))
		}
	}
	if r := f.Refs; r != nil {
		for _, b := range r.Add {
			c.sideEffect(f.Seq, vdom.Patch{Target: b.Target, Op: vdom.OpSetRef, Value: b.ID})
		}
		for _, id := range r.Del {
			rec, ok := c.applier.Ref(id)
			if !ok {
				continue
			}
			if ref, ok := c.applier.PathOf(rec.Node); ok {
				c.sideEffect(f.Seq, vdom.Patch{Target: ref, Op: vdom.OpDelRef, Value: id})
			}
		}
	}

	for _, raw := range f.Effects {
		c.bus.Publish(TopicEffect, effectAction(raw), raw)
	}
	if len(f.Metrics) > 0 {
		c.bus.Publish(TopicMetrics, "frame", f.Metrics)
	}
	if f.Nav != nil {
		c.bus.Publish(TopicRouter, "nav", *f.Nav)
	}
	c.lastApplied.Store(int64(f.Seq))
}

func (c *Client) sideEffect(seq int, p vdom.Patch) {
	if err := c.applier.ApplyOne(p); err != nil {
		c.stats.Skipped++
		glog.Warningf("[Runtime] frame %d: %s: %v", seq, p, err)
	}
}

func effectAction(raw json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &head) == nil && head.Type != "" {
		return head.Type
	}
	return "run"
}

func (c *Client) onState(from, to conn.State) {
	c.bus.Publish(TopicConn, "state", to)
	switch to {
	case conn.Joined:
		if from == conn.Stalled {
			c.flushOutbox()
		}
	case conn.Connecting:
		c.held = nil
		if from == conn.Joined || from == conn.Stalled {
			if dropped := c.batch.Cancel(); len(dropped) > 0 && glog.V(1) {
				glog.Infof("[Runtime] dropped %d unflushed frames", len(dropped))
			}
			c.stopGap()
		}
	case conn.Declined, conn.Closed:
		c.held = nil
		c.batch.Cancel()
		c.stopGap()
		if n := c.optimistic.RollbackAll(); n > 0 {
			glog.Infof("[Runtime] rolled back %d optimistic updates", n)
		}
	}
}

// onJoined restarts sequencing after the last applied frame, the seq the
// join announced, flushes the outbox and replays held messages
func (c *Client) onJoined() {
	if dropped := c.batch.Cancel(); len(dropped) > 0 && glog.V(1) {
		glog.Infof("[Runtime] dropped %d frames batched before join", len(dropped))
	}
	c.seq.Resume(c.LastSeq() + 1)
	c.flushOutbox()
	held := c.held
	c.held = nil
	for _, m := range held {
		c.handle(m)
	}
}

func (c *Client) flushOutbox() {
	queued := c.outbox
	c.outbox = nil
	for _, m := range queued {
		if err := c.machine.Send(m); err != nil {
			glog.Warningf("[Runtime] outbox %s: %v", m.T, err)
		}
	}
}

// SendEvent sends a handler event upstream, queueing it while not joined
func (c *Client) SendEvent(hid string, payload map[string]any) error {
	return c.send(live.Event(c.boot.Sid, hid, payload), true)
}

// Navigate announces a client-side navigation
func (c *Client) Navigate(loc live.Location) error {
	c.bus.Publish(TopicRouter, "push", loc)
	return c.send(live.Navigate(live.TypeNav, c.boot.Sid, loc), true)
}

// PopState announces a history pop
func (c *Client) PopState(loc live.Location) error {
	c.bus.Publish(TopicRouter, "pop", loc)
	return c.send(live.Navigate(live.TypePop, c.boot.Sid, loc), true)
}

// ApplyOptimistic applies patches ahead of the server. The returned id
// commits or rolls back the update.
func (c *Client) ApplyOptimistic(patches []vdom.Patch) (string, error) {
	return c.optimistic.Apply(patches)
}

// send transmits m while joined. Queueable messages wait in the bounded
// outbox otherwise; the oldest is dropped when it is full.
func (c *Client) send(m live.Message, queue bool) error {
	if c.machine.State() == conn.Joined {
		return c.machine.Send(m)
	}
	if !queue {
		return fmt.Errorf("%s: %w", m.T, conn.ErrNotJoined)
	}
	if len(c.outbox) >= c.opts.OutboxSize {
		c.outbox = c.outbox[1:]
		c.stats.OutboxDropped++
	}
	c.outbox = append(c.outbox, m)
	c.stats.Queued++
	return nil
}

// Outbox returns the number of queued messages
func (c *Client) Outbox() int { return len(c.outbox) }

func (c *Client) report(err error) {
	glog.Errorf("[Runtime] %v", err)
	c.bus.Publish(TopicConn, "error", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
