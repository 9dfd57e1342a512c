package document

import (
	"golang.org/x/net/html"
)

// ListenerID identifies one registered listener
type ListenerID uint64

// ListenerOptions mirrors the addEventListener options
type ListenerOptions struct {
	Capture bool
	Once    bool
	Passive bool
}

type listener struct {
	id    ListenerID
	event string
	fn    func(*Event)
	opts  ListenerOptions
	node  NodeID
}

// Event is dispatched through the tree in capture, target and bubble order
type Event struct {
	Type          string
	Target        *html.Node
	CurrentTarget *html.Node

	// Data carries event-specific values (key, clientX, ...)
	Data map[string]any

	defaultPrevented bool
	stopped          bool
	inPassive        bool
}

// NewEvent creates an event of the given type
func NewEvent(typ string, data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	return &Event{Type: typ, Data: data}
}

// PreventDefault cancels the default action; it has no effect inside a
// passive listener.
func (e *Event) PreventDefault() {
	if e.inPassive {
		return
	}
	e.defaultPrevented = true
}

// DefaultPrevented reports whether PreventDefault took effect
func (e *Event) DefaultPrevented() bool {
	return e.defaultPrevented
}

// StopPropagation stops the event after the current node
func (e *Event) StopPropagation() {
	e.stopped = true
}

// PropagationStopped reports whether StopPropagation was called
func (e *Event) PropagationStopped() bool {
	return e.stopped
}

// AddEventListener registers fn for events of the given type on n
func (d *Document) AddEventListener(n *html.Node, event string, fn func(*Event), opts ListenerOptions) ListenerID {
	id := d.ID(n)
	d.nextListener++
	l := &listener{id: d.nextListener, event: event, fn: fn, opts: opts, node: id}
	d.listeners[id] = append(d.listeners[id], l)
	return l.id
}

// RemoveEventListener unregisters a listener; unknown ids are ignored
func (d *Document) RemoveEventListener(n *html.Node, lid ListenerID) {
	id, ok := d.ids[n]
	if !ok {
		return
	}
	list := d.listeners[id]
	for i, l := range list {
		if l.id == lid {
			d.listeners[id] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.listeners[id]) == 0 {
		delete(d.listeners, id)
	}
}

// ListenerCount returns the number of listeners registered on n
func (d *Document) ListenerCount(n *html.Node) int {
	id, ok := d.ids[n]
	if !ok {
		return 0
	}
	return len(d.listeners[id])
}

// Dispatch delivers ev to target and its ancestors. It returns false when
// a listener prevented the default action.
func (d *Document) Dispatch(target *html.Node, ev *Event) bool {
	ev.Target = target

	var path []*html.Node
	for n := target.Parent; n != nil; n = n.Parent {
		path = append(path, n)
	}

	for i := len(path) - 1; i >= 0 && !ev.stopped; i-- {
		d.invoke(path[i], ev, phaseCapture)
	}
	if !ev.stopped {
		d.invoke(target, ev, phaseTarget)
	}
	for i := 0; i < len(path) && !ev.stopped; i++ {
		d.invoke(path[i], ev, phaseBubble)
	}

	ev.CurrentTarget = nil
	return !ev.defaultPrevented
}

type phase uint8

const (
	phaseCapture phase = iota
	phaseTarget
	phaseBubble
)

func (d *Document) invoke(n *html.Node, ev *Event, ph phase) {
	id, ok := d.ids[n]
	if !ok {
		return
	}
	snapshot := append([]*listener(nil), d.listeners[id]...)
	ev.CurrentTarget = n
	for _, l := range snapshot {
		if l.event != ev.Type {
			continue
		}
		if ph == phaseCapture && !l.opts.Capture || ph == phaseBubble && l.opts.Capture {
			continue
		}
		if !d.stillRegistered(id, l.id) {
			continue
		}
		if l.opts.Once {
			d.RemoveEventListener(n, l.id)
		}
		ev.inPassive = l.opts.Passive
		l.fn(ev)
		ev.inPassive = false
	}
}

func (d *Document) stillRegistered(id NodeID, lid ListenerID) bool {
	for _, l := range d.listeners[id] {
		if l.id == lid {
			return true
		}
	}
	return false
}
