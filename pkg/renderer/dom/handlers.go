package dom

import (
	"strings"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/scheduler"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// handlerSet is the complete handler binding of one node
type handlerSet struct {
	node  *html.Node
	bound []*boundHandler
}

// boundHandler owns the listeners and timers of one HandlerMeta
type boundHandler struct {
	meta      vdom.HandlerMeta
	listeners []document.ListenerID

	debounce scheduler.Timer
	pending  map[string]any

	window    scheduler.Timer
	throttled bool

	released bool
}

// setHandlers replaces the handler set of n. Every previous listener and
// timer is released before the new set is attached.
func (a *Applier) setHandlers(n *html.Node, metas []vdom.HandlerMeta) error {
	a.releaseHandlers(n)
	if len(metas) == 0 {
		return nil
	}

	set := &handlerSet{node: n}
	for _, meta := range metas {
		if meta.Event == "" || meta.Handler == "" {
			glog.Warningf("[DOM] ignoring handler without event or id: %+v", meta)
			continue
		}
		set.bound = append(set.bound, a.bindHandler(n, meta))
	}
	a.handlers[a.doc.ID(n)] = set
	return nil
}

// HandlerCount returns the number of handlers bound to n
func (a *Applier) HandlerCount(n *html.Node) int {
	id, ok := a.doc.LookupID(n)
	if !ok {
		return 0
	}
	if set, ok := a.handlers[id]; ok {
		return len(set.bound)
	}
	return 0
}

// Handlers returns the handler metadata bound to n, in binding order
func (a *Applier) Handlers(n *html.Node) []vdom.HandlerMeta {
	id, ok := a.doc.LookupID(n)
	if !ok {
		return nil
	}
	set, ok := a.handlers[id]
	if !ok {
		return nil
	}
	metas := make([]vdom.HandlerMeta, len(set.bound))
	for i, h := range set.bound {
		metas[i] = h.meta
	}
	return metas
}

func (a *Applier) bindHandler(n *html.Node, meta vdom.HandlerMeta) *boundHandler {
	h := &boundHandler{meta: meta}
	opts := document.ListenerOptions{
		Capture: meta.Capture,
		Once:    meta.Once,
		Passive: meta.Passive,
	}
	for _, event := range meta.Events() {
		lid := a.doc.AddEventListener(n, event, func(ev *document.Event) {
			a.handleEvent(n, h, ev)
		}, opts)
		h.listeners = append(h.listeners, lid)
	}
	return h
}

// handleEvent runs prevent/stop synchronously and then fires the handler
// directly, after a debounce quiet period, or at the start of a throttle
// window.
func (a *Applier) handleEvent(n *html.Node, h *boundHandler, ev *document.Event) {
	if h.released {
		return
	}
	if h.meta.Prevent {
		ev.PreventDefault()
	}
	if h.meta.Stop {
		ev.StopPropagation()
	}

	payload := a.eventPayload(n, h.meta, ev)

	switch {
	case h.meta.Debounce > 0 && a.sched != nil:
		if h.debounce != nil {
			h.debounce.Stop()
		}
		h.pending = payload
		h.debounce = a.sched.AfterFunc(h.meta.DebounceInterval(), func() {
			h.debounce = nil
			if h.released {
				return
			}
			last := h.pending
			h.pending = nil
			a.fire(h, last)
		})

	case h.meta.Throttle > 0 && a.sched != nil:
		if h.throttled {
			return
		}
		h.throttled = true
		h.window = a.sched.AfterFunc(h.meta.ThrottleInterval(), func() {
			h.window = nil
			h.throttled = false
		})
		a.fire(h, payload)

	default:
		a.fire(h, payload)
	}
}

func (a *Applier) fire(h *boundHandler, payload map[string]any) {
	a.stats.HandlersFired++
	if a.cb.OnEvent == nil {
		return
	}
	a.safeCall("handler "+h.meta.Handler, func() {
		a.cb.OnEvent(h.meta.Handler, payload)
	})
}

// eventPayload derives the data sent upstream for an event. Props name the
// values to include: "value" and "checked" read the live state of the bound
// node, "target.<attr>" reads an attribute of the event target and any
// other name reads event data.
func (a *Applier) eventPayload(n *html.Node, meta vdom.HandlerMeta, ev *document.Event) map[string]any {
	payload := map[string]any{"type": ev.Type}

	props := meta.Props
	if len(props) == 0 && isFormControl(n) {
		props = []string{"value"}
	}

	for _, prop := range props {
		switch {
		case prop == "value":
			payload["value"] = a.doc.Value(n)
		case prop == "checked":
			payload["checked"] = a.doc.Checked(n)
		case strings.HasPrefix(prop, "target."):
			target := ev.Target
			if target == nil {
				target = n
			}
			if v, ok := document.Attr(target, strings.TrimPrefix(prop, "target.")); ok {
				payload[prop] = v
			}
		default:
			if v, ok := ev.Data[prop]; ok {
				payload[prop] = v
			}
		}
	}
	return payload
}

// releaseHandlers detaches every listener of n and stops its timers
func (a *Applier) releaseHandlers(n *html.Node) {
	id, ok := a.doc.LookupID(n)
	if !ok {
		return
	}
	set, ok := a.handlers[id]
	if !ok {
		return
	}
	for _, h := range set.bound {
		h.released = true
		for _, lid := range h.listeners {
			a.doc.RemoveEventListener(n, lid)
		}
		h.listeners = nil
		if h.debounce != nil {
			h.debounce.Stop()
			h.debounce = nil
		}
		if h.window != nil {
			h.window.Stop()
			h.window = nil
		}
		h.pending = nil
	}
	delete(a.handlers, id)
}
