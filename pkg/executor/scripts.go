package executor

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// ErrUnknownScript is reported when a script names no registered behavior
var ErrUnknownScript = errors.New("unknown script behavior")

// Element is the handle a script receives for its node. Listeners added
// through it are removed when the script is cleaned up.
type Element struct {
	doc       *document.Document
	node      *html.Node
	listeners []document.ListenerID
}

// Attr returns an attribute of the element
func (el *Element) Attr(name string) (string, bool) {
	return document.Attr(el.node, name)
}

// Text returns the text content of the element
func (el *Element) Text() string {
	return document.TextContent(el.node)
}

// Value returns the live value of a form control
func (el *Element) Value() string {
	return el.doc.Value(el.node)
}

// On listens for event on the element
func (el *Element) On(event string, fn func(data map[string]any)) {
	lid := el.doc.AddEventListener(el.node, event, func(ev *document.Event) {
		fn(ev.Data)
	}, document.ListenerOptions{})
	el.listeners = append(el.listeners, lid)
}

func (el *Element) release() {
	for _, lid := range el.listeners {
		el.doc.RemoveEventListener(el.node, lid)
	}
	el.listeners = nil
}

// Capabilities is everything a script may touch. Nothing else is reachable.
type Capabilities struct {
	ScriptID string
	Element  *Element
	// Send emits an event upstream as if a handler had fired
	Send func(hid string, payload map[string]any) error
	// Host holds the allow-listed host functions
	Host map[string]func(args ...any) (any, error)
}

// Behavior is a script implementation. It returns the cleanup to run when
// the script is replaced or its node leaves the tree.
type Behavior func(caps Capabilities) (cleanup func(), err error)

type instance struct {
	el      *Element
	cleanup func()
}

// ScriptHost runs script behaviors bound by setScript. ScriptMeta.Script
// names a registered behavior.
type ScriptHost struct {
	doc       *document.Document
	behaviors map[string]Behavior
	host      map[string]func(args ...any) (any, error)
	send      func(hid string, payload map[string]any) error
	live      map[string]*instance

	// OnError receives script failures
	OnError func(scriptID string, err error)
}

// NewScriptHost creates a host. send is the transport capability handed to
// every script.
func NewScriptHost(doc *document.Document, send func(hid string, payload map[string]any) error) *ScriptHost {
	return &ScriptHost{
		doc:       doc,
		behaviors: make(map[string]Behavior),
		host:      make(map[string]func(args ...any) (any, error)),
		send:      send,
		live:      make(map[string]*instance),
	}
}

// Register adds a behavior under name
func (h *ScriptHost) Register(name string, b Behavior) {
	h.behaviors[name] = b
}

// Expose allow-lists a host function for scripts
func (h *ScriptHost) Expose(name string, fn func(args ...any) (any, error)) {
	h.host[name] = fn
}

// Live returns the number of running script instances
func (h *ScriptHost) Live() int {
	return len(h.live)
}

// Mount starts the behavior named by meta on n. It is the applier's
// OnScript callback.
func (h *ScriptHost) Mount(meta vdom.ScriptMeta, n *html.Node) {
	if _, running := h.live[meta.ScriptID]; running {
		h.Cleanup(meta.ScriptID, n)
	}
	b, ok := h.behaviors[meta.Script]
	if !ok {
		h.fail(meta.ScriptID, fmt.Errorf("%q: %w", meta.Script, ErrUnknownScript))
		return
	}

	host := make(map[string]func(args ...any) (any, error), len(h.host))
	for k, fn := range h.host {
		host[k] = fn
	}
	el := &Element{doc: h.doc, node: n}
	caps := Capabilities{ScriptID: meta.ScriptID, Element: el, Send: h.send, Host: host}

	var cleanup func()
	err := h.guard(meta.ScriptID, func() error {
		var err error
		cleanup, err = b(caps)
		return err
	})
	if err != nil {
		el.release()
		h.fail(meta.ScriptID, err)
		return
	}
	h.live[meta.ScriptID] = &instance{el: el, cleanup: cleanup}
	if glog.V(2) {
		glog.Infof("[Scripts] mounted %s (%s)", meta.ScriptID, meta.Script)
	}
}

// Cleanup stops a running script. It is the applier's OnScriptCleanup
// callback.
func (h *ScriptHost) Cleanup(scriptID string, _ *html.Node) {
	inst, ok := h.live[scriptID]
	if !ok {
		return
	}
	delete(h.live, scriptID)
	inst.el.release()
	if inst.cleanup == nil {
		return
	}
	if err := h.guard(scriptID, func() error { inst.cleanup(); return nil }); err != nil {
		h.fail(scriptID, err)
	}
}

func (h *ScriptHost) guard(scriptID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script %s panicked: %v", scriptID, r)
			glog.Errorf("[Scripts] %v\n%s", err, debug.Stack())
		}
	}()
	return fn()
}

func (h *ScriptHost) fail(scriptID string, err error) {
	glog.Errorf("[Scripts] %s: %v", scriptID, err)
	if h.OnError != nil {
		h.OnError(scriptID, err)
	}
}
