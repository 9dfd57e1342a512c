// Package executor serves DOM call, set and query requests published on the
// bus and answers server domreq queries. Requests address nodes by ref id and
// complete asynchronously through a pending table keyed by request id.
package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/bus"
	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/renderer/dom"
	"github.com/recera/vango-thin/pkg/scheduler"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// Bus topic and actions served by the executor
const (
	Topic       = "dom"
	ActionCall  = "call"
	ActionSet   = "set"
	ActionQuery = "query"
)

var (
	// ErrUnknownRef is returned when a ref id is not registered
	ErrUnknownRef = errors.New("unknown ref")
	// ErrMethodNotAllowed is returned for methods outside the allow-list
	ErrMethodNotAllowed = errors.New("method not allowed")
	// ErrCancelled completes requests still pending when the executor closes
	ErrCancelled = errors.New("request cancelled")
)

// Request is a DOM request carried on the bus
type Request struct {
	ID     string
	Ref    string
	Method string
	Args   []any
	Name   string
	Value  string
	Props  []string
}

// Response completes a Request
type Response struct {
	ID     string
	Result any
	Values map[string]any
	Err    error
}

// Method is an allow-listed DOM method
type Method func(e *Executor, n *html.Node, args []any) (any, error)

// Executor owns the pending request table
type Executor struct {
	bus     *bus.Bus
	a       *dom.Applier
	sched   scheduler.Scheduler
	methods map[string]Method
	pending map[string]func(Response)
	subs    []bus.ID
}

// New creates an executor and subscribes it to the dom topic
func New(b *bus.Bus, a *dom.Applier, s scheduler.Scheduler) *Executor {
	e := &Executor{
		bus:     b,
		a:       a,
		sched:   s,
		methods: defaultMethods(),
		pending: make(map[string]func(Response)),
	}
	e.subs = []bus.ID{
		b.Subscribe(Topic, ActionCall, e.onRequest),
		b.Subscribe(Topic, ActionSet, e.onRequest),
		b.Subscribe(Topic, ActionQuery, e.onRequest),
	}
	return e
}

// Allow adds or replaces an allow-listed method
func (e *Executor) Allow(name string, m Method) {
	e.methods[name] = m
}

// Call invokes an allow-listed method on the node registered under ref.
// done runs on a later scheduler turn.
func (e *Executor) Call(ref, method string, args []any, done func(Response)) string {
	return e.submit(ActionCall, Request{Ref: ref, Method: method, Args: args}, done)
}

// Set writes an attribute of the node registered under ref
func (e *Executor) Set(ref, name, value string, done func(Response)) string {
	return e.submit(ActionSet, Request{Ref: ref, Name: name, Value: value}, done)
}

// Get reads props of the node registered under ref
func (e *Executor) Get(ref string, props []string, done func(Response)) string {
	return e.submit(ActionQuery, Request{Ref: ref, Props: props}, done)
}

func (e *Executor) submit(action string, req Request, done func(Response)) string {
	req.ID = uuid.NewString()
	if done != nil {
		e.pending[req.ID] = done
	}
	e.bus.Publish(Topic, action, req)
	return req.ID
}

// Pending returns the number of requests awaiting completion
func (e *Executor) Pending() int {
	return len(e.pending)
}

func (e *Executor) onRequest(_, action string, payload any) {
	req, ok := payload.(Request)
	if !ok {
		glog.Warningf("[Executor] ignoring %s payload %T", action, payload)
		return
	}
	resp := Response{ID: req.ID}
	switch action {
	case ActionCall:
		resp.Result, resp.Err = e.call(req)
	case ActionSet:
		resp.Err = e.set(req)
	case ActionQuery:
		resp.Values, resp.Err = e.Query(req.Ref, req.Props)
	}
	e.sched.Post(func() { e.complete(resp) })
}

func (e *Executor) complete(resp Response) {
	done, ok := e.pending[resp.ID]
	if !ok {
		return
	}
	delete(e.pending, resp.ID)
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[Executor] completion of %s panicked: %v", resp.ID, r)
		}
	}()
	done(resp)
}

func (e *Executor) node(ref string) (*html.Node, error) {
	rec, ok := e.a.Ref(ref)
	if !ok || rec.Node == nil || !e.a.Document().Contains(rec.Node) {
		return nil, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return rec.Node, nil
}

func (e *Executor) call(req Request) (any, error) {
	n, err := e.node(req.Ref)
	if err != nil {
		return nil, err
	}
	m, ok := e.methods[req.Method]
	if !ok {
		return nil, fmt.Errorf("%q: %w", req.Method, ErrMethodNotAllowed)
	}
	return m(e, n, req.Args)
}

// set routes the write through the applier so form properties are handled
// the way patches handle them
func (e *Executor) set(req Request) error {
	n, err := e.node(req.Ref)
	if err != nil {
		return err
	}
	ref, ok := e.a.PathOf(n)
	if !ok {
		return fmt.Errorf("%q: %w", req.Ref, ErrUnknownRef)
	}
	return e.a.ApplyOne(vdom.SetAttr(ref, req.Name, req.Value))
}

// Query reads props from the node registered under ref. Props are "value",
// "checked", "selected", "text", "tag", "focused", "attr:<name>" or a bare
// attribute name.
func (e *Executor) Query(ref string, props []string) (map[string]any, error) {
	n, err := e.node(ref)
	if err != nil {
		return nil, err
	}
	doc := e.a.Document()
	values := make(map[string]any, len(props))
	for _, prop := range props {
		switch prop {
		case "value":
			values[prop] = doc.Value(n)
		case "checked":
			values[prop] = doc.Checked(n)
		case "selected":
			values[prop] = doc.Selected(n)
		case "text":
			values[prop] = document.TextContent(n)
		case "tag":
			values[prop] = n.Data
		case "focused":
			values[prop] = doc.Focused() == n
		default:
			name := strings.TrimPrefix(prop, "attr:")
			if v, ok := e.a.ReadAttr(n, name); ok {
				values[prop] = v
			} else {
				values[prop] = nil
			}
		}
	}
	return values, nil
}

// Close unsubscribes the executor and cancels pending requests
func (e *Executor) Close() {
	for _, id := range e.subs {
		e.bus.Unsubscribe(id)
	}
	e.subs = nil
	for id, done := range e.pending {
		delete(e.pending, id)
		done(Response{ID: id, Err: ErrCancelled})
	}
}

func defaultMethods() map[string]Method {
	return map[string]Method{
		"focus": func(e *Executor, n *html.Node, _ []any) (any, error) {
			e.a.Document().Focus(n)
			return nil, nil
		},
		"blur": func(e *Executor, n *html.Node, _ []any) (any, error) {
			e.a.Document().Blur(n)
			return nil, nil
		},
		"click": func(e *Executor, n *html.Node, _ []any) (any, error) {
			return e.a.Document().Dispatch(n, document.NewEvent("click", nil)), nil
		},
		"getAttribute": func(e *Executor, n *html.Node, args []any) (any, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			if v, ok := e.a.ReadAttr(n, name); ok {
				return v, nil
			}
			return nil, nil
		},
		"hasAttribute": func(e *Executor, n *html.Node, args []any) (any, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			_, ok := e.a.ReadAttr(n, name)
			return ok, nil
		},
		"matches": func(e *Executor, n *html.Node, args []any) (any, error) {
			sel, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			return document.Matches(n, sel)
		},
	}
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: want string, got %T", i, args[i])
	}
	return s, nil
}
