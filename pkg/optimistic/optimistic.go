// Package optimistic applies locally originated patches ahead of server
// confirmation and can undo them through inverse patches computed from the
// tree state observed just before each patch was applied.
//
// Inverses exist for value-like ops (text, comment, attributes, styles,
// rule declarations, handlers, scripts, refs), inserts (addChild, list ins)
// and moves. Deletions (delChild, list del) and replaceNode record no
// inverse: the removed content cannot be rebuilt without the server.
package optimistic

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/renderer/dom"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// DefaultMaxPending bounds the update table
const DefaultMaxPending = 64

// Update is one pending optimistic patch batch
type Update struct {
	ID        string
	Patches   []vdom.Patch
	Inverse   []vdom.Patch
	Timestamp time.Time
}

// EventKind is the outcome reported to listeners
type EventKind int

const (
	Applied EventKind = iota
	Committed
	RolledBack
)

func (k EventKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// Event notifies listeners of an update outcome. Err joins the inverse
// patches that failed during a rollback.
type Event struct {
	Kind EventKind
	ID   string
	Err  error
}

// Options configures a Manager
type Options struct {
	// MaxPending bounds the table; the oldest update is committed to make
	// room. Zero uses DefaultMaxPending.
	MaxPending int
	Now        func() time.Time
	Entropy    io.Reader
	// OnError receives rollback failures
	OnError func(id string, err error)
}

// Manager tracks optimistic updates applied through an Applier. It is
// driven from the scheduler goroutine like the Applier itself.
type Manager struct {
	a    *dom.Applier
	opts Options

	entropy io.Reader
	pending map[string]*Update
	order   []string

	listeners map[int]func(Event)
	nextL     int
}

// New creates a Manager applying through a
func New(a *dom.Applier, opts Options) *Manager {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entropy := opts.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Manager{
		a:         a,
		opts:      opts,
		entropy:   ulid.Monotonic(entropy, 0),
		pending:   make(map[string]*Update),
		listeners: make(map[int]func(Event)),
	}
}

// Listen registers fn for update outcomes and returns its removal func
func (m *Manager) Listen(fn func(Event)) func() {
	m.nextL++
	id := m.nextL
	m.listeners[id] = fn
	return func() { delete(m.listeners, id) }
}

func (m *Manager) notify(ev Event) {
	for _, fn := range m.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[Optimistic] listener panicked on %s %s: %v", ev.Kind, ev.ID, r)
				}
			}()
			fn(ev)
		}()
	}
}

// Apply applies patches immediately and records their inverse. Patches
// that fail to apply are skipped and contribute no inverse.
func (m *Manager) Apply(patches []vdom.Patch) (string, error) {
	now := m.opts.Now()
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		return "", fmt.Errorf("update id: %w", err)
	}

	u := &Update{ID: id.String(), Patches: patches, Timestamp: now}
	for _, p := range dom.SortBySeq(patches) {
		finish := m.invert(p)
		if err := m.a.ApplyOne(p); err != nil {
			continue
		}
		u.Inverse = append(u.Inverse, finish()...)
	}

	if len(m.order) >= m.opts.MaxPending {
		oldest := m.order[0]
		glog.Warningf("[Optimistic] table full, committing %s", oldest)
		m.Commit(oldest)
	}
	m.pending[u.ID] = u
	m.order = append(m.order, u.ID)

	if glog.V(2) {
		glog.Infof("[Optimistic] applied %s: %d patches, %d inverse", u.ID, len(patches), len(u.Inverse))
	}
	m.notify(Event{Kind: Applied, ID: u.ID})
	return u.ID, nil
}

// Commit discards a pending update without touching the tree. It reports
// whether id was pending.
func (m *Manager) Commit(id string) bool {
	if _, ok := m.take(id); !ok {
		return false
	}
	m.notify(Event{Kind: Committed, ID: id})
	return true
}

// Rollback applies the inverse patches of a pending update in reverse
// order. Failures are reported through OnError and the event, never
// returned. It reports whether id was pending.
func (m *Manager) Rollback(id string) bool {
	u, ok := m.take(id)
	if !ok {
		return false
	}

	var errs []error
	for i := len(u.Inverse) - 1; i >= 0; i-- {
		if err := m.applyInverse(u.Inverse[i]); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		glog.Warningf("[Optimistic] rollback of %s incomplete: %v", id, err)
		if m.opts.OnError != nil {
			m.opts.OnError(id, err)
		}
	}
	m.notify(Event{Kind: RolledBack, ID: id, Err: err})
	return true
}

func (m *Manager) applyInverse(p vdom.Patch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inverse %s: panic: %v", p, r)
		}
	}()
	return m.a.ApplyOne(p)
}

// RollbackAll rolls back every pending update, newest first
func (m *Manager) RollbackAll() int {
	ids := append([]string(nil), m.order...)
	for i := len(ids) - 1; i >= 0; i-- {
		m.Rollback(ids[i])
	}
	return len(ids)
}

// Get returns a pending update
func (m *Manager) Get(id string) (*Update, bool) {
	u, ok := m.pending[id]
	return u, ok
}

// Pending returns the number of pending updates
func (m *Manager) Pending() int {
	return len(m.pending)
}

func (m *Manager) take(id string) (*Update, bool) {
	u, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	for i, cur := range m.order {
		if cur == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return u, true
}

// invert reads the state p is about to change and returns a func that
// builds the inverse once p has been applied
func (m *Manager) invert(p vdom.Patch) func() []vdom.Patch {
	none := func() []vdom.Patch { return nil }
	n, err := m.a.Resolve(p.Target)
	if err != nil {
		return none
	}
	fixed := func(ps ...vdom.Patch) func() []vdom.Patch {
		return func() []vdom.Patch { return ps }
	}
	t := p.Target

	switch p.Op {
	case vdom.OpSetText:
		if prev, ok := textOf(n); ok {
			return fixed(vdom.SetText(t, prev))
		}
		glog.Warningf("[Optimistic] %s replaces element children; no inverse", p)
		return none

	case vdom.OpSetComment:
		return fixed(vdom.Patch{Target: t, Op: vdom.OpSetComment, Value: n.Data})

	case vdom.OpSetAttr, vdom.OpDelAttr:
		return fixed(m.restoreAttr(t, n, p.Name))

	case vdom.OpSetAttrs:
		prev := make(map[string]*string, len(p.Attrs))
		for name := range p.Attrs {
			if v, ok := m.a.ReadAttr(n, name); ok {
				prev[name] = &v
			} else {
				prev[name] = nil
			}
		}
		return fixed(vdom.Patch{Target: t, Op: vdom.OpSetAttrs, Attrs: prev})

	case vdom.OpSetStyle, vdom.OpDelStyle:
		if v, ok := document.StyleProperty(n, p.Name); ok {
			return fixed(vdom.SetStyle(t, p.Name, v))
		}
		return fixed(vdom.DelStyle(t, p.Name))

	case vdom.OpSetStyleDecl, vdom.OpDelStyleDecl:
		v, ok, err := m.a.Document().RuleDecl(n, p.Selector, p.Name)
		if err != nil {
			return none
		}
		if ok {
			return fixed(vdom.Patch{Target: t, Op: vdom.OpSetStyleDecl, Selector: p.Selector, Name: p.Name, Value: v})
		}
		return fixed(vdom.Patch{Target: t, Op: vdom.OpDelStyleDecl, Selector: p.Selector, Name: p.Name})

	case vdom.OpSetHandlers:
		return fixed(vdom.SetHandlers(t, m.a.Handlers(n)...))

	case vdom.OpSetScript, vdom.OpDelScript:
		if meta, ok := m.a.ScriptOf(n); ok {
			return fixed(vdom.Patch{Target: t, Op: vdom.OpSetScript, Script: &meta})
		}
		return fixed(vdom.Patch{Target: t, Op: vdom.OpDelScript})

	case vdom.OpSetRef, vdom.OpDelRef:
		return m.restoreRef(t, p)

	case vdom.OpAddChild:
		at := p.Index
		if at < 0 || at > document.ChildCount(n) {
			at = document.ChildCount(n)
		}
		count := topLevelCount(p.Node)
		return func() []vdom.Patch {
			out := make([]vdom.Patch, count)
			for i := range out {
				out[i] = vdom.DelChild(t, at)
			}
			return out
		}

	case vdom.OpMoveChild:
		if p.Move == nil {
			return none
		}
		child := m.a.FindChild(n, p.Move.Key, p.Move.From)
		if child == nil {
			return none
		}
		orig := document.ChildIndex(child)
		return func() []vdom.Patch {
			return []vdom.Patch{vdom.MoveChild(t, document.ChildIndex(child), orig, "")}
		}

	case vdom.OpList:
		return m.invertList(t, n, p.List)

	default:
		// delChild, replaceNode
		return none
	}
}

func (m *Manager) restoreAttr(t vdom.NodeRef, n *html.Node, name string) vdom.Patch {
	if v, ok := m.a.ReadAttr(n, name); ok {
		return vdom.SetAttr(t, name, v)
	}
	return vdom.DelAttr(t, name)
}

func (m *Manager) restoreRef(t vdom.NodeRef, p vdom.Patch) func() []vdom.Patch {
	none := func() []vdom.Patch { return nil }
	if p.Value == "" {
		return none
	}
	rec, ok := m.a.Ref(p.Value)
	if !ok {
		if p.Op == vdom.OpSetRef {
			return func() []vdom.Patch {
				return []vdom.Patch{{Target: t, Op: vdom.OpDelRef, Value: p.Value}}
			}
		}
		return none
	}
	prevAt, ok := m.a.PathOf(rec.Node)
	if !ok {
		return none
	}
	return func() []vdom.Patch {
		return []vdom.Patch{{Target: prevAt, Op: vdom.OpSetRef, Value: p.Value}}
	}
}

// invertList inverts list child ops. Row positions are tracked through
// the ops so each move is undone from where it left its row.
func (m *Manager) invertList(t vdom.NodeRef, container *html.Node, ops []vdom.ListOp) func() []vdom.Patch {
	var steps []vdom.ListOp
	rows := document.ElementChildren(container)

	for _, op := range ops {
		next := simulate(rows, op)
		switch op.Kind {
		case vdom.ListIns:
			if op.Key != "" {
				steps = append(steps, vdom.Del(op.Key))
			}
		case vdom.ListMov:
			if op.From >= 0 && op.From < len(rows) {
				steps = append(steps, vdom.Mov(indexOf(next, rows[op.From]), op.From))
			}
		}
		rows = next
	}
	if len(steps) == 0 {
		return func() []vdom.Patch { return nil }
	}

	inv := make([]vdom.ListOp, len(steps))
	for i, op := range steps {
		inv[len(steps)-1-i] = op
	}
	return func() []vdom.Patch {
		return []vdom.Patch{{Target: t, Op: vdom.OpList, List: inv}}
	}
}

// simulate tracks row identity across ops for move inversion. Inserted
// rows are placeholders.
func simulate(rows []*html.Node, op vdom.ListOp) []*html.Node {
	out := append([]*html.Node(nil), rows...)
	switch op.Kind {
	case vdom.ListIns:
		at := op.Pos
		if at < 0 || at > len(out) {
			at = len(out)
		}
		out = append(out[:at], append([]*html.Node{nil}, out[at:]...)...)
	case vdom.ListDel:
		for i, r := range out {
			if r != nil {
				if k, _ := document.Attr(r, "data-key"); k == op.Key {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
		}
	case vdom.ListMov:
		if op.From >= 0 && op.From < len(out) {
			r := out[op.From]
			out = append(out[:op.From], out[op.From+1:]...)
			to := op.To
			if to < 0 || to > len(out) {
				to = len(out)
			}
			out = append(out[:to], append([]*html.Node{r}, out[to:]...)...)
		}
	}
	return out
}

func indexOf(rows []*html.Node, n *html.Node) int {
	for i, r := range rows {
		if r == n {
			return i
		}
	}
	return -1
}

// textOf returns the text setText would restore: the data of a text node or
// the content of an element holding only text
func textOf(n *html.Node) (string, bool) {
	switch n.Type {
	case html.TextNode:
		return n.Data, true
	case html.ElementNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.TextNode {
				return "", false
			}
		}
		return document.TextContent(n), true
	}
	return "", false
}

func topLevelCount(v *vdom.VNode) int {
	if v == nil {
		return 0
	}
	if v.Kind != vdom.KindFragment {
		return 1
	}
	count := 0
	for i := range v.Kids {
		count += topLevelCount(&v.Kids[i])
	}
	return count
}
