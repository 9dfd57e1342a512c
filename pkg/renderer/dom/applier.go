// Package dom applies server patch streams to a live document tree.
//
// The Applier is the only writer of the tree while a batch is applied. Every
// per-node resource it creates (listeners, debounce timers, scripts, refs,
// slots) is recorded in a table keyed by document.NodeID and released
// depth-first before the node leaves the tree.
package dom

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/golang/glog"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/scheduler"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

var (
	// ErrTargetNotFound is returned when a path, slot or key does not resolve
	ErrTargetNotFound = errors.New("patch target not found")
	// ErrWrongNodeKind is returned when an op does not fit the addressed node
	ErrWrongNodeKind = errors.New("op does not apply to node kind")
)

// Callbacks receive the side effects of patch application
type Callbacks struct {
	// OnEvent is called when a bound handler fires
	OnEvent func(hid string, payload map[string]any)
	// OnRef is called when a node is registered under a ref id
	OnRef func(id string, n *html.Node)
	// OnRefDelete is called when a ref id is unregistered
	OnRefDelete func(id string)
	// OnScript is called once a script is bound to a node in the tree
	OnScript func(meta vdom.ScriptMeta, n *html.Node)
	// OnScriptCleanup is called before a bound script is replaced or its
	// node is removed
	OnScriptCleanup func(scriptID string, n *html.Node)
}

// Options configures an Applier
type Options struct {
	Callbacks Callbacks

	// Scheduler drives debounce and throttle timers. Without one, deferred
	// handlers fire synchronously.
	Scheduler scheduler.Scheduler

	// Fragments parses list row markup; a private parser is created when nil
	Fragments *document.FragmentParser

	// Window enables virtual scrolling of slot lists
	Window *WindowPolicy

	// Sanitizer filters unsafeHTML content when set
	Sanitizer *bluemonday.Policy
}

// Stats counts applier activity
type Stats struct {
	Applied         int
	Skipped         int
	NodesCreated    int
	NodesRemoved    int
	HandlersFired   int
	HandlerPanics   int
	ScriptsMounted  int
	ScriptsCleaned  int
	RowsInserted    int
	RowsDeleted     int
	RowsMoved       int
	ListenersActive int
}

// Result reports the outcome of one Apply call
type Result struct {
	Applied int
	Skipped int
	Errors  []error
}

// Err joins the errors of skipped patches
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// RefRecord is a ref id registered against a node. The tree owns the node;
// the record is dropped when the node is removed.
type RefRecord struct {
	ID   string
	Node *html.Node
	Meta map[string]any
}

// Applier applies patches to a document
type Applier struct {
	doc       *document.Document
	cb        Callbacks
	sched     scheduler.Scheduler
	fragments *document.FragmentParser
	window    *WindowPolicy
	sanitizer *bluemonday.Policy

	slots    map[int]document.NodeID
	slotsOf  map[document.NodeID][]int
	handlers map[document.NodeID]*handlerSet
	scripts  map[document.NodeID]vdom.ScriptMeta
	refs     map[string]*RefRecord
	refsOf   map[document.NodeID][]string
	lists    map[document.NodeID]*listState

	stats Stats
}

// NewApplier creates an applier for doc
func NewApplier(doc *document.Document, opts Options) *Applier {
	fragments := opts.Fragments
	if fragments == nil {
		fragments = document.NewFragmentParser(fragmentCacheConfig())
	}
	return &Applier{
		doc:       doc,
		cb:        opts.Callbacks,
		sched:     opts.Scheduler,
		fragments: fragments,
		window:    opts.Window,
		sanitizer: opts.Sanitizer,
		slots:     make(map[int]document.NodeID),
		slotsOf:   make(map[document.NodeID][]int),
		handlers:  make(map[document.NodeID]*handlerSet),
		scripts:   make(map[document.NodeID]vdom.ScriptMeta),
		refs:      make(map[string]*RefRecord),
		refsOf:    make(map[document.NodeID][]string),
		lists:     make(map[document.NodeID]*listState),
	}
}

// Document returns the patched document
func (a *Applier) Document() *document.Document {
	return a.doc
}

// SetCallbacks replaces the callback set
func (a *Applier) SetCallbacks(cb Callbacks) {
	a.cb = cb
}

// Stats returns activity counters
func (a *Applier) Stats() Stats {
	s := a.stats
	s.ListenersActive = 0
	for _, set := range a.handlers {
		for _, h := range set.bound {
			s.ListenersActive += len(h.listeners)
		}
	}
	return s
}

// SortBySeq returns patches stable-sorted by batch seq
func SortBySeq(patches []vdom.Patch) []vdom.Patch {
	sorted := make([]vdom.Patch, len(patches))
	copy(sorted, patches)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	return sorted
}

// Apply applies a batch in batch-seq order. A patch that fails is skipped
// and logged; later patches still apply.
func (a *Applier) Apply(patches []vdom.Patch) Result {
	var res Result
	for _, p := range SortBySeq(patches) {
		if err := a.ApplyOne(p); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Applied++
	}
	return res
}

// ApplyOne applies a single patch, recovering from panics
func (a *Applier) ApplyOne(p vdom.Patch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", p, r)
			glog.Errorf("[DOM] panic applying %s: %v\n%s", p, r, debug.Stack())
		}
		if err != nil {
			a.stats.Skipped++
			glog.Warningf("[DOM] skipping patch: %v", err)
		} else {
			a.stats.Applied++
		}
	}()

	if glog.V(2) {
		glog.Infof("[DOM] Applying patch: %s", p)
	}

	n, err := a.Resolve(p.Target)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if err := a.applyPatch(n, p); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

// applyPatch dispatches on the op
func (a *Applier) applyPatch(n *html.Node, p vdom.Patch) error {
	switch p.Op {
	case vdom.OpSetText:
		return a.setText(n, p.Value)
	case vdom.OpSetComment:
		return a.setComment(n, p.Value)
	case vdom.OpSetAttr:
		return a.setAttr(n, p.Name, p.Value)
	case vdom.OpDelAttr:
		return a.delAttr(n, p.Name)
	case vdom.OpSetAttrs:
		return a.setAttrs(n, p.Attrs)
	case vdom.OpSetStyle:
		return a.setStyle(n, p.Name, p.Value)
	case vdom.OpDelStyle:
		return a.delStyle(n, p.Name)
	case vdom.OpSetStyleDecl:
		return a.doc.SetRuleDecl(n, p.Selector, p.Name, p.Value)
	case vdom.OpDelStyleDecl:
		return a.doc.RemoveRuleDecl(n, p.Selector, p.Name)
	case vdom.OpSetHandlers:
		return a.setHandlers(n, p.Handlers)
	case vdom.OpSetScript:
		if p.Script == nil {
			return fmt.Errorf("setScript without script")
		}
		return a.setScript(n, *p.Script)
	case vdom.OpDelScript:
		a.delScript(n)
		return nil
	case vdom.OpSetRef:
		return a.setRef(n, p.Value)
	case vdom.OpDelRef:
		a.delRef(n, p.Value)
		return nil
	case vdom.OpReplaceNode:
		return a.replaceNode(n, p.Node)
	case vdom.OpAddChild:
		return a.addChild(n, p.Index, p.Node)
	case vdom.OpDelChild:
		return a.delChild(n, p.Index)
	case vdom.OpMoveChild:
		return a.moveChild(n, p.Move, p.Index)
	case vdom.OpList:
		return a.applyList(n, p.List)
	default:
		return fmt.Errorf("unknown patch operation: %v", p.Op)
	}
}

// Resolve returns the node a reference addresses
func (a *Applier) Resolve(ref vdom.NodeRef) (*html.Node, error) {
	if ref.BySlot {
		n, ok := a.Slot(ref.Slot)
		if !ok {
			return nil, fmt.Errorf("slot %d: %w", ref.Slot, ErrTargetNotFound)
		}
		return n, nil
	}
	n := a.doc.Root()
	for depth, idx := range ref.Path {
		n = document.ChildAt(n, idx)
		if n == nil {
			return nil, fmt.Errorf("path %s at depth %d: %w", ref, depth, ErrTargetNotFound)
		}
	}
	return n, nil
}

// PathOf returns the path reference of a node attached under the root
func (a *Applier) PathOf(n *html.Node) (vdom.NodeRef, bool) {
	root := a.doc.Root()
	var rev []int
	for c := n; c != root; c = c.Parent {
		if c == nil || c.Parent == nil {
			return vdom.NodeRef{}, false
		}
		rev = append(rev, document.ChildIndex(c))
	}
	path := make([]int, len(rev))
	for i, idx := range rev {
		path[len(rev)-1-i] = idx
	}
	return vdom.PathRef(path...), true
}

// Slot returns the node registered under a slot id
func (a *Applier) Slot(id int) (*html.Node, bool) {
	nid, ok := a.slots[id]
	if !ok {
		return nil, false
	}
	return a.doc.Node(nid)
}

// RegisterSlot registers n under a slot id, replacing any previous node
func (a *Applier) RegisterSlot(id int, n *html.Node) {
	if old, ok := a.slots[id]; ok {
		a.slotsOf[old] = removeInt(a.slotsOf[old], id)
		if len(a.slotsOf[old]) == 0 {
			delete(a.slotsOf, old)
		}
	}
	nid := a.doc.ID(n)
	a.slots[id] = nid
	a.slotsOf[nid] = append(a.slotsOf[nid], id)
}

// SlotCount returns the number of registered slots
func (a *Applier) SlotCount() int {
	return len(a.slots)
}

// Ref returns the record registered under a ref id
func (a *Applier) Ref(id string) (*RefRecord, bool) {
	r, ok := a.refs[id]
	return r, ok
}

// RefCount returns the number of registered refs
func (a *Applier) RefCount() int {
	return len(a.refs)
}

// safeCall runs a user callback, logging instead of propagating panics
func (a *Applier) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.stats.HandlerPanics++
			glog.Errorf("[DOM] %s panicked: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

func removeInt(list []int, v int) []int {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func removeString(list []string, v string) []string {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
