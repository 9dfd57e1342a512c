package dom

import (
	"fmt"
	"strconv"

	"golang.org/x/net/html"

	"github.com/recera/vango-thin/internal/cache"
	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

const (
	slotAttr   = "data-slot"
	keyAttr    = "data-key"
	hiddenMark = "data-vs-hidden"
)

func fragmentCacheConfig() cache.Config {
	return cache.Config{MaxEntries: 128, Strategy: cache.LRU}
}

// WindowPolicy hides the rows of a slot list outside a window once the list
// grows past Threshold rows. Hidden rows stay mounted and addressable.
type WindowPolicy struct {
	Threshold int
	Size      int
}

type listState struct {
	start int
}

// applyList runs keyed child operations against a list container
func (a *Applier) applyList(container *html.Node, ops []vdom.ListOp) error {
	if container.Type != html.ElementNode {
		return fmt.Errorf("list on %s: %w", nodeKind(container), ErrWrongNodeKind)
	}
	for i, op := range ops {
		var err error
		switch op.Kind {
		case vdom.ListIns:
			err = a.listInsert(container, op.Pos, op.Row)
		case vdom.ListDel:
			err = a.listDelete(container, op.Key)
		case vdom.ListMov:
			err = a.listMove(container, op.From, op.To)
		default:
			err = fmt.Errorf("unknown list op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("list op %d: %w", i, err)
		}
	}
	a.applyWindow(container)
	return nil
}

// listInsert parses the row markup in the context of the container, binds
// its slots, handlers and refs and inserts it at pos among the rows.
// Slot paths and bindings resolve before the tree changes, so a row that
// fails to bind is never left in the document.
func (a *Applier) listInsert(container *html.Node, pos int, row *vdom.RowSpec) error {
	if row == nil {
		return fmt.Errorf("ins without row")
	}
	el, err := a.fragments.ParseElement(container, row.HTML)
	if err != nil {
		return fmt.Errorf("row %q: %w", row.Key, err)
	}
	var existing *html.Node
	if row.Key != "" {
		existing = findRow(container, row.Key)
	}

	slots := make(map[int]*html.Node, len(row.Slots))
	for _, sb := range row.Slots {
		target := el
		for _, idx := range sb.Path {
			if target = document.ChildAt(target, idx); target == nil {
				break
			}
		}
		if target == nil {
			return fmt.Errorf("row %q slot %d path %v: %w", row.Key, sb.ID, sb.Path, ErrTargetNotFound)
		}
		slots[sb.ID] = target
	}
	collectSlots(el, slots)

	targets := make([]*html.Node, len(row.Bindings))
	for i, b := range row.Bindings {
		target, ok := slots[b.Slot]
		if !ok {
			target, ok = a.Slot(b.Slot)
			if ok && existing != nil && within(target, existing) {
				ok = false
			}
		}
		if !ok {
			return fmt.Errorf("row %q binding slot %d: %w", row.Key, b.Slot, ErrTargetNotFound)
		}
		targets[i] = target
	}

	if existing != nil {
		a.removeNode(existing)
	}
	if row.Key != "" {
		document.SetAttr(el, keyAttr, row.Key)
	}
	rows := document.ElementChildren(container)
	if pos >= 0 && pos < len(rows) {
		container.InsertBefore(el, rows[pos])
	} else {
		container.AppendChild(el)
	}
	for id, n := range slots {
		a.RegisterSlot(id, n)
	}

	for i, b := range row.Bindings {
		if err := a.bindRow(targets[i], b); err != nil {
			a.removeNode(el)
			return fmt.Errorf("row %q binding slot %d: %w", row.Key, b.Slot, err)
		}
	}
	a.stats.RowsInserted++
	return nil
}

func (a *Applier) bindRow(target *html.Node, b vdom.Binding) error {
	if len(b.Handlers) > 0 {
		if err := a.setHandlers(target, b.Handlers); err != nil {
			return err
		}
	}
	if b.Ref != "" {
		return a.setRef(target, b.Ref)
	}
	return nil
}

// collectSlots adds the data-slot elements under n to slots
func collectSlots(n *html.Node, slots map[int]*html.Node) {
	document.Walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		if v, ok := document.Attr(c, slotAttr); ok {
			if id, err := strconv.Atoi(v); err == nil {
				slots[id] = c
			}
		}
		return true
	})
}

func within(n, root *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}

// listDelete removes the row with the given key, unbinding it first
func (a *Applier) listDelete(container *html.Node, key string) error {
	el := findRow(container, key)
	if el == nil {
		return fmt.Errorf("row %q: %w", key, ErrTargetNotFound)
	}
	a.removeNode(el)
	a.stats.RowsDeleted++
	return nil
}

// listMove relocates the row at element index from to element index to,
// keeping the node and its bindings.
func (a *Applier) listMove(container *html.Node, from, to int) error {
	rows := document.ElementChildren(container)
	if from < 0 || from >= len(rows) {
		return fmt.Errorf("row index %d: %w", from, ErrTargetNotFound)
	}
	el := rows[from]
	document.Detach(el)
	rows = append(rows[:from:from], rows[from+1:]...)
	if to >= 0 && to < len(rows) {
		container.InsertBefore(el, rows[to])
	} else {
		container.AppendChild(el)
	}
	a.stats.RowsMoved++
	return nil
}

// RowKeys returns the data-key of every row in a container, in order
func RowKeys(container *html.Node) []string {
	var keys []string
	for _, el := range document.ElementChildren(container) {
		k, _ := document.Attr(el, keyAttr)
		keys = append(keys, k)
	}
	return keys
}

func findRow(container *html.Node, key string) *html.Node {
	for c := container.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if k, ok := document.Attr(c, keyAttr); ok && k == key {
			return c
		}
	}
	return nil
}

// scanSlots registers every data-slot element under n
func (a *Applier) scanSlots(n *html.Node) int {
	count := 0
	document.Walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		if v, ok := document.Attr(c, slotAttr); ok {
			if id, err := strconv.Atoi(v); err == nil {
				a.RegisterSlot(id, c)
				count++
			}
		}
		return true
	})
	return count
}

// Hydrate registers the slots of a server-rendered tree and applies the
// window policy to every list container found. It returns the number of
// slots registered.
func (a *Applier) Hydrate() int {
	count := a.scanSlots(a.doc.Root())
	if a.window != nil {
		for _, id := range a.slots {
			if n, ok := a.doc.Node(id); ok && findAnyRow(n) {
				a.applyWindow(n)
			}
		}
	}
	return count
}

func findAnyRow(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && document.HasAttr(c, keyAttr) {
			return true
		}
	}
	return false
}

// ScrollList moves the visible window of a slot list to start at row start
func (a *Applier) ScrollList(slot, start int) error {
	container, ok := a.Slot(slot)
	if !ok {
		return fmt.Errorf("slot %d: %w", slot, ErrTargetNotFound)
	}
	if start < 0 {
		start = 0
	}
	a.listState(container).start = start
	a.applyWindow(container)
	return nil
}

func (a *Applier) listState(container *html.Node) *listState {
	id := a.doc.ID(container)
	st, ok := a.lists[id]
	if !ok {
		st = &listState{}
		a.lists[id] = st
	}
	return st
}

// applyWindow hides rows outside the window, or reveals every row the
// policy hid once the list is back under the threshold.
func (a *Applier) applyWindow(container *html.Node) {
	if a.window == nil || a.window.Size <= 0 {
		return
	}
	rows := document.ElementChildren(container)
	if len(rows) <= a.window.Threshold {
		for _, el := range rows {
			reveal(el)
		}
		return
	}

	st := a.listState(container)
	if st.start > len(rows)-a.window.Size {
		st.start = max(0, len(rows)-a.window.Size)
	}
	for i, el := range rows {
		if i >= st.start && i < st.start+a.window.Size {
			reveal(el)
		} else if !document.HasAttr(el, "hidden") {
			document.SetAttr(el, "hidden", "")
			document.SetAttr(el, hiddenMark, "")
		}
	}
}

func reveal(el *html.Node) {
	if document.HasAttr(el, hiddenMark) {
		document.RemoveAttr(el, hiddenMark)
		document.RemoveAttr(el, "hidden")
	}
}

// VisibleRows returns the rows of a container not hidden by the window policy
func VisibleRows(container *html.Node) []*html.Node {
	var out []*html.Node
	for _, el := range document.ElementChildren(container) {
		if !document.HasAttr(el, hiddenMark) {
			out = append(out, el)
		}
	}
	return out
}
