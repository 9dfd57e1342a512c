package dom

import (
	"fmt"

	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// setScript binds meta to n. A script already bound to n is cleaned up
// first, so at most one instance per node is ever live.
func (a *Applier) setScript(n *html.Node, meta vdom.ScriptMeta) error {
	if n.Type != html.ElementNode {
		return fmt.Errorf("setScript on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}
	a.delScript(n)

	a.scripts[a.doc.ID(n)] = meta
	a.stats.ScriptsMounted++
	if a.cb.OnScript != nil {
		a.safeCall("script "+meta.ScriptID, func() {
			a.cb.OnScript(meta, n)
		})
	}
	return nil
}

// delScript cleans up the script bound to n; without one it does nothing
func (a *Applier) delScript(n *html.Node) {
	id, ok := a.doc.LookupID(n)
	if !ok {
		return
	}
	meta, ok := a.scripts[id]
	if !ok {
		return
	}
	delete(a.scripts, id)
	a.stats.ScriptsCleaned++
	if a.cb.OnScriptCleanup != nil {
		a.safeCall("script cleanup "+meta.ScriptID, func() {
			a.cb.OnScriptCleanup(meta.ScriptID, n)
		})
	}
}

// ScriptOf returns the script bound to n
func (a *Applier) ScriptOf(n *html.Node) (vdom.ScriptMeta, bool) {
	id, ok := a.doc.LookupID(n)
	if !ok {
		return vdom.ScriptMeta{}, false
	}
	meta, ok := a.scripts[id]
	return meta, ok
}

// setRef registers n under id. An id already pointing at another node is
// moved to n.
func (a *Applier) setRef(n *html.Node, id string) error {
	if id == "" {
		return fmt.Errorf("setRef without id")
	}
	if old, ok := a.refs[id]; ok && old.Node != n {
		if oldID, tracked := a.doc.LookupID(old.Node); tracked {
			a.refsOf[oldID] = removeString(a.refsOf[oldID], id)
			if len(a.refsOf[oldID]) == 0 {
				delete(a.refsOf, oldID)
			}
		}
	}

	nid := a.doc.ID(n)
	rec, ok := a.refs[id]
	if !ok || rec.Node != n {
		rec = &RefRecord{ID: id, Node: n}
		a.refs[id] = rec
		a.refsOf[nid] = append(a.refsOf[nid], id)
	}
	if a.cb.OnRef != nil {
		a.safeCall("ref "+id, func() {
			a.cb.OnRef(id, n)
		})
	}
	return nil
}

// delRef unregisters id, or every ref of n when id is empty
func (a *Applier) delRef(n *html.Node, id string) {
	if id != "" {
		a.dropRef(id)
		return
	}
	nid, ok := a.doc.LookupID(n)
	if !ok {
		return
	}
	for _, refID := range append([]string(nil), a.refsOf[nid]...) {
		a.dropRef(refID)
	}
}

func (a *Applier) dropRef(id string) {
	rec, ok := a.refs[id]
	if !ok {
		return
	}
	delete(a.refs, id)
	if nid, tracked := a.doc.LookupID(rec.Node); tracked {
		a.refsOf[nid] = removeString(a.refsOf[nid], id)
		if len(a.refsOf[nid]) == 0 {
			delete(a.refsOf, nid)
		}
	}
	rec.Node = nil
	if a.cb.OnRefDelete != nil {
		a.safeCall("ref delete "+id, func() {
			a.cb.OnRefDelete(id)
		})
	}
}

// cleanupSubtree releases every resource held by n and its descendants,
// children first, while the nodes are still attached.
func (a *Applier) cleanupSubtree(n *html.Node) {
	document.WalkPost(n, func(c *html.Node) {
		nid, ok := a.doc.LookupID(c)
		if !ok {
			return
		}
		a.releaseHandlers(c)
		a.delScript(c)
		a.delRef(c, "")
		for _, slot := range append([]int(nil), a.slotsOf[nid]...) {
			delete(a.slots, slot)
		}
		delete(a.slotsOf, nid)
		delete(a.lists, nid)
	})
}
