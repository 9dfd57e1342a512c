package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	htmlrender "github.com/recera/vango-thin/pkg/renderer/html"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// builder creates live nodes from descriptors and collects the ref and
// script mounts that must wait until the nodes are in the tree.
type builder struct {
	a      *Applier
	mounts []func()
	bound  []*html.Node
}

// abort releases handlers bound to nodes that never reached the tree
func (b *builder) abort() {
	for _, n := range b.bound {
		b.a.releaseHandlers(n)
		b.a.doc.Release(n)
	}
	b.bound = nil
	b.mounts = nil
}

func (b *builder) build(v *vdom.VNode) ([]*html.Node, error) {
	switch v.Kind {
	case vdom.KindText:
		return []*html.Node{document.NewText(v.Text)}, nil
	case vdom.KindComment:
		return []*html.Node{document.NewComment(v.Text)}, nil
	case vdom.KindFragment:
		var out []*html.Node
		for i := range v.Kids {
			nodes, err := b.build(&v.Kids[i])
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
		}
		return out, nil
	case vdom.KindElement:
		n, err := b.buildElement(v)
		if err != nil {
			return nil, err
		}
		return []*html.Node{n}, nil
	default:
		return nil, fmt.Errorf("unknown node kind %v", v.Kind)
	}
}

func (b *builder) buildElement(v *vdom.VNode) (*html.Node, error) {
	if v.Tag == "" {
		return nil, fmt.Errorf("element descriptor without tag")
	}
	a := b.a
	n := document.NewElement(v.Tag)
	n.Attr = htmlrender.DescriptorAttrs(v)
	a.stats.NodesCreated++

	if v.UnsafeHTML != "" {
		markup := v.UnsafeHTML
		if a.sanitizer != nil {
			markup = a.sanitizer.Sanitize(markup)
		}
		kids, err := a.fragments.Parse(n, markup)
		if err != nil {
			return nil, fmt.Errorf("unsafeHTML: %w", err)
		}
		for _, k := range kids {
			n.AppendChild(k)
		}
	} else {
		for i := range v.Kids {
			kids, err := b.build(&v.Kids[i])
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				n.AppendChild(k)
			}
		}
	}

	if len(v.Handlers) > 0 {
		if err := a.setHandlers(n, v.Handlers); err != nil {
			return nil, err
		}
		b.bound = append(b.bound, n)
	}
	if v.Ref != "" {
		ref := v.Ref
		b.mounts = append(b.mounts, func() { _ = a.setRef(n, ref) })
	}
	if v.Script != nil {
		meta := *v.Script
		b.mounts = append(b.mounts, func() { _ = a.setScript(n, meta) })
	}
	return n, nil
}

// mount registers slots found in inserted nodes and runs deferred mounts
func (b *builder) mount(nodes []*html.Node) {
	for _, n := range nodes {
		b.a.scanSlots(n)
	}
	for _, fn := range b.mounts {
		fn()
	}
	b.mounts = nil
}

// Create builds detached nodes from a descriptor. Refs and scripts of the
// descriptor are mounted only by the op that inserts the nodes.
func (a *Applier) Create(v *vdom.VNode) ([]*html.Node, error) {
	b := &builder{a: a}
	nodes, err := b.build(v)
	if err != nil {
		b.abort()
	}
	return nodes, err
}

// replaceNode swaps n for nodes built from v
func (a *Applier) replaceNode(n *html.Node, v *vdom.VNode) error {
	if v == nil {
		return fmt.Errorf("replaceNode without node")
	}
	parent := n.Parent
	if parent == nil {
		return fmt.Errorf("replaceNode on detached node: %w", ErrTargetNotFound)
	}

	b := &builder{a: a}
	nodes, err := b.build(v)
	if err != nil {
		b.abort()
		return err
	}

	for _, c := range nodes {
		parent.InsertBefore(c, n)
	}
	if n == a.doc.Root() {
		if len(nodes) != 1 || nodes[0].Type != html.ElementNode {
			for _, c := range nodes {
				parent.RemoveChild(c)
			}
			b.abort()
			return fmt.Errorf("mount root must be replaced by one element")
		}
		a.doc.SetRoot(nodes[0])
	}
	a.removeNode(n)
	b.mount(nodes)
	return nil
}

// addChild inserts nodes built from v at index; a negative index appends
func (a *Applier) addChild(parent *html.Node, index int, v *vdom.VNode) error {
	if v == nil {
		return fmt.Errorf("addChild without node")
	}
	if parent.Type != html.ElementNode && parent.Type != html.DocumentNode {
		return fmt.Errorf("addChild on %s: %w", nodeKind(parent), ErrWrongNodeKind)
	}

	b := &builder{a: a}
	nodes, err := b.build(v)
	if err != nil {
		b.abort()
		return err
	}
	at := index
	for _, c := range nodes {
		document.InsertAt(parent, c, at)
		if at >= 0 {
			at++
		}
	}
	b.mount(nodes)
	return nil
}

// delChild removes the child at index
func (a *Applier) delChild(parent *html.Node, index int) error {
	child := document.ChildAt(parent, index)
	if child == nil {
		return fmt.Errorf("child %d: %w", index, ErrTargetNotFound)
	}
	a.removeNode(child)
	return nil
}

// removeNode cleans up n depth-first, detaches it and drops its ids
func (a *Applier) removeNode(n *html.Node) {
	a.cleanupSubtree(n)
	document.Detach(n)
	a.doc.Release(n)
	a.stats.NodesRemoved++
}

// moveChild relocates a child of parent to index. A key in the move takes
// precedence over its from index when it resolves.
func (a *Applier) moveChild(parent *html.Node, mv *vdom.MoveSpec, index int) error {
	if mv == nil {
		return fmt.Errorf("moveChild without source")
	}
	child := a.FindChild(parent, mv.Key, mv.From)
	if child == nil {
		return fmt.Errorf("move source key=%q from=%d: %w", mv.Key, mv.From, ErrTargetNotFound)
	}
	document.Detach(child)
	document.InsertAt(parent, child, index)
	return nil
}

// FindChild resolves a moveChild source: the key first, then the index.
// Keys are "K:<key>" (or a bare key) matching data-key, or
// "E:<tag>|<attr>=<value>" matching a tag and discriminating attribute.
// When several siblings match, the first in document order wins.
func (a *Applier) FindChild(parent *html.Node, key string, from int) *html.Node {
	if key != "" {
		if c := findKeyed(parent, key); c != nil {
			return c
		}
	}
	if from >= 0 {
		return document.ChildAt(parent, from)
	}
	return nil
}

func findKeyed(parent *html.Node, key string) *html.Node {
	var match func(*html.Node) bool
	switch {
	case strings.HasPrefix(key, "E:"):
		tag, discriminator, _ := strings.Cut(strings.TrimPrefix(key, "E:"), "|")
		attr, val, hasVal := strings.Cut(discriminator, "=")
		match = func(c *html.Node) bool {
			if !strings.EqualFold(c.Data, tag) {
				return false
			}
			if attr == "" {
				return true
			}
			v, ok := document.Attr(c, attr)
			return ok && (!hasVal || v == val)
		}
	default:
		want := strings.TrimPrefix(key, "K:")
		match = func(c *html.Node) bool {
			v, ok := document.Attr(c, "data-key")
			return ok && v == want
		}
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && match(c) {
			return c
		}
	}
	return nil
}

// Signature returns the "E:" key identifying n by tag and one
// discriminating attribute (id, name, then data-key).
func Signature(n *html.Node) string {
	for _, attr := range []string{"id", "name", "data-key"} {
		if v, ok := document.Attr(n, attr); ok && v != "" {
			return "E:" + n.Data + "|" + attr + "=" + v
		}
	}
	return "E:" + n.Data
}
