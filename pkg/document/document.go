// Package document provides the DOM-equivalent tree the client patches.
//
// Nodes are golang.org/x/net/html nodes. Everything the browser would keep
// beside a node (listeners, live form properties, style sheets) lives in
// tables keyed by a NodeID assigned on first use. Those entries are removed
// only by an explicit Release, never by garbage collection.
package document

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// NodeID is the stable identity of a node inside one Document
type NodeID uint32

// Document owns a mounted tree and every per-node side table
type Document struct {
	top  *html.Node
	root *html.Node

	ids   map[*html.Node]NodeID
	nodes map[NodeID]*html.Node
	next  NodeID

	props     map[NodeID]map[string]any
	listeners map[NodeID][]*listener
	sheets    map[NodeID]*StyleSheet

	nextListener ListenerID
	focused      *html.Node
}

// New creates a document mounted at root
func New(root *html.Node) *Document {
	top := root
	for top.Parent != nil {
		top = top.Parent
	}
	return &Document{
		top:       top,
		root:      root,
		ids:       make(map[*html.Node]NodeID),
		nodes:     make(map[NodeID]*html.Node),
		next:      1,
		props:     make(map[NodeID]map[string]any),
		listeners: make(map[NodeID][]*listener),
		sheets:    make(map[NodeID]*StyleSheet),
	}
}

// Parse reads a full HTML page and mounts the document at its <body>
func Parse(r io.Reader) (*Document, error) {
	top, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := FindFirst(top, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Body
	})
	if body == nil {
		return nil, fmt.Errorf("parse html: no <body>")
	}
	return New(body), nil
}

// ParseString is Parse on a string
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the mount root
func (d *Document) Root() *html.Node {
	return d.root
}

// Top returns the topmost node of the tree the root belongs to
func (d *Document) Top() *html.Node {
	return d.top
}

// SetRoot changes the mount root, used when the root itself is replaced
func (d *Document) SetRoot(n *html.Node) {
	d.root = n
	if n.Parent == nil {
		d.top = n
	}
}

// ID returns the id of n, assigning one on first use
func (d *Document) ID(n *html.Node) NodeID {
	if id, ok := d.ids[n]; ok {
		return id
	}
	id := d.next
	d.next++
	d.ids[n] = id
	d.nodes[id] = n
	return id
}

// LookupID returns the id of n without assigning one
func (d *Document) LookupID(n *html.Node) (NodeID, bool) {
	id, ok := d.ids[n]
	return id, ok
}

// Node returns the node registered under id
func (d *Document) Node(id NodeID) (*html.Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Release drops every side-table entry of n and its descendants
func (d *Document) Release(n *html.Node) {
	Walk(n, func(c *html.Node) bool {
		id, ok := d.ids[c]
		if !ok {
			return true
		}
		delete(d.ids, c)
		delete(d.nodes, id)
		delete(d.props, id)
		delete(d.listeners, id)
		delete(d.sheets, id)
		if d.focused == c {
			d.focused = nil
		}
		return true
	})
}

// Tracked returns the number of nodes holding an id
func (d *Document) Tracked() int {
	return len(d.ids)
}

// Contains reports whether n is attached under the mount root
func (d *Document) Contains(n *html.Node) bool {
	for c := n; c != nil; c = c.Parent {
		if c == d.root {
			return true
		}
	}
	return false
}

// Property returns a live property of n
func (d *Document) Property(n *html.Node, name string) (any, bool) {
	id, ok := d.ids[n]
	if !ok {
		return nil, false
	}
	v, ok := d.props[id][name]
	return v, ok
}

// SetProperty sets a live property that shadows the attribute of the same name
func (d *Document) SetProperty(n *html.Node, name string, value any) {
	id := d.ID(n)
	m := d.props[id]
	if m == nil {
		m = make(map[string]any)
		d.props[id] = m
	}
	m[name] = value
}

// Value returns the live value of a form control
func (d *Document) Value(n *html.Node) string {
	if v, ok := d.Property(n, "value"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if n.DataAtom == atom.Textarea {
		return TextContent(n)
	}
	v, _ := Attr(n, "value")
	return v
}

// Checked returns the live checked state of an input
func (d *Document) Checked(n *html.Node) bool {
	if v, ok := d.Property(n, "checked"); ok {
		b, _ := v.(bool)
		return b
	}
	return HasAttr(n, "checked")
}

// Selected returns the live selected state of an option
func (d *Document) Selected(n *html.Node) bool {
	if v, ok := d.Property(n, "selected"); ok {
		b, _ := v.(bool)
		return b
	}
	return HasAttr(n, "selected")
}

// Focus moves focus to n
func (d *Document) Focus(n *html.Node) {
	d.focused = n
}

// Blur clears focus if n holds it
func (d *Document) Blur(n *html.Node) {
	if d.focused == n {
		d.focused = nil
	}
}

// Focused returns the focused node, if any
func (d *Document) Focused() *html.Node {
	return d.focused
}

// NewElement creates a detached element node
func NewElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
}

// NewText creates a detached text node
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// NewComment creates a detached comment node
func NewComment(s string) *html.Node {
	return &html.Node{Type: html.CommentNode, Data: s}
}

// IsElement reports whether n is an element, optionally of the given tag
func IsElement(n *html.Node, tags ...string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if strings.EqualFold(n.Data, t) {
			return true
		}
	}
	return false
}

// Attr returns the value of an attribute
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether an attribute is present
func HasAttr(n *html.Node, key string) bool {
	_, ok := Attr(n, key)
	return ok
}

// SetAttr sets an attribute, keeping its position when it already exists
func SetAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr removes an attribute
func RemoveAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// TextContent returns the concatenated text of n and its descendants
func TextContent(n *html.Node) string {
	switch n.Type {
	case html.TextNode, html.CommentNode:
		return n.Data
	}
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// SetTextContent replaces the content of n with a single text node. Callers
// must release the removed children first.
func SetTextContent(n *html.Node, s string) {
	switch n.Type {
	case html.TextNode, html.CommentNode:
		n.Data = s
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	if s != "" {
		n.AppendChild(NewText(s))
	}
}

// Children returns the child nodes of n
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// ElementChildren returns the element children of n
func ElementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// ChildAt returns the i-th child node of n, or nil
func ChildAt(n *html.Node, i int) *html.Node {
	if i < 0 {
		return nil
	}
	c := n.FirstChild
	for ; c != nil && i > 0; i-- {
		c = c.NextSibling
	}
	return c
}

// ChildIndex returns the position of n among its siblings
func ChildIndex(n *html.Node) int {
	if n.Parent == nil {
		return -1
	}
	i := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c == n {
			return i
		}
		i++
	}
	return -1
}

// ChildCount returns the number of child nodes of n
func ChildCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}

// InsertAt inserts child so that it ends up at index i; a negative or
// out-of-range index appends.
func InsertAt(parent, child *html.Node, i int) {
	if ref := ChildAt(parent, i); ref != nil {
		parent.InsertBefore(child, ref)
		return
	}
	parent.AppendChild(child)
}

// Detach removes n from its parent, if any
func Detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Walk visits n and its descendants in document order. Returning false
// from fn skips the children of the visited node.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// WalkPost visits the descendants of n before n itself
func WalkPost(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		WalkPost(c, fn)
		c = next
	}
	fn(n)
}

// FindFirst returns the first node in document order matching pred
func FindFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	Walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if pred(c) {
			found = c
			return false
		}
		return true
	})
	return found
}

// Clone deep-copies n into a detached tree
func Clone(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		c.Attr = make([]html.Attribute, len(n.Attr))
		copy(c.Attr, n.Attr)
	}
	for k := n.FirstChild; k != nil; k = k.NextSibling {
		c.AppendChild(Clone(k))
	}
	return c
}
