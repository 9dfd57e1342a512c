package html

import (
	"fmt"
	"html"
	"io"
	"sort"
	"strconv"
	"strings"

	xhtml "golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// voidElements are HTML elements that cannot have children
var voidElements = map[string]bool{
	"area":   true,
	"base":   true,
	"br":     true,
	"col":    true,
	"embed":  true,
	"hr":     true,
	"img":    true,
	"input":  true,
	"link":   true,
	"meta":   true,
	"param":  true,
	"source": true,
	"track":  true,
	"wbr":    true,
}

// booleanAttributes are HTML attributes that are boolean flags
var booleanAttributes = map[string]bool{
	"checked":   true,
	"disabled":  true,
	"readonly":  true,
	"required":  true,
	"selected":  true,
	"defer":     true,
	"async":     true,
	"multiple":  true,
	"autofocus": true,
	"hidden":    true,
	"open":      true,
}

// rawTextElements keep their text content unescaped
var rawTextElements = map[string]bool{
	"script": true,
	"style":  true,
}

// Renderer serializes live trees and node descriptors to HTML.
// Output is deterministic: live attributes keep their order on the node,
// descriptor attributes are sorted by name.
type Renderer struct {
	w   io.Writer
	err error
}

// NewRenderer creates a renderer writing to w
func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

// write helper that tracks errors
func (r *Renderer) write(s string) {
	if r.err != nil {
		return
	}
	_, r.err = io.WriteString(r.w, s)
}

// Node renders n and its descendants
func (r *Renderer) Node(n *xhtml.Node) error {
	r.renderNode(n, false)
	return r.err
}

// Children renders the descendants of n without n itself
func (r *Renderer) Children(n *xhtml.Node) error {
	raw := n.Type == xhtml.ElementNode && rawTextElements[n.Data]
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.renderNode(c, raw)
	}
	return r.err
}

func (r *Renderer) renderNode(n *xhtml.Node, raw bool) {
	if n == nil || r.err != nil {
		return
	}

	switch n.Type {
	case xhtml.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			r.renderNode(c, false)
		}

	case xhtml.DoctypeNode:
		r.write("<!DOCTYPE ")
		r.write(n.Data)
		r.write(">")

	case xhtml.TextNode:
		if raw {
			r.write(n.Data)
		} else {
			r.write(html.EscapeString(n.Data))
		}

	case xhtml.CommentNode:
		r.write("<!--")
		r.write(n.Data)
		r.write("-->")

	case xhtml.ElementNode:
		r.write("<")
		r.write(n.Data)
		for _, a := range n.Attr {
			r.write(" ")
			if a.Namespace != "" {
				r.write(a.Namespace)
				r.write(":")
			}
			r.write(a.Key)
			if a.Val == "" && booleanAttributes[a.Key] {
				continue
			}
			r.write(`="`)
			r.write(html.EscapeString(a.Val))
			r.write(`"`)
		}
		r.write(">")

		// Void elements don't have closing tags or children
		if voidElements[n.Data] {
			return
		}

		isRaw := rawTextElements[n.Data]
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			r.renderNode(c, isRaw)
		}

		r.write("</")
		r.write(n.Data)
		r.write(">")
	}
}

// VNode renders a node descriptor
func (r *Renderer) VNode(node *vdom.VNode) error {
	r.renderVNode(node, false)
	return r.err
}

func (r *Renderer) renderVNode(node *vdom.VNode, raw bool) {
	if node == nil || r.err != nil {
		return
	}

	switch node.Kind {
	case vdom.KindText:
		if raw {
			r.write(node.Text)
		} else {
			// HTML escape text content to prevent XSS
			r.write(html.EscapeString(node.Text))
		}

	case vdom.KindComment:
		r.write("<!--")
		r.write(node.Text)
		r.write("-->")

	case vdom.KindElement:
		r.renderVElement(node)

	case vdom.KindFragment:
		// Fragments just render their children
		for i := range node.Kids {
			r.renderVNode(&node.Kids[i], raw)
		}
	}
}

// renderVElement renders an element descriptor
func (r *Renderer) renderVElement(node *vdom.VNode) {
	r.write("<")
	r.write(node.Tag)

	for _, attr := range DescriptorAttrs(node) {
		r.write(" ")
		r.write(attr.Key)
		if attr.Val == "" && booleanAttributes[attr.Key] {
			continue
		}
		r.write(`="`)
		r.write(html.EscapeString(attr.Val))
		r.write(`"`)
	}

	r.write(">")

	if voidElements[node.Tag] {
		return
	}

	if node.UnsafeHTML != "" {
		r.write(node.UnsafeHTML)
	} else {
		isRaw := rawTextElements[node.Tag]
		for i := range node.Kids {
			r.renderVNode(&node.Kids[i], isRaw)
		}
	}

	r.write("</")
	r.write(node.Tag)
	r.write(">")
}

// DescriptorAttrs returns the attributes an element descriptor renders to,
// sorted by name. Boolean true renders as an empty attribute and false is
// omitted; data-key and style are derived from Key and Style.
func DescriptorAttrs(node *vdom.VNode) []xhtml.Attribute {
	var attrs []xhtml.Attribute
	for key, value := range node.Props {
		if key == "key" || key == "ref" {
			continue
		}
		val, ok := AttrString(value)
		if !ok {
			continue
		}

		// Security: prevent javascript: URLs in href/src attributes
		if (key == "href" || key == "src") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(val)), "javascript:") {
			val = "#"
		}
		attrs = append(attrs, xhtml.Attribute{Key: key, Val: val})
	}
	if key := node.GetKey(); key != "" {
		attrs = append(attrs, xhtml.Attribute{Key: "data-key", Val: key})
	}
	if len(node.Style) > 0 {
		props := make([]string, 0, len(node.Style))
		for p := range node.Style {
			props = append(props, p)
		}
		sort.Strings(props)
		decls := make([]string, len(props))
		for i, p := range props {
			decls[i] = p + ": " + node.Style[p]
		}
		attrs = append(attrs, xhtml.Attribute{Key: "style", Val: strings.Join(decls, "; ")})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

// AttrString stringifies an attribute value; ok is false when the
// attribute should be omitted.
func AttrString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case bool:
		return "", v
	case string:
		return v, true
	case []string:
		return strings.Join(v, " "), true
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " "), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// RenderToString renders a live node and its descendants
func RenderToString(n *xhtml.Node) string {
	var buf strings.Builder
	_ = NewRenderer(&buf).Node(n)
	return buf.String()
}

// InnerHTML renders the descendants of a live node
func InnerHTML(n *xhtml.Node) string {
	var buf strings.Builder
	_ = NewRenderer(&buf).Children(n)
	return buf.String()
}

// RenderVNode renders a node descriptor to a string
func RenderVNode(node *vdom.VNode) (string, error) {
	var buf strings.Builder
	if err := NewRenderer(&buf).VNode(node); err != nil {
		return "", err
	}
	return buf.String(), nil
}
