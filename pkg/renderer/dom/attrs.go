package dom

import (
	"fmt"
	"sort"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/recera/vango-thin/pkg/document"
)

// setText replaces the data of a text node or the content of an element
func (a *Applier) setText(n *html.Node, text string) error {
	switch n.Type {
	case html.TextNode:
		n.Data = text
		return nil
	case html.ElementNode:
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			a.removeNode(c)
			c = next
		}
		document.SetTextContent(n, text)
		if n.DataAtom == atom.Textarea {
			a.doc.SetProperty(n, "value", text)
		}
		return nil
	default:
		return fmt.Errorf("setText on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}
}

// setComment replaces the data of a comment node
func (a *Applier) setComment(n *html.Node, text string) error {
	if n.Type != html.CommentNode {
		return fmt.Errorf("setComment on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}
	n.Data = text
	return nil
}

// isFormControl reports whether value is a live property on n
func isFormControl(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Input, atom.Textarea, atom.Select:
		return true
	}
	return false
}

// setAttr sets an attribute, mapping form state to live properties
func (a *Applier) setAttr(n *html.Node, name, value string) error {
	if n.Type != html.ElementNode {
		return fmt.Errorf("setAttr on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}

	// Special handling for certain attributes
	switch {
	case name == "class":
		document.SetAttr(n, "class", value)
	case name == "value" && isFormControl(n):
		a.doc.SetProperty(n, "value", value)
	case name == "checked" && n.DataAtom == atom.Input:
		a.doc.SetProperty(n, "checked", value != "false")
	case name == "selected" && n.DataAtom == atom.Option:
		a.doc.SetProperty(n, "selected", value != "false")
	default:
		document.SetAttr(n, name, value)
	}
	return nil
}

// delAttr removes an attribute, clearing live properties for form state
func (a *Applier) delAttr(n *html.Node, name string) error {
	if n.Type != html.ElementNode {
		return fmt.Errorf("delAttr on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}

	switch {
	case name == "value" && isFormControl(n):
		a.doc.SetProperty(n, "value", "")
	case name == "checked" && n.DataAtom == atom.Input:
		a.doc.SetProperty(n, "checked", false)
	case name == "selected" && n.DataAtom == atom.Option:
		a.doc.SetProperty(n, "selected", false)
	default:
		document.RemoveAttr(n, name)
	}
	return nil
}

// setAttrs applies a slot attribute map; nil values remove
func (a *Applier) setAttrs(n *html.Node, attrs map[string]*string) error {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var err error
		if v := attrs[name]; v == nil {
			err = a.delAttr(n, name)
		} else {
			err = a.setAttr(n, name, *v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadAttr returns the effective value of an attribute as setAttr would
// have written it, reading live properties for form state.
func (a *Applier) ReadAttr(n *html.Node, name string) (string, bool) {
	switch {
	case name == "value" && isFormControl(n):
		if _, ok := a.doc.Property(n, "value"); ok {
			return a.doc.Value(n), true
		}
	case name == "checked" && n.DataAtom == atom.Input:
		if _, ok := a.doc.Property(n, "checked"); ok {
			if a.doc.Checked(n) {
				return "", true
			}
			return "", false
		}
	case name == "selected" && n.DataAtom == atom.Option:
		if _, ok := a.doc.Property(n, "selected"); ok {
			if a.doc.Selected(n) {
				return "", true
			}
			return "", false
		}
	}
	return document.Attr(n, name)
}

// setStyle sets one inline style property
func (a *Applier) setStyle(n *html.Node, prop, value string) error {
	if n.Type != html.ElementNode {
		return fmt.Errorf("setStyle on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}
	document.SetStyleProperty(n, prop, value)
	return nil
}

// delStyle removes one inline style property
func (a *Applier) delStyle(n *html.Node, prop string) error {
	if n.Type != html.ElementNode {
		return fmt.Errorf("delStyle on %s: %w", nodeKind(n), ErrWrongNodeKind)
	}
	document.RemoveStyleProperty(n, prop)
	return nil
}

func nodeKind(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return "text node"
	case html.CommentNode:
		return "comment node"
	case html.ElementNode:
		return "<" + n.Data + ">"
	case html.DocumentNode:
		return "document"
	default:
		return "node"
	}
}
