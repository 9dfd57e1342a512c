package document

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selectors support a subset of CSS:
//   - tag, .class, #id and their combinations ("div.a.b#main")
//   - [attr] and [attr=val], repeatable
//   - the descendant (space) and child (>) combinators
//   - comma separated groups

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrSel
}

type attrSel struct {
	key    string
	val    string
	hasVal bool
}

type step struct {
	sel   compound
	child bool // combinator to the previous step is '>'
}

// Selector is a compiled selector group
type Selector struct {
	src    string
	groups [][]step
}

// CompileSelector parses a selector group
func CompileSelector(src string) (*Selector, error) {
	s := &Selector{src: src}
	for _, part := range strings.Split(src, ",") {
		steps, err := parseComplex(part)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", src, err)
		}
		s.groups = append(s.groups, steps)
	}
	return s, nil
}

// String returns the source text
func (s *Selector) String() string {
	return s.src
}

func parseComplex(src string) ([]step, error) {
	src = strings.ReplaceAll(src, ">", " > ")
	fields := strings.Fields(src)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty selector")
	}
	var steps []step
	child := false
	for _, f := range fields {
		if f == ">" {
			if len(steps) == 0 || child {
				return nil, fmt.Errorf("dangling combinator")
			}
			child = true
			continue
		}
		c, err := parseCompound(f)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{sel: c, child: child})
		child = false
	}
	if child {
		return nil, fmt.Errorf("dangling combinator")
	}
	return steps, nil
}

func parseCompound(sel string) (compound, error) {
	var c compound
	for {
		start := strings.IndexByte(sel, '[')
		if start < 0 {
			break
		}
		end := strings.IndexByte(sel[start:], ']')
		if end < 0 {
			return c, fmt.Errorf("unterminated attribute selector in %q", sel)
		}
		body := sel[start+1 : start+end]
		a := attrSel{key: body}
		if k, v, ok := strings.Cut(body, "="); ok {
			a = attrSel{key: k, val: strings.Trim(v, `"'`), hasVal: true}
		}
		c.attrs = append(c.attrs, a)
		sel = sel[:start] + sel[start+end+1:]
	}

	if strings.HasPrefix(sel, "*") {
		sel = sel[1:]
	}
	cut := strings.IndexAny(sel, ".#")
	if cut < 0 {
		c.tag = strings.ToLower(sel)
		return c, nil
	}
	c.tag = strings.ToLower(sel[:cut])
	rest := sel[cut:]
	for rest != "" {
		kind := rest[0]
		rest = rest[1:]
		next := strings.IndexAny(rest, ".#")
		name := rest
		if next >= 0 {
			name, rest = rest[:next], rest[next:]
		} else {
			rest = ""
		}
		if name == "" {
			return c, fmt.Errorf("empty name after %q", kind)
		}
		if kind == '#' {
			c.id = name
		} else {
			c.classes = append(c.classes, name)
		}
	}
	return c, nil
}

func (c compound) match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" {
		if v, _ := Attr(n, "id"); v != c.id {
			return false
		}
	}
	if len(c.classes) > 0 {
		v, _ := Attr(n, "class")
		have := strings.Fields(v)
		for _, want := range c.classes {
			found := false
			for _, h := range have {
				if h == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		v, ok := Attr(n, a.key)
		if !ok || a.hasVal && v != a.val {
			return false
		}
	}
	return true
}

// matchSteps checks steps right to left against n and its ancestors
func matchSteps(n *html.Node, steps []step) bool {
	last := len(steps) - 1
	if !steps[last].sel.match(n) {
		return false
	}
	if last == 0 {
		return true
	}
	if steps[last].child {
		return matchSteps(n.Parent, steps[:last])
	}
	for a := n.Parent; a != nil; a = a.Parent {
		if matchSteps(a, steps[:last]) {
			return true
		}
	}
	return false
}

// Matches reports whether n matches the selector
func (s *Selector) Matches(n *html.Node) bool {
	if n == nil {
		return false
	}
	for _, g := range s.groups {
		if matchSteps(n, g) {
			return true
		}
	}
	return false
}

// All returns every descendant of root matching the selector, in document order
func (s *Selector) All(root *html.Node) []*html.Node {
	var out []*html.Node
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, func(n *html.Node) bool {
			if s.Matches(n) {
				out = append(out, n)
			}
			return true
		})
	}
	return out
}

// First returns the first descendant of root matching the selector
func (s *Selector) First(root *html.Node) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := FindFirst(c, s.Matches); n != nil {
			return n
		}
	}
	return nil
}

// QuerySelector compiles sel and returns its first match under root
func QuerySelector(root *html.Node, sel string) (*html.Node, error) {
	s, err := CompileSelector(sel)
	if err != nil {
		return nil, err
	}
	return s.First(root), nil
}

// QuerySelectorAll compiles sel and returns every match under root
func QuerySelectorAll(root *html.Node, sel string) ([]*html.Node, error) {
	s, err := CompileSelector(sel)
	if err != nil {
		return nil, err
	}
	return s.All(root), nil
}

// Matches compiles sel and matches it against n
func Matches(n *html.Node, sel string) (bool, error) {
	s, err := CompileSelector(sel)
	if err != nil {
		return false, err
	}
	return s.Matches(n), nil
}
