package document

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Decl is one CSS property declaration
type Decl struct {
	Property string
	Value    string
}

// Rule is a flat CSS rule; nested at-rules are not modelled
type Rule struct {
	Selector string
	Decls    []Decl
}

// StyleSheet is the rule list of one <style> element
type StyleSheet struct {
	Rules []*Rule
}

func parseDecls(s string) []Decl {
	var decls []Decl
	for _, part := range strings.Split(s, ";") {
		prop, val, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.TrimSpace(prop)
		if prop == "" {
			continue
		}
		decls = append(decls, Decl{Property: prop, Value: strings.TrimSpace(val)})
	}
	return decls
}

func formatDecls(decls []Decl) string {
	parts := make([]string, len(decls))
	for i, d := range decls {
		parts[i] = d.Property + ": " + d.Value
	}
	return strings.Join(parts, "; ")
}

func setDecl(decls []Decl, prop, val string) []Decl {
	for i := range decls {
		if decls[i].Property == prop {
			decls[i].Value = val
			return decls
		}
	}
	return append(decls, Decl{Property: prop, Value: val})
}

func removeDecl(decls []Decl, prop string) ([]Decl, bool) {
	for i := range decls {
		if decls[i].Property == prop {
			return append(decls[:i], decls[i+1:]...), true
		}
	}
	return decls, false
}

func lookupDecl(decls []Decl, prop string) (string, bool) {
	for _, d := range decls {
		if d.Property == prop {
			return d.Value, true
		}
	}
	return "", false
}

// StyleProperty returns one inline style property of n
func StyleProperty(n *html.Node, prop string) (string, bool) {
	s, _ := Attr(n, "style")
	return lookupDecl(parseDecls(s), prop)
}

// SetStyleProperty sets one inline style property of n
func SetStyleProperty(n *html.Node, prop, val string) {
	s, _ := Attr(n, "style")
	SetAttr(n, "style", formatDecls(setDecl(parseDecls(s), prop, val)))
}

// RemoveStyleProperty removes one inline style property of n; the style
// attribute is dropped once it is empty.
func RemoveStyleProperty(n *html.Node, prop string) {
	s, ok := Attr(n, "style")
	if !ok {
		return
	}
	decls, _ := removeDecl(parseDecls(s), prop)
	if len(decls) == 0 {
		RemoveAttr(n, "style")
		return
	}
	SetAttr(n, "style", formatDecls(decls))
}

// ParseStyleSheet parses flat CSS rules
func ParseStyleSheet(css string) *StyleSheet {
	css = stripComments(css)
	sheet := &StyleSheet{}
	for _, chunk := range strings.Split(css, "}") {
		sel, body, ok := strings.Cut(chunk, "{")
		if !ok {
			continue
		}
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		sheet.Rules = append(sheet.Rules, &Rule{Selector: sel, Decls: parseDecls(body)})
	}
	return sheet
}

func stripComments(css string) string {
	for {
		start := strings.Index(css, "/*")
		if start < 0 {
			return css
		}
		end := strings.Index(css[start+2:], "*/")
		if end < 0 {
			return css[:start]
		}
		css = css[:start] + css[start+2+end+2:]
	}
}

// String serializes the sheet
func (s *StyleSheet) String() string {
	var b strings.Builder
	for i, r := range s.Rules {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.Selector)
		b.WriteString(" { ")
		if len(r.Decls) > 0 {
			b.WriteString(formatDecls(r.Decls))
			b.WriteString("; ")
		}
		b.WriteString("}")
	}
	return b.String()
}

func (s *StyleSheet) rule(selector string) *Rule {
	for _, r := range s.Rules {
		if r.Selector == selector {
			return r
		}
	}
	return nil
}

// Sheet returns the parsed rule list of a <style> element
func (d *Document) Sheet(n *html.Node) (*StyleSheet, error) {
	if n.Type != html.ElementNode || n.DataAtom != atom.Style {
		return nil, fmt.Errorf("node <%s> is not a style element", n.Data)
	}
	id := d.ID(n)
	if sheet, ok := d.sheets[id]; ok {
		return sheet, nil
	}
	sheet := ParseStyleSheet(TextContent(n))
	d.sheets[id] = sheet
	return sheet, nil
}

// RuleDecl returns a declaration from the rule matching selector
func (d *Document) RuleDecl(n *html.Node, selector, prop string) (string, bool, error) {
	sheet, err := d.Sheet(n)
	if err != nil {
		return "", false, err
	}
	r := sheet.rule(selector)
	if r == nil {
		return "", false, nil
	}
	v, ok := lookupDecl(r.Decls, prop)
	return v, ok, nil
}

// SetRuleDecl sets a declaration, creating the rule when needed
func (d *Document) SetRuleDecl(n *html.Node, selector, prop, val string) error {
	sheet, err := d.Sheet(n)
	if err != nil {
		return err
	}
	r := sheet.rule(selector)
	if r == nil {
		r = &Rule{Selector: selector}
		sheet.Rules = append(sheet.Rules, r)
	}
	r.Decls = setDecl(r.Decls, prop, val)
	SetTextContent(n, sheet.String())
	return nil
}

// RemoveRuleDecl removes a declaration; an emptied rule is dropped
func (d *Document) RemoveRuleDecl(n *html.Node, selector, prop string) error {
	sheet, err := d.Sheet(n)
	if err != nil {
		return err
	}
	r := sheet.rule(selector)
	if r == nil {
		return nil
	}
	var removed bool
	r.Decls, removed = removeDecl(r.Decls, prop)
	if !removed {
		return nil
	}
	if len(r.Decls) == 0 {
		for i, candidate := range sheet.Rules {
			if candidate == r {
				sheet.Rules = append(sheet.Rules[:i], sheet.Rules[i+1:]...)
				break
			}
		}
	}
	SetTextContent(n, sheet.String())
	return nil
}
