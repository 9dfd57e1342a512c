package document

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/recera/vango-thin/internal/cache"
)

// FragmentParser parses markup snippets in the context of a container
// element. Parsed trees are cached by context tag and content hash and
// handed out as deep copies.
type FragmentParser struct {
	cache *cache.Cache[[]*html.Node]
}

// NewFragmentParser creates a parser backed by a cache with the given config
func NewFragmentParser(cfg cache.Config) *FragmentParser {
	return &FragmentParser{cache: cache.New[[]*html.Node](cfg)}
}

// Parse returns detached nodes for markup as if it were the inner HTML of
// an element shaped like context. A nil context parses as <body> content.
func (p *FragmentParser) Parse(context *html.Node, markup string) ([]*html.Node, error) {
	tag := "body"
	if context != nil && context.Type == html.ElementNode {
		tag = context.Data
	}

	key := cache.Key(tag, markup)
	if p != nil && p.cache != nil {
		if nodes, ok := p.cache.Get(key); ok {
			return cloneAll(nodes), nil
		}
	}

	ctx := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse fragment in <%s>: %w", tag, err)
	}
	if p != nil && p.cache != nil {
		p.cache.Put(key, nodes)
		return cloneAll(nodes), nil
	}
	return nodes, nil
}

// ParseElement parses markup expected to hold exactly one element, ignoring
// surrounding whitespace and comments.
func (p *FragmentParser) ParseElement(context *html.Node, markup string) (*html.Node, error) {
	nodes, err := p.Parse(context, markup)
	if err != nil {
		return nil, err
	}
	var el *html.Node
	for _, n := range nodes {
		if n.Type != html.ElementNode {
			continue
		}
		if el != nil {
			return nil, fmt.Errorf("fragment has more than one root element")
		}
		el = n
	}
	if el == nil {
		return nil, fmt.Errorf("fragment has no root element")
	}
	return el, nil
}

// Stats returns the cache statistics
func (p *FragmentParser) Stats() cache.Stats {
	if p == nil || p.cache == nil {
		return cache.Stats{}
	}
	return p.cache.GetStats()
}

func cloneAll(nodes []*html.Node) []*html.Node {
	out := make([]*html.Node, len(nodes))
	for i, n := range nodes {
		out[i] = Clone(n)
	}
	return out
}
