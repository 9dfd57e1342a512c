package vdom

import (
	"encoding/json"
	"fmt"
)

// VKind represents the type of a node descriptor
type VKind uint8

const (
	// KindElement represents a DOM element node
	KindElement VKind = iota
	// KindText represents a text node
	KindText
	// KindComment represents a comment node
	KindComment
	// KindFragment represents a fragment (multiple children without parent)
	KindFragment
)

var kindNames = map[VKind]string{
	KindElement:  "element",
	KindText:     "text",
	KindComment:  "comment",
	KindFragment: "fragment",
}

// String returns the wire name of the kind
func (k VKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler
func (k VKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *VKind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown node kind %q", b)
}

// Props represents the attributes of an element descriptor.
// Values are stringified; a bool true renders as an empty (boolean)
// attribute and a bool false omits the attribute.
type Props map[string]any

// VNode is a structured node descriptor shipped by the server for
// addChild and replaceNode. The client builds live nodes from it.
type VNode struct {
	// Kind determines the type of this node
	Kind VKind `json:"kind"`

	// Tag is the element tag name (e.g., "div", "span")
	// Only used when Kind == KindElement
	Tag string `json:"tag,omitempty"`

	// Props contains the element attributes
	Props Props `json:"attrs,omitempty"`

	// Style contains inline style properties
	Style map[string]string `json:"style,omitempty"`

	// Handlers is the event-handler set attached on creation
	Handlers []HandlerMeta `json:"handlers,omitempty"`

	// Script is mounted once the element is in the tree
	Script *ScriptMeta `json:"script,omitempty"`

	// Ref registers the element under a ref id once it is in the tree
	Ref string `json:"ref,omitempty"`

	// Key is rendered as data-key and used by keyed moves
	Key string `json:"key,omitempty"`

	// Text content (KindText and KindComment)
	Text string `json:"text,omitempty"`

	// UnsafeHTML replaces child rendering with raw markup
	UnsafeHTML string `json:"unsafeHTML,omitempty"`

	// Kids contains child nodes
	Kids []VNode `json:"children,omitempty"`
}

// UnmarshalJSON defaults the kind from the shape when it is omitted:
// a descriptor with a tag is an element, otherwise a text node.
func (v *VNode) UnmarshalJSON(data []byte) error {
	type plain VNode
	var aux struct {
		plain
		Kind *VKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*v = VNode(aux.plain)
	switch {
	case aux.Kind != nil:
		v.Kind = *aux.Kind
	case v.Tag != "":
		v.Kind = KindElement
	default:
		v.Kind = KindText
	}
	return nil
}

// NewElement creates a new element VNode
func NewElement(tag string, props Props, children ...*VNode) *VNode {
	return &VNode{
		Kind:  KindElement,
		Tag:   tag,
		Props: props,
		Kids:  collect(children),
	}
}

// NewText creates a new text VNode
func NewText(text string) *VNode {
	return &VNode{
		Kind: KindText,
		Text: text,
	}
}

// NewComment creates a new comment VNode
func NewComment(text string) *VNode {
	return &VNode{
		Kind: KindComment,
		Text: text,
	}
}

// NewFragment creates a new fragment VNode
func NewFragment(children ...*VNode) *VNode {
	return &VNode{
		Kind: KindFragment,
		Kids: collect(children),
	}
}

func collect(children []*VNode) []VNode {
	kids := make([]VNode, 0, len(children))
	for _, child := range children {
		if child != nil {
			kids = append(kids, *child)
		}
	}
	return kids
}

// IsElement returns true if this is an element node
func (v VNode) IsElement() bool {
	return v.Kind == KindElement
}

// IsText returns true if this is a text node
func (v VNode) IsText() bool {
	return v.Kind == KindText
}

// IsFragment returns true if this is a fragment node
func (v VNode) IsFragment() bool {
	return v.Kind == KindFragment
}

// GetKey returns the key of this node, handling the Props map safely
func (v VNode) GetKey() string {
	if v.Key != "" {
		return v.Key
	}
	if v.Props != nil {
		if key, ok := v.Props["key"].(string); ok {
			return key
		}
	}
	return ""
}
