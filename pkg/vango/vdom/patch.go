package vdom

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OpKind represents the type of patch operation
type OpKind uint8

const (
	// OpSetText replaces the text of a text node or the content of an element
	OpSetText OpKind = iota + 1
	// OpSetComment replaces the data of a comment node
	OpSetComment
	// OpSetAttr sets or replaces an attribute
	OpSetAttr
	// OpDelAttr removes an attribute
	OpDelAttr
	// OpSetStyle sets one inline style property
	OpSetStyle
	// OpDelStyle removes one inline style property
	OpDelStyle
	// OpSetStyleDecl sets a declaration inside a <style> element rule
	OpSetStyleDecl
	// OpDelStyleDecl removes a declaration inside a <style> element rule
	OpDelStyleDecl
	// OpSetHandlers replaces the event-handler set of a node
	OpSetHandlers
	// OpSetScript binds a script to a node
	OpSetScript
	// OpDelScript unbinds the script of a node
	OpDelScript
	// OpSetRef registers a node under a ref id
	OpSetRef
	// OpDelRef unregisters a ref id
	OpDelRef
	// OpReplaceNode replaces a node with a newly built one
	OpReplaceNode
	// OpAddChild inserts a newly built child at an index
	OpAddChild
	// OpDelChild removes the child at an index
	OpDelChild
	// OpMoveChild relocates a child by index or key
	OpMoveChild
	// OpSetAttrs sets and removes several attributes of a slot
	OpSetAttrs
	// OpList applies keyed child operations to a slot list
	OpList
)

var opNames = map[OpKind]string{
	OpSetText:      "setText",
	OpSetComment:   "setComment",
	OpSetAttr:      "setAttr",
	OpDelAttr:      "delAttr",
	OpSetStyle:     "setStyle",
	OpDelStyle:     "delStyle",
	OpSetStyleDecl: "setStyleDecl",
	OpDelStyleDecl: "delStyleDecl",
	OpSetHandlers:  "setHandlers",
	OpSetScript:    "setScript",
	OpDelScript:    "delScript",
	OpSetRef:       "setRef",
	OpDelRef:       "delRef",
	OpReplaceNode:  "replaceNode",
	OpAddChild:     "addChild",
	OpDelChild:     "delChild",
	OpMoveChild:    "moveChild",
	OpSetAttrs:     "setAttrs",
	OpList:         "list",
}

// String returns the wire name of the operation
func (op OpKind) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOp maps a wire name to an OpKind
func ParseOp(name string) (OpKind, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// NodeRef addresses a node either by a child-index path from the mount
// root or by a slot id registered against a node.
type NodeRef struct {
	Path   []int
	Slot   int
	BySlot bool
}

// PathRef addresses a node by child indices from the root
func PathRef(path ...int) NodeRef {
	return NodeRef{Path: path}
}

// SlotRef addresses a node through the slot registry
func SlotRef(id int) NodeRef {
	return NodeRef{Slot: id, BySlot: true}
}

// String returns a human-readable representation of the reference
func (r NodeRef) String() string {
	if r.BySlot {
		return "slot:" + strconv.Itoa(r.Slot)
	}
	parts := make([]string, len(r.Path))
	for i, p := range r.Path {
		parts[i] = strconv.Itoa(p)
	}
	return "/" + strings.Join(parts, "/")
}

// HandlerMeta describes one event binding of a node
type HandlerMeta struct {
	Event    string   `json:"event"`
	Handler  string   `json:"handler"`
	Prevent  bool     `json:"prevent,omitempty"`
	Stop     bool     `json:"stop,omitempty"`
	Passive  bool     `json:"passive,omitempty"`
	Once     bool     `json:"once,omitempty"`
	Capture  bool     `json:"capture,omitempty"`
	Debounce int      `json:"debounce,omitempty"` // milliseconds
	Throttle int      `json:"throttle,omitempty"` // milliseconds
	Listen   []string `json:"listen,omitempty"`
	Props    []string `json:"props,omitempty"`
}

// DebounceInterval returns the debounce quiet period
func (h HandlerMeta) DebounceInterval() time.Duration {
	return time.Duration(h.Debounce) * time.Millisecond
}

// ThrottleInterval returns the throttle window
func (h HandlerMeta) ThrottleInterval() time.Duration {
	return time.Duration(h.Throttle) * time.Millisecond
}

// Events returns the primary event followed by the extra listened events,
// without duplicates.
func (h HandlerMeta) Events() []string {
	events := []string{h.Event}
	for _, ev := range h.Listen {
		dup := false
		for _, seen := range events {
			if seen == ev {
				dup = true
				break
			}
		}
		if !dup && ev != "" {
			events = append(events, ev)
		}
	}
	return events
}

// ScriptMeta binds a script source to a node
type ScriptMeta struct {
	ScriptID string `json:"scriptId"`
	Script   string `json:"script"`
}

// MoveSpec identifies the child a moveChild relocates.
// Key takes precedence over From when it resolves.
type MoveSpec struct {
	From int    `json:"from"`
	Key  string `json:"key,omitempty"`
}

// ListOpKind is the kind of a keyed list child operation
type ListOpKind uint8

const (
	ListIns ListOpKind = iota + 1
	ListDel
	ListMov
)

// ListOp is one child operation of a slot list patch
type ListOp struct {
	Kind ListOpKind
	Key  string   // del
	Pos  int      // ins
	Row  *RowSpec // ins
	From int      // mov
	To   int      // mov
}

// RowSpec is the inserted row of a list ins operation
type RowSpec struct {
	Key      string        `json:"key"`
	HTML     string        `json:"html"`
	Slots    []SlotBinding `json:"slots,omitempty"`
	Bindings []Binding     `json:"bindings,omitempty"`
}

// SlotBinding registers a slot id against a node inside a row,
// addressed by child indices from the row root.
type SlotBinding struct {
	ID   int   `json:"id"`
	Path []int `json:"path"`
}

// Binding attaches handlers and a ref to a slot after insertion
type Binding struct {
	Slot     int           `json:"slot"`
	Handlers []HandlerMeta `json:"handlers,omitempty"`
	Ref      string        `json:"ref,omitempty"`
}

// Patch represents a single DOM mutation
type Patch struct {
	// Seq orders patches inside one apply batch
	Seq int

	Target NodeRef
	Op     OpKind

	// Value is the text, attribute, style value or ref id
	Value    string
	Name     string
	Selector string

	// Index is the child index for addChild, delChild and moveChild.
	// A negative index appends.
	Index int

	Node     *VNode
	Handlers []HandlerMeta
	Script   *ScriptMeta
	Move     *MoveSpec

	// Attrs holds setAttrs values; a nil value removes the attribute
	Attrs map[string]*string
	List  []ListOp
}

// String returns a human-readable representation of the patch
func (p Patch) String() string {
	switch p.Op {
	case OpSetText, OpSetComment:
		return fmt.Sprintf("%s(%s, %q)", p.Op, p.Target, p.Value)
	case OpSetAttr, OpSetStyle:
		return fmt.Sprintf("%s(%s, %s=%q)", p.Op, p.Target, p.Name, p.Value)
	case OpDelAttr, OpDelStyle:
		return fmt.Sprintf("%s(%s, %s)", p.Op, p.Target, p.Name)
	case OpSetStyleDecl, OpDelStyleDecl:
		return fmt.Sprintf("%s(%s, %q { %s })", p.Op, p.Target, p.Selector, p.Name)
	case OpAddChild, OpDelChild, OpMoveChild:
		return fmt.Sprintf("%s(%s, index=%d)", p.Op, p.Target, p.Index)
	case OpList:
		return fmt.Sprintf("%s(%s, ops=%d)", p.Op, p.Target, len(p.List))
	default:
		return fmt.Sprintf("%s(%s)", p.Op, p.Target)
	}
}

// SetText builds a setText patch
func SetText(target NodeRef, text string) Patch {
	return Patch{Target: target, Op: OpSetText, Value: text}
}

// SetAttr builds a setAttr patch
func SetAttr(target NodeRef, name, value string) Patch {
	return Patch{Target: target, Op: OpSetAttr, Name: name, Value: value}
}

// DelAttr builds a delAttr patch
func DelAttr(target NodeRef, name string) Patch {
	return Patch{Target: target, Op: OpDelAttr, Name: name}
}

// SetStyle builds a setStyle patch
func SetStyle(target NodeRef, name, value string) Patch {
	return Patch{Target: target, Op: OpSetStyle, Name: name, Value: value}
}

// DelStyle builds a delStyle patch
func DelStyle(target NodeRef, name string) Patch {
	return Patch{Target: target, Op: OpDelStyle, Name: name}
}

// SetHandlers builds a setHandlers patch
func SetHandlers(target NodeRef, handlers ...HandlerMeta) Patch {
	return Patch{Target: target, Op: OpSetHandlers, Handlers: handlers}
}

// AddChild builds an addChild patch
func AddChild(parent NodeRef, index int, node *VNode) Patch {
	return Patch{Target: parent, Op: OpAddChild, Index: index, Node: node}
}

// DelChild builds a delChild patch
func DelChild(parent NodeRef, index int) Patch {
	return Patch{Target: parent, Op: OpDelChild, Index: index}
}

// MoveChild builds a moveChild patch; key may be empty
func MoveChild(parent NodeRef, from, to int, key string) Patch {
	return Patch{Target: parent, Op: OpMoveChild, Index: to, Move: &MoveSpec{From: from, Key: key}}
}

// List builds a slot list patch
func List(slot int, ops ...ListOp) Patch {
	return Patch{Target: SlotRef(slot), Op: OpList, List: ops}
}

// Ins builds a list insert child operation
func Ins(pos int, row RowSpec) ListOp {
	return ListOp{Kind: ListIns, Pos: pos, Key: row.Key, Row: &row}
}

// Del builds a list delete child operation
func Del(key string) ListOp {
	return ListOp{Kind: ListDel, Key: key}
}

// Mov builds a list move child operation
func Mov(from, to int) ListOp {
	return ListOp{Kind: ListMov, From: from, To: to}
}
