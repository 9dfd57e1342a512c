package vdom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalJSON encodes a slot reference as a number and a path as an array
func (r NodeRef) MarshalJSON() ([]byte, error) {
	if r.BySlot {
		return json.Marshal(r.Slot)
	}
	if r.Path == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Path)
}

// UnmarshalJSON accepts either a child-index array or a slot id
func (r *NodeRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = NodeRef{}
	case data[0] == '[':
		var path []int
		if err := json.Unmarshal(data, &path); err != nil {
			return fmt.Errorf("path: %w", err)
		}
		*r = NodeRef{Path: path}
	default:
		var slot int
		if err := json.Unmarshal(data, &slot); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
		*r = SlotRef(slot)
	}
	return nil
}

type wirePatch struct {
	Seq      int             `json:"seq"`
	Path     NodeRef         `json:"path"`
	Op       string          `json:"op"`
	Value    json.RawMessage `json:"value,omitempty"`
	Name     string          `json:"name,omitempty"`
	Selector string          `json:"selector,omitempty"`
	Index    *int            `json:"index,omitempty"`
}

// UnmarshalJSON decodes both wire generations: path-addressed objects
// and slot-addressed tuples [op, slotId, ...args].
func (p *Patch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return p.unmarshalTuple(data)
	}

	var w wirePatch
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op, ok := ParseOp(w.Op)
	if !ok {
		return fmt.Errorf("unknown patch op %q", w.Op)
	}
	*p = Patch{
		Seq:      w.Seq,
		Target:   w.Path,
		Op:       op,
		Name:     w.Name,
		Selector: w.Selector,
		Index:    -1,
	}
	if w.Index != nil {
		p.Index = *w.Index
	}
	return p.decodeValue(w.Value)
}

func (p *Patch) decodeValue(raw json.RawMessage) error {
	var err error
	switch p.Op {
	case OpSetText, OpSetComment, OpSetStyle, OpSetStyleDecl:
		p.Value, err = scalarString(raw)
	case OpSetAttr:
		var present bool
		p.Value, present, err = attrValue(raw)
		if err == nil && !present {
			p.Op = OpDelAttr
		}
	case OpSetHandlers:
		if len(raw) > 0 {
			err = json.Unmarshal(raw, &p.Handlers)
		}
	case OpSetScript:
		if len(raw) == 0 {
			return fmt.Errorf("setScript without script")
		}
		p.Script = &ScriptMeta{}
		err = json.Unmarshal(raw, p.Script)
	case OpSetRef, OpDelRef:
		p.Value, err = refID(raw)
	case OpReplaceNode, OpAddChild:
		if len(raw) == 0 {
			return fmt.Errorf("%s without node", p.Op)
		}
		p.Node = &VNode{}
		err = json.Unmarshal(raw, p.Node)
	case OpMoveChild:
		p.Move, err = moveSpec(raw)
	case OpSetAttrs:
		p.Attrs, err = attrMap(raw)
	case OpList:
		if len(raw) > 0 {
			err = json.Unmarshal(raw, &p.List)
		}
	}
	if err != nil {
		return fmt.Errorf("%s value: %w", p.Op, err)
	}
	return nil
}

func (p *Patch) unmarshalTuple(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("slot patch needs at least [op, slot]")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return fmt.Errorf("slot patch op: %w", err)
	}
	var slot int
	if err := json.Unmarshal(parts[1], &slot); err != nil {
		return fmt.Errorf("slot patch id: %w", err)
	}
	*p = Patch{Target: SlotRef(slot), Index: -1}

	var arg json.RawMessage
	if len(parts) > 2 {
		arg = parts[2]
	}
	switch name {
	case "setText":
		p.Op = OpSetText
	case "setAttrs":
		p.Op = OpSetAttrs
	case "list":
		p.Op = OpList
	default:
		return fmt.Errorf("unknown slot patch op %q", name)
	}
	return p.decodeValue(arg)
}

// MarshalJSON encodes slot-oriented ops as tuples and everything else
// as path-addressed objects.
func (p Patch) MarshalJSON() ([]byte, error) {
	if p.Target.BySlot && (p.Op == OpSetText || p.Op == OpSetAttrs || p.Op == OpList) {
		var arg any
		switch p.Op {
		case OpSetText:
			arg = p.Value
		case OpSetAttrs:
			arg = p.Attrs
		case OpList:
			arg = p.List
		}
		return json.Marshal([]any{p.Op.String(), p.Target.Slot, arg})
	}

	w := wirePatch{
		Seq:      p.Seq,
		Path:     p.Target,
		Op:       p.Op.String(),
		Name:     p.Name,
		Selector: p.Selector,
	}
	switch p.Op {
	case OpAddChild, OpDelChild, OpMoveChild:
		idx := p.Index
		w.Index = &idx
	}

	var value any
	switch p.Op {
	case OpSetText, OpSetComment, OpSetAttr, OpSetStyle, OpSetStyleDecl, OpSetRef:
		value = p.Value
	case OpDelRef:
		if p.Value != "" {
			value = p.Value
		}
	case OpSetHandlers:
		value = p.Handlers
	case OpSetScript:
		value = p.Script
	case OpReplaceNode, OpAddChild:
		value = p.Node
	case OpMoveChild:
		value = p.Move
	case OpSetAttrs:
		value = p.Attrs
	case OpList:
		value = p.List
	}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes ["del", key], ["ins", pos, row] and ["mov", from, to]
func (op *ListOp) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("list op needs arguments")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return err
	}
	switch name {
	case "del":
		*op = ListOp{Kind: ListDel}
		return json.Unmarshal(parts[1], &op.Key)
	case "ins":
		if len(parts) < 3 {
			return fmt.Errorf("ins needs [pos, row]")
		}
		*op = ListOp{Kind: ListIns, Row: &RowSpec{}}
		if err := json.Unmarshal(parts[1], &op.Pos); err != nil {
			return err
		}
		if err := json.Unmarshal(parts[2], op.Row); err != nil {
			return err
		}
		op.Key = op.Row.Key
		return nil
	case "mov":
		if len(parts) < 3 {
			return fmt.Errorf("mov needs [from, to]")
		}
		*op = ListOp{Kind: ListMov}
		if err := json.Unmarshal(parts[1], &op.From); err != nil {
			return err
		}
		return json.Unmarshal(parts[2], &op.To)
	default:
		return fmt.Errorf("unknown list op %q", name)
	}
}

// MarshalJSON encodes the tuple form
func (op ListOp) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case ListDel:
		return json.Marshal([]any{"del", op.Key})
	case ListIns:
		return json.Marshal([]any{"ins", op.Pos, op.Row})
	case ListMov:
		return json.Marshal([]any{"mov", op.From, op.To})
	default:
		return nil, fmt.Errorf("unknown list op kind %d", op.Kind)
	}
}

// scalarString renders strings as-is and numbers or bools as their literal text
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	if raw[0] == '{' || raw[0] == '[' {
		return "", fmt.Errorf("expected scalar, got %s", raw)
	}
	return string(raw), nil
}

// attrValue decodes an attribute value. A list is joined with spaces, so an
// empty list yields an empty (boolean) attribute; false means absent.
func attrValue(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("true")):
		return "", true, nil
	case bytes.Equal(raw, []byte("false")):
		return "", false, nil
	case raw[0] == '[':
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return "", false, err
		}
		return joinTokens(list), true, nil
	default:
		s, err := scalarString(raw)
		return s, true, err
	}
}

func joinTokens(list []string) string {
	var buf bytes.Buffer
	for i, tok := range list {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(tok)
	}
	return buf.String()
}

func attrMap(raw json.RawMessage) (map[string]*string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make(map[string]*string, len(fields))
	for _, name := range names {
		v, present, err := attrValue(fields[name])
		if err != nil {
			return nil, fmt.Errorf("attr %s: %w", name, err)
		}
		if bytes.Equal(bytes.TrimSpace(fields[name]), []byte("null")) {
			present = false
		}
		if !present {
			attrs[name] = nil
			continue
		}
		attrs[name] = &v
	}
	return attrs, nil
}

func refID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		err := json.Unmarshal(raw, &obj)
		return obj.ID, err
	}
	return scalarString(raw)
}

func moveSpec(raw json.RawMessage) (*MoveSpec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' {
		var from int
		if err := json.Unmarshal(raw, &from); err != nil {
			return nil, err
		}
		return &MoveSpec{From: from}, nil
	}
	var obj struct {
		From *int   `json:"from"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	spec := &MoveSpec{From: -1, Key: obj.Key}
	if obj.From != nil {
		spec.From = *obj.From
	}
	return spec, nil
}
