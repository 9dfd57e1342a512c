package dom

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	htmlrender "github.com/recera/vango-thin/pkg/renderer/html"
	"github.com/recera/vango-thin/pkg/scheduler"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

type fired struct {
	hid     string
	payload map[string]any
}

type harness struct {
	doc     *document.Document
	a       *Applier
	clock   *scheduler.Manual
	events  []fired
	scripts []string
	refs    []string
}

func newHarness(t *testing.T, body string, opts ...func(*Options)) *harness {
	t.Helper()
	doc, err := document.ParseString("<html><body>" + body + "</body></html>")
	require.NoError(t, err)

	h := &harness{doc: doc, clock: scheduler.NewManual(time.Unix(0, 0))}
	o := Options{
		Scheduler: h.clock,
		Callbacks: Callbacks{
			OnEvent: func(hid string, payload map[string]any) {
				h.events = append(h.events, fired{hid, payload})
			},
			OnScript: func(meta vdom.ScriptMeta, n *html.Node) {
				h.scripts = append(h.scripts, "mount:"+meta.ScriptID)
			},
			OnScriptCleanup: func(id string, n *html.Node) {
				h.scripts = append(h.scripts, "cleanup:"+id)
			},
			OnRef: func(id string, n *html.Node) {
				h.refs = append(h.refs, "set:"+id)
			},
			OnRefDelete: func(id string) {
				h.refs = append(h.refs, "del:"+id)
			},
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.a = NewApplier(doc, o)
	return h
}

func (h *harness) html() string {
	return htmlrender.InnerHTML(h.doc.Root())
}

func (h *harness) node(t *testing.T, path ...int) *html.Node {
	t.Helper()
	n, err := h.a.Resolve(vdom.PathRef(path...))
	require.NoError(t, err)
	return n
}

func (h *harness) click(n *html.Node, data map[string]any) {
	h.doc.Dispatch(n, document.NewEvent("click", data))
}

func TestApplySortsByBatchSeq(t *testing.T) {
	h := newHarness(t, `<p>a</p>`)

	first := vdom.SetText(vdom.PathRef(0, 0), "first")
	first.Seq = 2
	second := vdom.SetText(vdom.PathRef(0, 0), "second")
	second.Seq = 1
	third := vdom.SetText(vdom.PathRef(0, 0), "third")
	third.Seq = 2

	res := h.a.Apply([]vdom.Patch{first, second, third})
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, "<p>third</p>", h.html())
}

func TestMissingTargetSkipsOnlyThatPatch(t *testing.T) {
	h := newHarness(t, `<p>a</p>`)

	res := h.a.Apply([]vdom.Patch{
		vdom.SetText(vdom.PathRef(5, 0), "lost"),
		vdom.SetAttr(vdom.SlotRef(99), "x", "y"),
		vdom.SetText(vdom.PathRef(0, 0), "kept"),
	})

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	assert.ErrorIs(t, res.Err(), ErrTargetNotFound)
	assert.Equal(t, "<p>kept</p>", h.html())
	assert.Equal(t, 2, h.a.Stats().Skipped)
}

func TestWrongNodeKindIsSkipped(t *testing.T) {
	h := newHarness(t, `<p>a</p>`)
	res := h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0, 0), Op: vdom.OpSetComment, Value: "x"}})
	assert.ErrorIs(t, res.Err(), ErrWrongNodeKind)
}

func TestAttributeSpecialCases(t *testing.T) {
	h := newHarness(t, `<form><input type="text" value="orig"><input type="checkbox"><select><option>a</option></select><div class="x"></div></form>`)
	text, box := h.node(t, 0, 0), h.node(t, 0, 1)
	option, div := h.node(t, 0, 2, 0), h.node(t, 0, 3)

	h.a.Apply([]vdom.Patch{
		vdom.SetAttr(vdom.PathRef(0, 0), "value", "typed"),
		vdom.SetAttr(vdom.PathRef(0, 1), "checked", ""),
		vdom.SetAttr(vdom.PathRef(0, 2, 0), "selected", ""),
		vdom.SetAttr(vdom.PathRef(0, 3), "class", "a b"),
		vdom.SetAttr(vdom.PathRef(0, 3), "data-x", "1"),
	})

	assert.Equal(t, "typed", h.doc.Value(text))
	v, _ := document.Attr(text, "value")
	assert.Equal(t, "orig", v, "value attribute is untouched")
	assert.True(t, h.doc.Checked(box))
	assert.False(t, document.HasAttr(box, "checked"))
	assert.True(t, h.doc.Selected(option))
	cls, _ := document.Attr(div, "class")
	assert.Equal(t, "a b", cls)

	h.a.Apply([]vdom.Patch{
		vdom.DelAttr(vdom.PathRef(0, 1), "checked"),
		vdom.DelAttr(vdom.PathRef(0, 3), "data-x"),
		vdom.DelAttr(vdom.PathRef(0, 3), "class"),
	})
	assert.False(t, h.doc.Checked(box))
	assert.False(t, document.HasAttr(div, "data-x"))
	cls, _ = document.Attr(div, "class")
	assert.Equal(t, "", cls)

	got, ok := h.a.ReadAttr(text, "value")
	assert.True(t, ok)
	assert.Equal(t, "typed", got)
}

func TestBooleanAttributeFromWire(t *testing.T) {
	h := newHarness(t, `<button>go</button>`)
	var p vdom.Patch
	require.NoError(t, json.Unmarshal([]byte(`{"path":[0],"op":"setAttr","name":"disabled","value":[]}`), &p))

	h.a.Apply([]vdom.Patch{p})
	assert.Equal(t, "<button disabled>go</button>", h.html())
}

func TestIntraBatchIdempotence(t *testing.T) {
	h := newHarness(t, `<div><span>a</span></div>`)
	batch := []vdom.Patch{
		vdom.SetText(vdom.PathRef(0, 0, 0), "b"),
		vdom.SetAttr(vdom.PathRef(0), "title", "t"),
		vdom.SetStyle(vdom.PathRef(0), "color", "red"),
	}

	h.a.Apply(batch)
	once := h.html()
	h.a.Apply(batch)

	assert.Equal(t, once, h.html())
	assert.Equal(t, `<div title="t" style="color: red"><span>b</span></div>`, once)
}

func TestSetAttrsSlot(t *testing.T) {
	h := newHarness(t, `<a data-slot="3" href="/old" target="_blank">x</a>`)
	require.Equal(t, 1, h.a.Hydrate())

	href := "/new"
	h.a.Apply([]vdom.Patch{{Target: vdom.SlotRef(3), Op: vdom.OpSetAttrs, Attrs: map[string]*string{
		"href":   &href,
		"target": nil,
	}}})

	assert.Equal(t, `<a data-slot="3" href="/new">x</a>`, h.html())
}

func TestStyleDeclOps(t *testing.T) {
	h := newHarness(t, `<style>.a { color: red; }</style><div class="a"></div>`)
	h.a.Apply([]vdom.Patch{
		{Target: vdom.PathRef(0), Op: vdom.OpSetStyleDecl, Selector: ".a", Name: "color", Value: "blue"},
		{Target: vdom.PathRef(0), Op: vdom.OpSetStyleDecl, Selector: ".b", Name: "margin", Value: "0"},
		{Target: vdom.PathRef(0), Op: vdom.OpDelStyleDecl, Selector: ".b", Name: "margin"},
	})
	assert.Equal(t, ".a { color: blue; }", document.TextContent(h.node(t, 0)))
}

func TestHandlerReplacement(t *testing.T) {
	h := newHarness(t, `<button>go</button>`)
	btn := h.node(t, 0)

	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{Event: "click", Handler: "h1"})})
	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{Event: "click", Handler: "h2"})})

	assert.Equal(t, 1, h.doc.ListenerCount(btn))
	h.click(btn, nil)

	require.Len(t, h.events, 1)
	assert.Equal(t, "h2", h.events[0].hid)
	assert.Equal(t, "click", h.events[0].payload["type"])
}

func TestHandlerListenAndProps(t *testing.T) {
	h := newHarness(t, `<input data-role="q">`)
	input := h.node(t, 0)

	h.a.Apply([]vdom.Patch{
		vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{
			Event:   "input",
			Handler: "search",
			Listen:  []string{"change", "input"},
			Props:   []string{"value", "target.data-role", "key"},
		}),
		vdom.SetAttr(vdom.PathRef(0), "value", "go"),
	})
	assert.Equal(t, 2, h.doc.ListenerCount(input))

	h.doc.Dispatch(input, document.NewEvent("change", map[string]any{"key": "Enter"}))
	require.Len(t, h.events, 1)
	assert.Equal(t, map[string]any{
		"type":             "change",
		"value":            "go",
		"target.data-role": "q",
		"key":              "Enter",
	}, h.events[0].payload)
}

func TestPreventAndStopAreSynchronous(t *testing.T) {
	h := newHarness(t, `<form><button>go</button></form>`)
	form, btn := h.node(t, 0), h.node(t, 0, 0)

	formClicks := 0
	h.doc.AddEventListener(form, "click", func(*document.Event) { formClicks++ }, document.ListenerOptions{})

	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0, 0), vdom.HandlerMeta{
		Event: "click", Handler: "save", Prevent: true, Stop: true, Debounce: 100,
	})})

	ok := h.doc.Dispatch(btn, document.NewEvent("click", nil))
	assert.False(t, ok, "default prevented before debounce")
	assert.Equal(t, 0, formClicks)
	assert.Empty(t, h.events)

	h.clock.Advance(100 * time.Millisecond)
	assert.Len(t, h.events, 1)
}

func TestDebounceFiresOnceWithLastEvent(t *testing.T) {
	h := newHarness(t, `<button>go</button>`)
	btn := h.node(t, 0)
	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{
		Event: "click", Handler: "d", Debounce: 100, Props: []string{"n"},
	})})

	for i := 1; i <= 3; i++ {
		h.click(btn, map[string]any{"n": i})
		h.clock.Advance(10 * time.Millisecond)
	}
	assert.Empty(t, h.events)

	h.clock.Advance(89 * time.Millisecond)
	assert.Empty(t, h.events, "quiet period is measured from the last event")

	h.clock.Advance(time.Millisecond)
	require.Len(t, h.events, 1)
	assert.Equal(t, 3, h.events[0].payload["n"])
}

func TestThrottleUsesFirstEventPerWindow(t *testing.T) {
	h := newHarness(t, `<button>go</button>`)
	btn := h.node(t, 0)
	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{
		Event: "click", Handler: "t", Throttle: 100, Props: []string{"n"},
	})})

	for i := 1; i <= 3; i++ {
		h.click(btn, map[string]any{"n": i})
		h.clock.Advance(10 * time.Millisecond)
	}
	require.Len(t, h.events, 1)
	assert.Equal(t, 1, h.events[0].payload["n"])

	h.clock.Advance(100 * time.Millisecond)
	h.click(btn, map[string]any{"n": 4})
	require.Len(t, h.events, 2)
	assert.Equal(t, 4, h.events[1].payload["n"])
}

func TestRemovalCancelsPendingDebounce(t *testing.T) {
	h := newHarness(t, `<div><button>go</button></div>`)
	btn := h.node(t, 0, 0)
	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0, 0), vdom.HandlerMeta{
		Event: "click", Handler: "d", Debounce: 50,
	})})

	h.click(btn, nil)
	h.a.Apply([]vdom.Patch{vdom.DelChild(vdom.PathRef(0), 0)})
	h.clock.Advance(time.Second)

	assert.Empty(t, h.events)
	_, timers := h.clock.Pending()
	assert.Equal(t, 0, timers)
	assert.Equal(t, 0, h.a.Stats().ListenersActive)
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, `<button>go</button>`)
	h.a.SetCallbacks(Callbacks{OnEvent: func(string, map[string]any) { panic("boom") }})
	h.a.Apply([]vdom.Patch{vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{Event: "click", Handler: "x"})})

	assert.NotPanics(t, func() { h.click(h.node(t, 0), nil) })
	assert.Equal(t, 1, h.a.Stats().HandlerPanics)
}

func TestScriptLifecycle(t *testing.T) {
	h := newHarness(t, `<div></div>`)

	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0), Op: vdom.OpDelScript}})
	assert.Empty(t, h.scripts, "delScript without a script is a no-op")

	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0), Op: vdom.OpSetScript, Script: &vdom.ScriptMeta{ScriptID: "s1"}}})
	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0), Op: vdom.OpSetScript, Script: &vdom.ScriptMeta{ScriptID: "s2"}}})
	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0), Op: vdom.OpDelScript}})
	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0), Op: vdom.OpDelScript}})

	assert.Equal(t, []string{"mount:s1", "cleanup:s1", "mount:s2", "cleanup:s2"}, h.scripts)
}

func TestRefs(t *testing.T) {
	h := newHarness(t, `<div></div><span></span>`)
	div, span := h.node(t, 0), h.node(t, 1)

	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(0), Op: vdom.OpSetRef, Value: "r"}})
	rec, ok := h.a.Ref("r")
	require.True(t, ok)
	assert.Same(t, div, rec.Node)

	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(1), Op: vdom.OpSetRef, Value: "r"}})
	rec, _ = h.a.Ref("r")
	assert.Same(t, span, rec.Node)

	h.a.Apply([]vdom.Patch{{Target: vdom.PathRef(1), Op: vdom.OpDelRef, Value: "r"}})
	_, ok = h.a.Ref("r")
	assert.False(t, ok)
	assert.Equal(t, []string{"set:r", "set:r", "del:r"}, h.refs)
}

func TestAddChildFromDescriptor(t *testing.T) {
	h := newHarness(t, `<ul><li>a</li></ul>`)
	row := &vdom.VNode{
		Kind:     vdom.KindElement,
		Tag:      "li",
		Key:      "b",
		Props:    vdom.Props{"class": "row", "data-slot": "7"},
		Style:    map[string]string{"color": "red"},
		Handlers: []vdom.HandlerMeta{{Event: "click", Handler: "pick"}},
		Ref:      "row-b",
		Script:   &vdom.ScriptMeta{ScriptID: "s-b"},
		Kids:     []vdom.VNode{*vdom.NewText("b")},
	}

	res := h.a.Apply([]vdom.Patch{vdom.AddChild(vdom.PathRef(0), -1, row)})
	require.NoError(t, res.Err())

	assert.Equal(t, `<ul><li>a</li><li class="row" data-key="b" data-slot="7" style="color: red">b</li></ul>`, h.html())
	li := h.node(t, 0, 1)
	assert.Equal(t, 1, h.a.HandlerCount(li))
	slot, ok := h.a.Slot(7)
	require.True(t, ok)
	assert.Same(t, li, slot)
	assert.Equal(t, []string{"set:row-b"}, h.refs)
	assert.Equal(t, []string{"mount:s-b"}, h.scripts)
}

func TestUnsafeHTMLShortCircuitsChildren(t *testing.T) {
	h := newHarness(t, `<div></div>`, func(o *Options) {
		o.Sanitizer = bluemonday.UGCPolicy()
	})
	node := &vdom.VNode{
		Kind:       vdom.KindElement,
		Tag:        "section",
		UnsafeHTML: `<b>bold</b><script>alert(1)</script>`,
		Kids:       []vdom.VNode{*vdom.NewText("ignored")},
	}

	h.a.Apply([]vdom.Patch{vdom.AddChild(vdom.PathRef(0), 0, node)})
	assert.Equal(t, `<div><section><b>bold</b></section></div>`, h.html())
}

func TestReplaceNodeCleansUpDepthFirst(t *testing.T) {
	h := newHarness(t, `<div><p><span>x</span></p></div>`)
	h.a.Apply([]vdom.Patch{
		{Target: vdom.PathRef(0, 0, 0), Op: vdom.OpSetScript, Script: &vdom.ScriptMeta{ScriptID: "inner"}},
		{Target: vdom.PathRef(0, 0), Op: vdom.OpSetScript, Script: &vdom.ScriptMeta{ScriptID: "outer"}},
		{Target: vdom.PathRef(0, 0), Op: vdom.OpSetRef, Value: "p"},
		vdom.SetHandlers(vdom.PathRef(0, 0, 0), vdom.HandlerMeta{Event: "click", Handler: "x"}),
	})
	tracked := h.doc.Tracked()
	require.Greater(t, tracked, 0)

	h.a.Apply([]vdom.Patch{{
		Target: vdom.PathRef(0, 0),
		Op:     vdom.OpReplaceNode,
		Node:   vdom.NewElement("em", nil, vdom.NewText("y")),
	}})

	assert.Equal(t, "<div><em>y</em></div>", h.html())
	assert.Equal(t, []string{"mount:inner", "mount:outer", "cleanup:inner", "cleanup:outer"}, h.scripts)
	assert.Contains(t, h.refs, "del:p")
	assert.Equal(t, 0, h.a.RefCount())
	assert.Equal(t, 0, h.a.Stats().ListenersActive)
	assert.Less(t, h.doc.Tracked(), tracked)
}

func TestKeyedMoveTakesPrecedence(t *testing.T) {
	h := newHarness(t, `<ul><li data-key="A">A</li><li data-key="B">B</li><li data-key="C">C</li></ul>`)

	newRow := &vdom.VNode{Kind: vdom.KindElement, Tag: "li", Key: "new", Kids: []vdom.VNode{*vdom.NewText("new")}}
	h.a.Apply([]vdom.Patch{
		vdom.AddChild(vdom.PathRef(0), 0, newRow),
		// from=2 is stale after the insert; the key still finds the new row
		vdom.MoveChild(vdom.PathRef(0), 2, 1, "K:new"),
	})

	assert.Equal(t, []string{"A", "new", "B", "C"}, RowKeys(h.node(t, 0)))
}

func TestMoveFallsBackToIndex(t *testing.T) {
	h := newHarness(t, `<ul><li data-key="A">A</li><li data-key="B">B</li><li data-key="C">C</li></ul>`)

	h.a.Apply([]vdom.Patch{vdom.MoveChild(vdom.PathRef(0), 2, 0, "K:missing")})
	assert.Equal(t, []string{"C", "A", "B"}, RowKeys(h.node(t, 0)))
}

func TestMoveBySignature(t *testing.T) {
	h := newHarness(t, `<form><input name="a"><input name="b"><button id="go">go</button></form>`)
	form := h.node(t, 0)

	assert.Equal(t, "E:button|id=go", Signature(h.node(t, 0, 2)))

	h.a.Apply([]vdom.Patch{
		vdom.MoveChild(vdom.PathRef(0), -1, 0, "E:button|id=go"),
		vdom.MoveChild(vdom.PathRef(0), -1, 2, "E:input|name=a"),
	})
	assert.Equal(t, `<form><button id="go">go</button><input name="b"><input name="a"></form>`, htmlrender.RenderToString(form))

	// Colliding signatures resolve to the first sibling in document order
	h.a.Apply([]vdom.Patch{vdom.MoveChild(vdom.PathRef(0), -1, -1, "E:input")})
	assert.Equal(t, `<form><button id="go">go</button><input name="a"><input name="b"></form>`, htmlrender.RenderToString(form))
}

func TestSlotListOps(t *testing.T) {
	h := newHarness(t, `<ul data-slot="1"><li data-key="a">a</li><li data-key="b">b</li></ul>`)
	require.Equal(t, 1, h.a.Hydrate())

	res := h.a.Apply([]vdom.Patch{vdom.List(1,
		vdom.Ins(1, vdom.RowSpec{
			Key:      "x",
			HTML:     `<li><span>x</span><button>del</button></li>`,
			Slots:    []vdom.SlotBinding{{ID: 10, Path: []int{0}}, {ID: 11, Path: []int{1}}},
			Bindings: []vdom.Binding{{Slot: 11, Handlers: []vdom.HandlerMeta{{Event: "click", Handler: "rm"}}, Ref: "rm-x"}},
		}),
		vdom.Mov(0, 2),
	)})
	require.NoError(t, res.Err())

	ul := h.node(t, 0)
	assert.Equal(t, []string{"x", "b", "a"}, RowKeys(ul))

	btn, ok := h.a.Slot(11)
	require.True(t, ok)
	h.click(btn, nil)
	require.Len(t, h.events, 1)
	assert.Equal(t, "rm", h.events[0].hid)

	h.a.Apply([]vdom.Patch{{Target: vdom.SlotRef(10), Op: vdom.OpSetText, Value: "X"}})
	assert.Equal(t, "X", document.TextContent(h.node(t, 0, 0, 0)))

	h.a.Apply([]vdom.Patch{vdom.List(1, vdom.Del("x"))})
	assert.Equal(t, []string{"b", "a"}, RowKeys(ul))
	_, ok = h.a.Slot(11)
	assert.False(t, ok, "slots of deleted rows are unregistered")
	assert.Contains(t, h.refs, "del:rm-x")
}

func TestListInsertThatCannotBindLeavesTreeUnchanged(t *testing.T) {
	h := newHarness(t, `<ul data-slot="1"><li data-key="a">a</li></ul>`)
	h.a.Hydrate()
	before := h.html()

	res := h.a.Apply([]vdom.Patch{vdom.List(1, vdom.Ins(0, vdom.RowSpec{
		Key:   "x",
		HTML:  `<li><span>x</span></li>`,
		Slots: []vdom.SlotBinding{{ID: 10, Path: []int{3}}},
	}))})
	assert.Equal(t, 1, res.Skipped)
	assert.ErrorIs(t, res.Err(), ErrTargetNotFound)
	assert.Equal(t, before, h.html())

	res = h.a.Apply([]vdom.Patch{vdom.List(1, vdom.Ins(0, vdom.RowSpec{
		Key:      "a",
		HTML:     `<li>replacement</li>`,
		Bindings: []vdom.Binding{{Slot: 99, Ref: "nowhere"}},
	}))})
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, before, h.html(), "the existing row survives a failed replacement")
	_, ok := h.a.Slot(10)
	assert.False(t, ok)
	assert.Empty(t, h.refs)
}

func TestSlotListFromWire(t *testing.T) {
	h := newHarness(t, `<ul data-slot="4"></ul>`)
	h.a.Hydrate()

	var p vdom.Patch
	require.NoError(t, json.Unmarshal([]byte(`["list", 4, [["ins", 0, {"key":"k1","html":"<li>one</li>"}], ["ins", 5, {"key":"k2","html":"<li>two</li>"}]]]`), &p))
	h.a.Apply([]vdom.Patch{p})

	assert.Equal(t, `<ul data-slot="4"><li data-key="k1">one</li><li data-key="k2">two</li></ul>`, h.html())
	assert.Equal(t, int64(0), h.a.fragments.Stats().Hits)

	require.NoError(t, json.Unmarshal([]byte(`["list", 4, [["ins", 0, {"key":"k3","html":"<li>one</li>"}]]]`), &p))
	h.a.Apply([]vdom.Patch{p})
	assert.Equal(t, int64(1), h.a.fragments.Stats().Hits, "identical markup is parsed once")
}

func TestWindowPolicyHidesButKeepsRows(t *testing.T) {
	h := newHarness(t, `<ul data-slot="1"></ul>`, func(o *Options) {
		o.Window = &WindowPolicy{Threshold: 3, Size: 2}
	})
	h.a.Hydrate()

	var ops []vdom.ListOp
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		ops = append(ops, vdom.Ins(-1, vdom.RowSpec{Key: k, HTML: "<li>" + k + "</li>"}))
	}
	h.a.Apply([]vdom.Patch{vdom.List(1, ops...)})

	ul, _ := h.a.Slot(1)
	assert.Len(t, document.ElementChildren(ul), 5)
	assert.Equal(t, []string{"a", "b"}, keysOf(VisibleRows(ul)))

	require.NoError(t, h.a.ScrollList(1, 2))
	assert.Equal(t, []string{"c", "d"}, keysOf(VisibleRows(ul)))

	// Hidden rows are still addressable
	h.a.Apply([]vdom.Patch{vdom.List(1, vdom.Del("a"), vdom.Del("b"), vdom.Del("e"))})
	assert.Equal(t, []string{"c", "d"}, keysOf(VisibleRows(ul)))
	for _, el := range document.ElementChildren(ul) {
		assert.False(t, document.HasAttr(el, "hidden"))
	}
}

func keysOf(rows []*html.Node) []string {
	var keys []string
	for _, el := range rows {
		k, _ := document.Attr(el, "data-key")
		keys = append(keys, k)
	}
	return keys
}

func TestPanicInsideOpIsContained(t *testing.T) {
	h := newHarness(t, `<p>a</p>`)
	h.a.SetCallbacks(Callbacks{OnRef: func(string, *html.Node) { panic("ref") }})

	res := h.a.Apply([]vdom.Patch{
		{Target: vdom.PathRef(0), Op: vdom.OpSetRef, Value: "r"},
		vdom.SetText(vdom.PathRef(0, 0), "b"),
	})
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, "<p>b</p>", h.html())
}
