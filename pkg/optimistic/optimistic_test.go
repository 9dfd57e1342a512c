package optimistic

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/renderer/dom"
	htmlrender "github.com/recera/vango-thin/pkg/renderer/html"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

func setup(t *testing.T, body string, opts Options) (*Manager, *dom.Applier, *document.Document) {
	t.Helper()
	doc, err := document.ParseString("<html><body>" + body + "</body></html>")
	require.NoError(t, err)
	a := dom.NewApplier(doc, dom.Options{})
	a.Hydrate()
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Unix(1700000000, 0) }
	}
	return New(a, opts), a, doc
}

func snapshot(doc *document.Document) string {
	return htmlrender.InnerHTML(doc.Root())
}

func TestRollbackRestoresTextAndAttributes(t *testing.T) {
	m, _, doc := setup(t, `<p class="a" title="x">hello</p><input value="v">`, Options{})
	before := snapshot(doc)

	id, err := m.Apply([]vdom.Patch{
		vdom.SetText(vdom.PathRef(0, 0), "bye"),
		vdom.SetAttr(vdom.PathRef(0), "class", "b"),
		vdom.DelAttr(vdom.PathRef(0), "title"),
		vdom.SetAttr(vdom.PathRef(0), "data-new", "1"),
		vdom.SetStyle(vdom.PathRef(0), "color", "red"),
	})
	require.NoError(t, err)
	assert.Equal(t, `<p class="b" data-new="1" style="color: red">bye</p><input value="v">`, snapshot(doc))
	assert.Equal(t, 1, m.Pending())

	assert.True(t, m.Rollback(id))
	assert.Equal(t, 0, m.Pending())

	p := doc.Root().FirstChild
	cls, _ := document.Attr(p, "class")
	title, _ := document.Attr(p, "title")
	assert.Equal(t, "a", cls)
	assert.Equal(t, "x", title)
	assert.False(t, document.HasAttr(p, "data-new"))
	assert.False(t, document.HasAttr(p, "style"))
	assert.Equal(t, "hello", document.TextContent(p))
	assert.Equal(t, before, snapshot(doc))
}

func TestRollbackRestoresFormValue(t *testing.T) {
	m, _, doc := setup(t, `<input value="orig">`, Options{})
	input := doc.Root().FirstChild

	id, _ := m.Apply([]vdom.Patch{vdom.SetAttr(vdom.PathRef(0), "value", "typed")})
	assert.Equal(t, "typed", doc.Value(input))

	m.Rollback(id)
	assert.Equal(t, "orig", doc.Value(input))
}

func TestSequentialPatchesOnSameTarget(t *testing.T) {
	m, _, doc := setup(t, `<p>one</p>`, Options{})

	id, _ := m.Apply([]vdom.Patch{
		vdom.SetText(vdom.PathRef(0, 0), "two"),
		vdom.SetText(vdom.PathRef(0, 0), "three"),
	})
	assert.Equal(t, "<p>three</p>", snapshot(doc))

	m.Rollback(id)
	assert.Equal(t, "<p>one</p>", snapshot(doc))
}

func TestListInsertRollback(t *testing.T) {
	m, a, doc := setup(t, `<ul data-slot="1"><li data-key="a">a</li><li data-key="b">b</li></ul>`, Options{})
	ul, _ := a.Slot(1)

	id, _ := m.Apply([]vdom.Patch{vdom.List(1,
		vdom.Ins(0, vdom.RowSpec{Key: "new", HTML: "<li>new</li>"}),
		vdom.Mov(2, 0),
	)})
	assert.Equal(t, []string{"b", "new", "a"}, dom.RowKeys(ul))

	m.Rollback(id)
	assert.Equal(t, []string{"a", "b"}, dom.RowKeys(ul))
	assert.Equal(t, `<ul data-slot="1"><li data-key="a">a</li><li data-key="b">b</li></ul>`, snapshot(doc))
}

func TestListDeleteHasNoInverse(t *testing.T) {
	m, a, _ := setup(t, `<ul data-slot="1"><li data-key="a">a</li></ul>`, Options{})
	ul, _ := a.Slot(1)

	id, _ := m.Apply([]vdom.Patch{vdom.List(1, vdom.Del("a"))})
	u, ok := m.Get(id)
	require.True(t, ok)
	assert.Empty(t, u.Inverse)

	m.Rollback(id)
	assert.Empty(t, dom.RowKeys(ul))
}

func TestAddAndMoveChildRollback(t *testing.T) {
	m, _, doc := setup(t, `<ul><li data-key="A">A</li><li data-key="B">B</li><li data-key="C">C</li></ul>`, Options{})

	id, _ := m.Apply([]vdom.Patch{
		vdom.AddChild(vdom.PathRef(0), 0, &vdom.VNode{Kind: vdom.KindElement, Tag: "li", Key: "new"}),
		vdom.MoveChild(vdom.PathRef(0), 0, 1, "K:new"),
		vdom.MoveChild(vdom.PathRef(0), -1, 3, "K:A"),
	})
	assert.Equal(t, []string{"new", "B", "C", "A"}, dom.RowKeys(doc.Root().FirstChild))

	m.Rollback(id)
	assert.Equal(t, []string{"A", "B", "C"}, dom.RowKeys(doc.Root().FirstChild))
}

func TestScriptAndHandlerRollback(t *testing.T) {
	m, a, doc := setup(t, `<button>go</button>`, Options{})
	btn := doc.Root().FirstChild
	a.ApplyOne(vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{Event: "click", Handler: "h1"}))

	id, _ := m.Apply([]vdom.Patch{
		vdom.SetHandlers(vdom.PathRef(0), vdom.HandlerMeta{Event: "click", Handler: "h2"}),
		{Target: vdom.PathRef(0), Op: vdom.OpSetScript, Script: &vdom.ScriptMeta{ScriptID: "s"}},
	})
	assert.Equal(t, "h2", a.Handlers(btn)[0].Handler)

	m.Rollback(id)
	require.Len(t, a.Handlers(btn), 1)
	assert.Equal(t, "h1", a.Handlers(btn)[0].Handler)
	_, ok := a.ScriptOf(btn)
	assert.False(t, ok)
}

func TestCommitLeavesTree(t *testing.T) {
	m, _, doc := setup(t, `<p>one</p>`, Options{})
	var events []Event
	m.Listen(func(ev Event) { events = append(events, ev) })

	id, _ := m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0), "two")})
	assert.True(t, m.Commit(id))
	assert.Equal(t, "<p>two</p>", snapshot(doc))

	assert.False(t, m.Commit(id))
	assert.False(t, m.Rollback(id), "second outcome is a no-op")
	assert.Equal(t, "<p>two</p>", snapshot(doc))

	require.Len(t, events, 2)
	assert.Equal(t, Applied, events[0].Kind)
	assert.Equal(t, Committed, events[1].Kind)
}

func TestRollbackErrorsAreReported(t *testing.T) {
	var reported []error
	m, a, _ := setup(t, `<div><p>x</p></div>`, Options{OnError: func(_ string, err error) { reported = append(reported, err) }})

	id, _ := m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0, 0), "y")})
	// remove the target so the inverse cannot resolve
	a.ApplyOne(vdom.DelChild(vdom.PathRef(0), 0))

	var ev Event
	m.Listen(func(e Event) { ev = e })
	assert.NotPanics(t, func() { m.Rollback(id) })

	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], dom.ErrTargetNotFound)
	assert.Equal(t, RolledBack, ev.Kind)
	assert.True(t, errors.Is(ev.Err, dom.ErrTargetNotFound))
}

func TestTableIsBounded(t *testing.T) {
	m, _, _ := setup(t, `<p>x</p>`, Options{MaxPending: 2})

	first, _ := m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0), "1")})
	m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0), "2")})
	m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0), "3")})

	assert.Equal(t, 2, m.Pending())
	_, ok := m.Get(first)
	assert.False(t, ok)
}

func TestRollbackAllNewestFirst(t *testing.T) {
	m, _, doc := setup(t, `<p>0</p>`, Options{})
	m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0), "1")})
	m.Apply([]vdom.Patch{vdom.SetText(vdom.PathRef(0, 0), "2")})

	assert.Equal(t, 2, m.RollbackAll())
	assert.Equal(t, "<p>0</p>", snapshot(doc))
}

func TestUpdateIDsAreOrdered(t *testing.T) {
	m, _, _ := setup(t, `<p>x</p>`, Options{})
	a, _ := m.Apply(nil)
	b, _ := m.Apply(nil)
	assert.Less(t, a, b)
	assert.Len(t, a, 26)
}
