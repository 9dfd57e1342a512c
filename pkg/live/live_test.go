package live

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recera/vango-thin/pkg/conn"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

const recording = `{"t":"boot","sid":"s1","ver":"v1","seq":0,"patch":[],"location":{"path":"/"}}
{"t":"frame","seq":1,"patch":[{"seq":0,"path":[0,0],"op":"setText","value":"one"}]}
{"t":"frame","seq":2,"patch":[["setText",3,"two"]]}
{"t":"frame","seq":3,"patch":[{"seq":0,"path":[0],"op":"setAttr","name":"class","value":"done"}],"metrics":{"render_ms":1.5}}
`

func newCodec(t *testing.T, compress bool) *Codec {
	t.Helper()
	c, err := NewCodec(compress)
	require.NoError(t, err)
	return c
}

func TestCodecValidates(t *testing.T) {
	c := newCodec(t, false)

	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"frame", `{"t":"frame","seq":4,"patch":[]}`, true},
		{"tuple patch", `{"t":"frame","seq":4,"patch":[["list",2,[["del","a"]]]]}`, true},
		{"unknown type", `{"t":"hello"}`, false},
		{"missing type", `{"seq":1}`, false},
		{"negative seq", `{"t":"frame","seq":-1}`, false},
		{"domreq without props", `{"t":"domreq","id":"1","ref":"r"}`, false},
		{"error without code", `{"t":"error","message":"x"}`, false},
		{"boot", `{"t":"boot","sid":"a","ver":"1"}`, true},
		{"not json", `{"t":`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode(websocket.TextMessage, []byte(tc.in))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}

func TestCodecCompressedFrames(t *testing.T) {
	c := newCodec(t, true)
	c.MinCompressSize = 0

	in := Message{T: TypeFrame, Seq: 7, Patch: []vdom.Patch{
		vdom.SetText(vdom.PathRef(0, 1), strings.Repeat("x", 2000)),
		vdom.SetAttr(vdom.SlotRef(3), "title", "t"),
	}}
	kind, data, err := c.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Less(t, len(data), 2000)

	out, err := c.Decode(kind, data)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Seq)
	require.Len(t, out.Patch, 2)
	assert.Equal(t, vdom.OpSetText, out.Patch[0].Op)
	assert.True(t, out.Patch[1].Target.BySlot)

	_, err = c.Decode(websocket.BinaryMessage, []byte{0x09, 0x01})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, n := binary.Uvarint(data[1:])
	_, err = c.Decode(websocket.BinaryMessage, append([]byte{frameZstdJSON, 0x05}, data[1+n:]...))
	assert.ErrorIs(t, err, ErrInvalidMessage, "length mismatch")
}

func TestDeclines(t *testing.T) {
	assert.True(t, JoinReply("s", "v", false).Declines())
	assert.False(t, JoinReply("s", "v", true).Declines())
	assert.True(t, Message{T: TypeError, Code: CodeSessionExpired}.Declines())
	assert.False(t, Message{T: TypeError, Code: "rate_limited"}.Declines())
}

func TestLoadRecording(t *testing.T) {
	rec, err := LoadRecording(strings.NewReader(recording), newCodec(t, false))
	require.NoError(t, err)
	require.NotNil(t, rec.Boot)
	assert.Equal(t, "v1", rec.Boot.Ver)
	require.Len(t, rec.Frames, 3)
	assert.Equal(t, 1.5, rec.Frames[2].Metrics["render_ms"])

	_, err = LoadRecording(strings.NewReader(`{"t":"frame"}`+"\n"+`{"t":"nope"}`), newCodec(t, false))
	assert.ErrorContains(t, err, "line 2")
}

type inbox struct {
	mu   sync.Mutex
	msgs []Message
	lost chan error
}

func (b *inbox) add(m Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) frames() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var seqs []int
	for _, m := range b.msgs {
		if m.T == TypeFrame {
			seqs = append(seqs, m.Seq)
		}
	}
	return seqs
}

func startServer(t *testing.T, opts ServerOptions) (*Server, string) {
	t.Helper()
	codec := newCodec(t, false)
	rec, err := LoadRecording(strings.NewReader(recording), codec)
	require.NoError(t, err)
	opts.Codec = codec
	srv, err := NewServer(rec, opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, base, ver string, lastSeq int) (*WSChannel, *inbox) {
	t.Helper()
	box := &inbox{lost: make(chan error, 1)}
	ch, err := NewChannel(ChannelOptions{
		URL:       base + "/live/s1",
		Sid:       "s1",
		Ver:       ver,
		LastSeq:   func() int { return lastSeq },
		OnMessage: box.add,
		OnLost:    func(err error) { box.lost <- err },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	return ch, box
}

func TestChannelJoinAndReplay(t *testing.T) {
	srv, base := startServer(t, ServerOptions{Ver: "v1"})
	ch, box := dial(t, base, "v1", 0)
	defer ch.Leave()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Join(ctx))

	require.Eventually(t, func() bool { return len(box.frames()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, box.frames())

	require.NoError(t, ch.Send(Ack("s1", 3)))
	require.NoError(t, ch.Send(Event("s1", "h1", map[string]any{"value": "x"})))
	require.Eventually(t, func() bool {
		sess, ok := srv.Session("s1")
		return ok && sess.LastAck() == 3 && len(sess.Received()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, ch.Send("raw"), "only wire messages are sent")
}

func TestChannelResumeFromLastSeq(t *testing.T) {
	_, base := startServer(t, ServerOptions{Ver: "v1"})
	ch, box := dial(t, base, "v1", 2)
	defer ch.Leave()

	require.NoError(t, ch.Join(context.Background()))
	require.Eventually(t, func() bool { return len(box.frames()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{3}, box.frames())

	box.mu.Lock()
	defer box.mu.Unlock()
	require.NotEmpty(t, box.msgs)
	assert.Equal(t, TypeResume, box.msgs[0].T)
	assert.Equal(t, 3, box.msgs[0].From)
}

func TestChannelDeclined(t *testing.T) {
	_, base := startServer(t, ServerOptions{Ver: "v1", Accept: func(string) bool { return false }})
	ch, _ := dial(t, base, "v1", 0)
	defer ch.Leave()

	err := ch.Join(context.Background())
	assert.ErrorIs(t, err, conn.ErrDeclined)
}

func TestChannelVersionMismatchDeclines(t *testing.T) {
	_, base := startServer(t, ServerOptions{Ver: "v2"})
	ch, _ := dial(t, base, "v1", 0)
	defer ch.Leave()

	err := ch.Join(context.Background())
	require.ErrorIs(t, err, conn.ErrDeclined)
	assert.Contains(t, err.Error(), "server version v2")
}

func TestChannelLostAndLeave(t *testing.T) {
	srv, base := startServer(t, ServerOptions{Ver: "v1"})
	ch, box := dial(t, base, "v1", 0)
	require.NoError(t, ch.Join(context.Background()))

	sess, ok := srv.Session("s1")
	require.True(t, ok)
	sess.close()

	select {
	case err := <-box.lost:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lost connection not reported")
	}

	ch2, box2 := dial(t, base, "v1", 0)
	require.NoError(t, ch2.Leave())
	select {
	case err := <-box2.lost:
		t.Fatalf("leave reported as lost: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, errors.Is(ch2.Send(Recover("s1")), ErrNotConnected))
}
