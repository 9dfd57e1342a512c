package live

import (
	"fmt"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/recera/vango-thin/pkg/vango/vdom"
)

func benchFrame() Message {
	patches := make([]vdom.Patch, 0, 50)
	for i := 0; i < 50; i++ {
		patches = append(patches, vdom.SetText(vdom.SlotRef(i+1), fmt.Sprintf("updated text content %d", i)))
	}
	return Message{T: TypeFrame, Seq: 42, Patch: patches}
}

func benchDecode(b *testing.B, compress bool) {
	c, err := NewCodec(compress)
	if err != nil {
		b.Fatal(err)
	}
	c.MinCompressSize = 0
	kind, data, err := c.Encode(benchFrame())
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Decode(kind, data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeFrame(b *testing.B)           { benchDecode(b, false) }
func BenchmarkDecodeCompressedFrame(b *testing.B) { benchDecode(b, true) }

func BenchmarkEncodeFrame(b *testing.B) {
	c, err := NewCodec(false)
	if err != nil {
		b.Fatal(err)
	}
	m := benchFrame()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if kind, _, err := c.Encode(m); err != nil || kind != websocket.TextMessage {
			b.Fatal(kind, err)
		}
	}
}
