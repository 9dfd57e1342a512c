package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/net/html"

	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/live"
)

// ErrNoBoot means the page carries no usable boot payload. No connection
// is attempted without one.
var ErrNoBoot = errors.New("no boot payload")

const (
	// BootScriptID is the id of the embedded boot script element
	BootScriptID = "vango-boot"
	// BootGlobal is the global variable holding the boot payload
	BootGlobal = "__VANGO_BOOT__"
)

// FindBoot locates the boot payload: first an embedded
// <script id="vango-boot" type="application/json">, then the BootGlobal
// entry of globals. The payload must validate as a boot message.
func FindBoot(doc *document.Document, globals map[string]string, codec *live.Codec) (live.Message, error) {
	var raw string
	source := ""
	if doc != nil {
		if n := document.FindFirst(doc.Top(), isBootScript); n != nil {
			raw, source = document.TextContent(n), "#"+BootScriptID
		}
	}
	if strings.TrimSpace(raw) == "" {
		if g, ok := globals[BootGlobal]; ok {
			raw, source = g, BootGlobal
		}
	}
	if strings.TrimSpace(raw) == "" {
		return live.Message{}, ErrNoBoot
	}
	m, err := codec.Decode(websocket.TextMessage, []byte(raw))
	if err != nil {
		return live.Message{}, fmt.Errorf("%w: %s: %v", ErrNoBoot, source, err)
	}
	if m.T != live.TypeBoot {
		return live.Message{}, fmt.Errorf("%w: %s holds a %s message", ErrNoBoot, source, m.T)
	}
	return m, nil
}

func isBootScript(n *html.Node) bool {
	if !document.IsElement(n, "script") {
		return false
	}
	id, _ := document.Attr(n, "id")
	typ, _ := document.Attr(n, "type")
	return id == BootScriptID && (typ == "" || typ == "application/json")
}
