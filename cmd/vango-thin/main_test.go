package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recera/vango-thin/internal/config"
	"github.com/recera/vango-thin/internal/store"
	"github.com/recera/vango-thin/pkg/conn"
	"github.com/recera/vango-thin/pkg/live"
	"github.com/recera/vango-thin/pkg/scheduler"
)

const page = `<html><head></head><body><p>one</p><ul data-slot="3"></ul></body></html>`

const recording = `{"t":"boot","sid":"s1","ver":"v1","seq":0,"patch":[],"location":{"path":"/"}}
{"t":"frame","seq":1,"patch":[{"seq":0,"path":[0,0],"op":"setText","value":"one"}]}
{"t":"frame","seq":2,"patch":[["setText",3,"two"]]}
{"t":"frame","seq":3,"patch":[{"seq":0,"path":[0],"op":"setAttr","name":"class","value":"done"}]}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyPatchArray(t *testing.T) {
	pagePath := writeFile(t, "page.html", page)
	patchPath := writeFile(t, "patches.json", `[
		{"seq":1,"path":[0],"op":"setAttr","name":"class","value":"b"},
		{"seq":0,"path":[0,0],"op":"setText","value":"two"},
		["setText",3,"slot"]
	]`)

	var out, diag bytes.Buffer
	require.NoError(t, runApply(config.DefaultConfig(), pagePath, patchPath, &out, &diag))

	assert.Contains(t, out.String(), `<p class="b">two</p>`)
	assert.Contains(t, out.String(), `<ul data-slot="3">slot</ul>`)
	assert.Equal(t, "applied 3, skipped 0\n", diag.String())
}

func TestApplyFrameReportsSkipped(t *testing.T) {
	pagePath := writeFile(t, "page.html", page)
	patchPath := writeFile(t, "frame.json",
		`{"t":"frame","seq":4,"patch":[{"seq":0,"path":[9],"op":"setText","value":"x"},{"seq":1,"path":[0,0],"op":"setText","value":"ok"}]}`)

	var out, diag bytes.Buffer
	require.NoError(t, runApply(config.DefaultConfig(), pagePath, patchPath, &out, &diag))

	assert.Contains(t, out.String(), `<p>ok</p>`)
	assert.True(t, strings.HasPrefix(diag.String(), "applied 1, skipped 1\n"))
}

func TestReadPatches(t *testing.T) {
	patches, err := readPatches([]byte("  "), false)
	require.NoError(t, err)
	assert.Empty(t, patches)

	_, err = readPatches([]byte(`{"t":"recover","sid":"s"}`), false)
	assert.Error(t, err)

	_, err = readPatches([]byte(`{"t":"frame","seq":-1}`), false)
	assert.ErrorIs(t, err, live.ErrInvalidMessage)
}

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	l.all = append(l.all, s)
	l.mu.Unlock()
}

func (l *lines) has(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.all {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func startReplay(t *testing.T, opts live.ServerOptions) (*live.Server, *httptest.Server) {
	t.Helper()
	codec, err := live.NewCodec(false)
	require.NoError(t, err)
	rec, err := live.LoadRecording(strings.NewReader(recording), codec)
	require.NoError(t, err)
	opts.Codec = codec
	srv, err := live.NewServer(rec, opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newConnector(t *testing.T, cfg *config.Config, ts *httptest.Server, out *lines) *connector {
	t.Helper()
	loop := scheduler.NewLoop()
	loop.Start()
	t.Cleanup(loop.Stop)
	c := &connector{
		loop:    loop,
		reloads: store.NewMemoryReloadLog(),
		http:    ts.Client(),
		notify:  out.add,
	}
	c.cfg.Store(cfg)
	return c
}

func TestConnectorFollowsReplay(t *testing.T) {
	srv, ts := startReplay(t, live.ServerOptions{Ver: "v1"})
	cfg := config.DefaultConfig()
	cfg.Server.URL = ts.URL

	var out lines
	c := newConnector(t, cfg, ts, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx) }()

	require.Eventually(t, func() bool {
		s := c.snapshot()
		return s.State == conn.Joined.String() && s.LastSeq == 3
	}, 5*time.Second, 10*time.Millisecond)

	s := c.snapshot()
	assert.Equal(t, "s1", s.Sid)
	assert.Equal(t, 3, s.Frames)
	assert.Positive(t, s.Received)
	assert.True(t, out.has("state joined"))

	require.Eventually(t, func() bool {
		sess, ok := srv.Session("s1")
		return ok && sess.LastAck() == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connector did not stop")
	}
}

func TestConnectorFailsafeAfterRepeatedDeclines(t *testing.T) {
	_, ts := startReplay(t, live.ServerOptions{Ver: "v1", Accept: func(string) bool { return false }})
	cfg := config.DefaultConfig()
	cfg.Server.URL = ts.URL
	cfg.Reload.JitterMin = config.Duration(time.Millisecond)
	cfg.Reload.JitterMax = config.Duration(5 * time.Millisecond)
	cfg.Reload.MaxReloads = 2

	var out lines
	c := newConnector(t, cfg, ts, &out)

	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, conn.ErrReloadLoop)
	case <-time.After(10 * time.Second):
		t.Fatal("failsafe did not trip")
	}
	assert.True(t, out.has("reloading page (load 2)"))
	assert.True(t, out.has("reloading page (load 3)"))
	assert.True(t, c.snapshot().Failsafe)
}

func TestConnectorWithoutBootStops(t *testing.T) {
	_, ts := startReplay(t, live.ServerOptions{})
	cfg := config.DefaultConfig()
	cfg.Server.URL = ts.URL

	var out lines
	c := newConnector(t, cfg, ts, &out)
	c.page = writeFile(t, "page.html", page)

	err := c.run(context.Background())
	assert.ErrorContains(t, err, "no boot payload")
}
