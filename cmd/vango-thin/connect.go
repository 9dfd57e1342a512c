package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/recera/vango-thin/cmd/vango-thin/internal/ui"
	"github.com/recera/vango-thin/internal/config"
	"github.com/recera/vango-thin/pkg/bus"
	"github.com/recera/vango-thin/pkg/conn"
	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/executor"
	"github.com/recera/vango-thin/pkg/live"
	"github.com/recera/vango-thin/pkg/runtime"
	"github.com/recera/vango-thin/pkg/scheduler"
)

const emptyPage = "<html><head></head><body></body></html>"

func newConnectCommand() *cobra.Command {
	var (
		tui       bool
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "connect [page]",
		Short: "Join a live session and keep a document in sync",
		Long: `Loads a page (file or URL) carrying a boot payload, or fetches the boot
payload from the server when no page is given. The client then joins the
session and applies frames until interrupted. A declined session reloads
the page; repeated reloads trip the failsafe and stop the client.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page := ""
			if len(args) == 1 {
				page = args[0]
			}
			return runConnect(cmd.Context(), cmd.OutOrStdout(), page, serverURL, tui)
		},
	}

	cmd.Flags().BoolVar(&tui, "tui", false, "Show the live status view")
	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (overrides the configuration)")

	return cmd
}

func runConnect(ctx context.Context, out io.Writer, page, serverURL string, tui bool) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	reloads, closeStore, err := openReloadStore(cfg)
	if err != nil {
		return fmt.Errorf("reload store: %w", err)
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := scheduler.NewLoop()
	loop.Start()
	defer loop.Stop()

	c := &connector{
		page:    page,
		loop:    loop,
		reloads: reloads,
		http:    &http.Client{Timeout: 15 * time.Second},
		notify:  func(line string) { fmt.Fprintln(out, line) },
	}
	c.cfg.Store(cfg)

	loader.OnChange(func(next *config.Config) {
		if serverURL != "" {
			next.Server.URL = serverURL
		}
		c.cfg.Store(next)
		glog.Infof("[Connect] configuration reloaded, applies on the next page load")
	})
	if err := loader.Watch(); err != nil {
		glog.Warningf("[Connect] configuration watch disabled: %v", err)
	}
	defer loader.Close()
	go func() {
		for {
			select {
			case err := <-loader.Errors():
				glog.Warningf("[Connect] configuration reload failed: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	if !tui {
		return c.run(ctx)
	}

	program := tea.NewProgram(ui.NewModel(c.snapshot, 250*time.Millisecond), tea.WithAltScreen(), tea.WithContext(ctx))
	c.notify = func(line string) { program.Send(ui.EventMsg(line)) }

	errc := make(chan error, 1)
	go func() {
		err := c.run(ctx)
		errc <- err
		reason := "disconnected"
		if err != nil {
			reason = err.Error()
		}
		program.Send(ui.DoneMsg{Reason: reason})
	}()

	_, runErr := program.Run()
	cancel()
	err = <-errc
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("status view: %w", runErr)
	}
	return err
}

// connector runs page loads until the context ends or a session fails
// for good
type connector struct {
	cfg     atomic.Pointer[config.Config]
	page    string
	loop    *scheduler.Loop
	reloads conn.ReloadStore
	http    *http.Client
	notify  func(string)

	mu     sync.Mutex
	client *runtime.Client
	ch     *live.WSChannel
	boot   live.Message
	last   ui.Snapshot
}

func (c *connector) run(ctx context.Context) error {
	for loads := 1; ; loads++ {
		reload, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !reload {
			return nil
		}
		c.notify(fmt.Sprintf("reloading page (load %d)", loads+1))
	}
}

// session is one page load. It reports whether the page should be loaded
// again.
func (c *connector) session(ctx context.Context) (bool, error) {
	cfg := c.cfg.Load()
	codec, err := live.NewCodec(cfg.Transport.Compress)
	if err != nil {
		return false, err
	}
	doc, globals, err := c.loadPage(ctx, cfg)
	if err != nil {
		return false, err
	}
	boot, err := runtime.FindBoot(doc, globals, codec)
	if err != nil {
		return false, err
	}
	url, err := cfg.LiveURL(boot.Sid)
	if err != nil {
		return false, err
	}

	var client *runtime.Client
	ch, err := live.NewChannel(live.ChannelOptions{
		URL:          url,
		Sid:          boot.Sid,
		Ver:          boot.Ver,
		LastSeq:      func() int { return client.LastSeq() },
		Codec:        codec,
		PingInterval: cfg.Transport.PingInterval.D(),
		WriteTimeout: cfg.Transport.WriteTimeout.D(),
		ReadTimeout:  cfg.Transport.ReadTimeout.D(),
		SendBuffer:   cfg.Transport.SendBuffer,
		OnMessage:    func(m live.Message) { client.Receive(m) },
		OnLost:       func(err error) { client.Lost(err) },
		OnInvalid:    func(err error) { glog.Warningf("[Connect] invalid message: %v", err) },
	})
	if err != nil {
		return false, err
	}

	ended := make(chan error, 1)
	end := func(err error) {
		select {
		case ended <- err:
		default:
		}
	}
	opts := runtimeOptions(cfg, c.loop, c.reloads)
	opts.OnReload = func() { end(nil) }
	opts.OnFailsafe = func(err error) { end(fmt.Errorf("failsafe: %w", err)) }
	opts.OnError = func(err error) {
		if errors.Is(err, conn.ErrReconnectExhausted) {
			end(err)
			return
		}
		c.notify("error: " + err.Error())
	}

	client, err = runtime.New(doc, boot, ch, opts)
	if err != nil {
		return false, err
	}
	client.Bus().Subscribe(bus.Wildcard, bus.Wildcard, c.observe)

	c.mu.Lock()
	c.client, c.ch, c.boot = client, ch, boot
	c.mu.Unlock()

	started := make(chan error, 1)
	c.loop.Post(func() { started <- client.Start() })
	if err := <-started; err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		c.stopClient(client)
		return false, nil
	case err := <-ended:
		c.stopClient(client)
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

func (c *connector) stopClient(client *runtime.Client) {
	done := make(chan struct{})
	c.loop.Post(func() {
		client.Stop()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		glog.Warningf("[Connect] client stop timed out")
	}
}

// observe reports bus traffic worth a line
func (c *connector) observe(topic, action string, payload any) {
	switch topic {
	case runtime.TopicConn:
		switch action {
		case "state":
			c.notify(fmt.Sprintf("state %v", payload))
		case "failsafe":
			c.notify(fmt.Sprintf("failsafe: %v", payload))
		}
	case runtime.TopicRouter, runtime.TopicEffect, runtime.TopicUpload:
		c.notify(fmt.Sprintf("%s %s", topic, action))
	case runtime.TopicRef, runtime.TopicMetrics, runtime.TopicOptimistic, executor.Topic:
		if glog.V(2) {
			glog.Infof("[Connect] %s %s", topic, action)
		}
	default:
		c.notify(fmt.Sprintf("pubsub %s %s", topic, action))
	}
}

// loadPage returns the document and globals of one page load
func (c *connector) loadPage(ctx context.Context, cfg *config.Config) (*document.Document, map[string]string, error) {
	switch {
	case c.page == "":
		body, err := c.fetch(ctx, cfg.BootURL())
		if err != nil {
			return nil, nil, err
		}
		doc, err := document.ParseString(emptyPage)
		if err != nil {
			return nil, nil, err
		}
		return doc, map[string]string{runtime.BootGlobal: string(body)}, nil

	case strings.HasPrefix(c.page, "http://"), strings.HasPrefix(c.page, "https://"):
		body, err := c.fetch(ctx, c.page)
		if err != nil {
			return nil, nil, err
		}
		doc, err := document.Parse(bytes.NewReader(body))
		return doc, nil, err

	default:
		f, err := os.Open(c.page)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		doc, err := document.Parse(f)
		return doc, nil, err
	}
}

func (c *connector) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, live.MaxMessageSize))
}

// snapshot reads the client on the scheduler goroutine. A busy or stopped
// loop returns the previous reading.
func (c *connector) snapshot() ui.Snapshot {
	c.mu.Lock()
	client, ch, boot := c.client, c.ch, c.boot
	c.mu.Unlock()
	if client == nil {
		return ui.Snapshot{State: conn.Idle.String()}
	}

	res := make(chan ui.Snapshot, 1)
	c.loop.Post(func() {
		st := client.Stats()
		seq := client.SequencerStats()
		res <- ui.Snapshot{
			Sid:        boot.Sid,
			Ver:        boot.Ver,
			State:      client.State().String(),
			Failsafe:   client.Machine().Failsafe(),
			LastSeq:    client.LastSeq(),
			Buffered:   seq.Buffered,
			Dropped:    seq.Dropped,
			Evicted:    seq.Evicted,
			Frames:     st.Frames,
			Patches:    st.Patches,
			Skipped:    st.Skipped,
			Acks:       st.Acks,
			Recovers:   st.Recovers,
			Outbox:     client.Outbox(),
			Optimistic: client.Optimistic().Pending(),
		}
	})

	select {
	case s := <-res:
		wire := ch.Stats()
		s.Sent, s.Received, s.Invalid = wire.Sent, wire.Received, wire.Invalid
		c.mu.Lock()
		c.last = s
		c.mu.Unlock()
		return s
	case <-time.After(200 * time.Millisecond):
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last
	}
}
