package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/recera/vango-thin/internal/config"
	"github.com/recera/vango-thin/pkg/live"
)

func newReplayCommand() *cobra.Command {
	var (
		addr     string
		ver      string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay <recording.jsonl>",
		Short: "Serve a recorded session over websocket",
		Long: `Replays a JSON-lines recording (one boot line followed by frame lines)
to every client that joins /live/{sid}. The boot payload is served at
/boot. Clients that resume or ask for recovery get the frames after their
last acknowledged seq.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// CLI takes precedence
			if addr != "" {
				cfg.Replay.Addr = addr
			}
			if ver != "" {
				cfg.Replay.Ver = ver
			}
			if cmd.Flags().Changed("interval") {
				cfg.Replay.Interval = config.Duration(interval)
			}
			return runReplay(cmd.Context(), cfg, args[0])
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on")
	cmd.Flags().StringVar(&ver, "ver", "", "Version announced in join replies (defaults to the boot version)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between replayed frames")

	return cmd
}

func runReplay(ctx context.Context, cfg *config.Config, path string) error {
	codec, err := live.NewCodec(cfg.Transport.Compress)
	if err != nil {
		return err
	}
	rec, err := live.LoadRecordingFile(path, codec)
	if err != nil {
		return fmt.Errorf("load recording: %w", err)
	}
	ver := cfg.Replay.Ver
	if ver == "" && rec.Boot != nil {
		ver = rec.Boot.Ver
	}

	srv, err := live.NewServer(rec, live.ServerOptions{
		Codec:    codec,
		Ver:      ver,
		Interval: cfg.Replay.Interval.D(),
		OnMessage: func(sid string, m live.Message) {
			glog.V(1).Infof("[Replay] %s <- %s", sid, m.T)
		},
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Replay.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		glog.Infof("[Replay] serving %d frames from %s on %s", len(rec.Frames), path, cfg.Replay.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
