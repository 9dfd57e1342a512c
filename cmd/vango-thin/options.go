package main

import (
	"github.com/microcosm-cc/bluemonday"

	"github.com/recera/vango-thin/internal/config"
	"github.com/recera/vango-thin/internal/store"
	"github.com/recera/vango-thin/pkg/conn"
	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/renderer/dom"
	"github.com/recera/vango-thin/pkg/runtime"
	"github.com/recera/vango-thin/pkg/scheduler"
)

// renderOptions builds the applier settings shared by connect and apply
func renderOptions(cfg *config.Config) (*dom.WindowPolicy, *bluemonday.Policy, *document.FragmentParser) {
	var window *dom.WindowPolicy
	if cfg.Render.WindowThreshold > 0 {
		window = &dom.WindowPolicy{Threshold: cfg.Render.WindowThreshold, Size: cfg.Render.WindowSize}
	}
	var sanitizer *bluemonday.Policy
	if cfg.Render.Sanitize {
		sanitizer = bluemonday.UGCPolicy()
	}
	return window, sanitizer, document.NewFragmentParser(cfg.CacheConfig())
}

// runtimeOptions maps the configuration onto client options
func runtimeOptions(cfg *config.Config, s scheduler.Scheduler, reloads conn.ReloadStore) runtime.Options {
	window, sanitizer, fragments := renderOptions(cfg)
	return runtime.Options{
		Scheduler:      s,
		Backoff:        cfg.Backoff(),
		Reload:         cfg.ReloadPolicy(reloads),
		StallTimeout:   cfg.Connection.StallTimeout.D(),
		BufferCapacity: cfg.Sequencer.Capacity,
		GapTimeout:     cfg.Sequencer.GapTimeout.D(),
		BatchDelay:     cfg.Render.BatchDelay.D(),
		OutboxSize:     cfg.Render.Outbox,
		Window:         window,
		Sanitizer:      sanitizer,
		Fragments:      fragments,
	}
}

// openReloadStore opens the reload history. Without a store path the
// history lives in memory and does not survive the process.
func openReloadStore(cfg *config.Config) (conn.ReloadStore, func() error, error) {
	if cfg.Reload.StorePath == "" {
		return store.NewMemoryReloadLog(), func() error { return nil }, nil
	}
	log, err := store.OpenReloadLog(cfg.Reload.StorePath, cfg.Server.URL)
	if err != nil {
		return nil, nil, err
	}
	return log, log.Close, nil
}
