package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"client.yaml": "server:\n  url: https://app.example\nsequencer:\n  gapTimeout: 750ms\nrender:\n  sanitize: true\n",
		"client.toml": "[server]\nurl = \"https://app.example\"\n[sequencer]\ngapTimeout = \"750ms\"\n[render]\nsanitize = true\n",
		"client.json": `{"server":{"url":"https://app.example"},"sequencer":{"gapTimeout":"750ms"},"render":{"sanitize":true}}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "https://app.example", cfg.Server.URL)
			assert.Equal(t, 750*time.Millisecond, cfg.Sequencer.GapTimeout.D())
			assert.True(t, cfg.Render.Sanitize)
			assert.Equal(t, 50, cfg.Sequencer.Capacity, "unset fields keep defaults")

			live, err := cfg.LiveURL("abc")
			require.NoError(t, err)
			assert.Equal(t, "wss://app.example/live/abc", live)
		})
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
	assert.Equal(t, "http://localhost:8080/boot", cfg.BootURL())
}

func TestUnknownKeysRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servr:\n  url: x\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VANGO_SERVER_URL", "http://override:9000")
	t.Setenv("VANGO_GAP_TIMEOUT", "3s")
	t.Setenv("VANGO_MAX_RELOADS", "7")
	t.Setenv("VANGO_COMPRESS", "true")
	t.Setenv("VANGO_BATCH_DELAY", "not a duration")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://override:9000", cfg.Server.URL)
	assert.Equal(t, 3*time.Second, cfg.Sequencer.GapTimeout.D())
	assert.Equal(t, 7, cfg.Reload.MaxReloads)
	assert.True(t, cfg.Transport.Compress)
	assert.Equal(t, 16*time.Millisecond, cfg.Render.BatchDelay.D(), "bad values are ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no url", func(c *Config) { c.Server.URL = "" }},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://x" }},
		{"backoff max below initial", func(c *Config) { c.Connection.BackoffMax = 1 }},
		{"multiplier", func(c *Config) { c.Connection.BackoffMultiplier = 0.5 }},
		{"jitter", func(c *Config) { c.Connection.BackoffJitter = 2 }},
		{"reload jitter", func(c *Config) { c.Reload.JitterMax = 0 }},
		{"capacity", func(c *Config) { c.Sequencer.Capacity = 0 }},
		{"window", func(c *Config) { c.Render.WindowThreshold = 100 }},
		{"strategy", func(c *Config) { c.Render.CacheStrategy = "random" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPolicies(t *testing.T) {
	cfg := DefaultConfig()
	b := cfg.Backoff()
	assert.Equal(t, 250*time.Millisecond, b.Initial)
	assert.Equal(t, 10, b.MaxAttempts)

	p := cfg.ReloadPolicy(nil)
	assert.Equal(t, time.Minute, p.Window)
	assert.Equal(t, 3, p.MaxReloads)
	assert.Equal(t, 128, cfg.CacheConfig().MaxEntries)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".toml", ".json"} {
		path := filepath.Join(t.TempDir(), "client"+ext)
		cfg := DefaultConfig()
		cfg.Replay.Interval = Duration(time.Second)
		require.NoError(t, Save(cfg, path))

		got, err := Load(path)
		require.NoError(t, err, ext)
		assert.Equal(t, cfg, got, ext)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sequencer:\n  capacity: 10\n"), 0644))

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sequencer.Capacity)

	changed := make(chan *Config, 1)
	l.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("sequencer:\n  capacity: 20\n"), 0644))
	select {
	case c := <-changed:
		assert.Equal(t, 20, c.Sequencer.Capacity)
		assert.Equal(t, 20, l.Config().Sequencer.Capacity)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	require.NoError(t, os.WriteFile(path, []byte("sequencer:\n  capacity: -1\n"), 0644))
	select {
	case err := <-l.Errors():
		assert.Error(t, err)
		assert.Equal(t, 20, l.Config().Sequencer.Capacity, "invalid reload keeps the previous config")
	case <-time.After(5 * time.Second):
		t.Fatal("invalid reload was not reported")
	}
}
