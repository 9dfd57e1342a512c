// Package config loads the thin client configuration from YAML, TOML or
// JSON files with VANGO_* environment overrides, and hot-reloads it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/recera/vango-thin/internal/cache"
	"github.com/recera/vango-thin/pkg/conn"
)

// Duration is a time.Duration written as "250ms" in config files
type Duration time.Duration

// D returns the time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the client configuration
type Config struct {
	// Server is the live endpoint
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	Connection ConnectionConfig `json:"connection" yaml:"connection" toml:"connection"`
	Reload     ReloadConfig     `json:"reload" yaml:"reload" toml:"reload"`
	Sequencer  SequencerConfig  `json:"sequencer" yaml:"sequencer" toml:"sequencer"`
	Render     RenderConfig     `json:"render" yaml:"render" toml:"render"`
	Transport  TransportConfig  `json:"transport" yaml:"transport" toml:"transport"`
	Replay     ReplayConfig     `json:"replay" yaml:"replay" toml:"replay"`
}

// ServerConfig locates the server
type ServerConfig struct {
	// URL is the http(s) base of the server; the websocket is {URL}/live/{sid}
	URL string `json:"url" yaml:"url" toml:"url"`
	// BootPath serves the boot payload when no page is given
	BootPath string `json:"bootPath,omitempty" yaml:"bootPath,omitempty" toml:"bootPath,omitempty"`
}

// ConnectionConfig contains reconnect and stall settings
type ConnectionConfig struct {
	BackoffInitial    Duration `json:"backoffInitial" yaml:"backoffInitial" toml:"backoffInitial"`
	BackoffMax        Duration `json:"backoffMax" yaml:"backoffMax" toml:"backoffMax"`
	BackoffMultiplier float64  `json:"backoffMultiplier" yaml:"backoffMultiplier" toml:"backoffMultiplier"`
	BackoffJitter     float64  `json:"backoffJitter" yaml:"backoffJitter" toml:"backoffJitter"`
	MaxAttempts       int      `json:"maxAttempts" yaml:"maxAttempts" toml:"maxAttempts"`
	StallTimeout      Duration `json:"stallTimeout" yaml:"stallTimeout" toml:"stallTimeout"`
}

// ReloadConfig contains the declined-session reload settings
type ReloadConfig struct {
	JitterMin  Duration `json:"jitterMin" yaml:"jitterMin" toml:"jitterMin"`
	JitterMax  Duration `json:"jitterMax" yaml:"jitterMax" toml:"jitterMax"`
	Window     Duration `json:"window" yaml:"window" toml:"window"`
	MaxReloads int      `json:"maxReloads" yaml:"maxReloads" toml:"maxReloads"`
	// StorePath is the SQLite reload history; empty keeps it in memory
	StorePath string `json:"storePath,omitempty" yaml:"storePath,omitempty" toml:"storePath,omitempty"`
}

// SequencerConfig contains frame ordering settings
type SequencerConfig struct {
	Capacity   int      `json:"capacity" yaml:"capacity" toml:"capacity"`
	GapTimeout Duration `json:"gapTimeout" yaml:"gapTimeout" toml:"gapTimeout"`
}

// RenderConfig contains patch application settings
type RenderConfig struct {
	BatchDelay Duration `json:"batchDelay" yaml:"batchDelay" toml:"batchDelay"`
	// Sanitize filters unsafeHTML through a UGC policy
	Sanitize bool `json:"sanitize" yaml:"sanitize" toml:"sanitize"`
	// WindowThreshold enables virtual scrolling past this many rows
	WindowThreshold int    `json:"windowThreshold,omitempty" yaml:"windowThreshold,omitempty" toml:"windowThreshold,omitempty"`
	WindowSize      int    `json:"windowSize,omitempty" yaml:"windowSize,omitempty" toml:"windowSize,omitempty"`
	FragmentCache   int    `json:"fragmentCache" yaml:"fragmentCache" toml:"fragmentCache"`
	CacheStrategy   string `json:"cacheStrategy" yaml:"cacheStrategy" toml:"cacheStrategy"`
	Outbox          int    `json:"outbox" yaml:"outbox" toml:"outbox"`
}

// TransportConfig contains websocket settings
type TransportConfig struct {
	Compress     bool     `json:"compress" yaml:"compress" toml:"compress"`
	PingInterval Duration `json:"pingInterval" yaml:"pingInterval" toml:"pingInterval"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout" toml:"writeTimeout"`
	ReadTimeout  Duration `json:"readTimeout" yaml:"readTimeout" toml:"readTimeout"`
	SendBuffer   int      `json:"sendBuffer" yaml:"sendBuffer" toml:"sendBuffer"`
}

// ReplayConfig contains replay server settings
type ReplayConfig struct {
	Addr     string   `json:"addr" yaml:"addr" toml:"addr"`
	Ver      string   `json:"ver,omitempty" yaml:"ver,omitempty" toml:"ver,omitempty"`
	Interval Duration `json:"interval" yaml:"interval" toml:"interval"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	b := conn.DefaultBackoff()
	r := conn.DefaultReloadPolicy()
	return &Config{
		Server: ServerConfig{URL: "http://localhost:8080", BootPath: "/boot"},
		Connection: ConnectionConfig{
			BackoffInitial:    Duration(b.Initial),
			BackoffMax:        Duration(b.Max),
			BackoffMultiplier: b.Multiplier,
			BackoffJitter:     b.Jitter,
			MaxAttempts:       b.MaxAttempts,
			StallTimeout:      Duration(30 * time.Second),
		},
		Reload: ReloadConfig{
			JitterMin:  Duration(r.JitterMin),
			JitterMax:  Duration(r.JitterMax),
			Window:     Duration(r.Window),
			MaxReloads: r.MaxReloads,
		},
		Sequencer: SequencerConfig{Capacity: 50, GapTimeout: Duration(2 * time.Second)},
		Render: RenderConfig{
			BatchDelay:    Duration(16 * time.Millisecond),
			FragmentCache: 128,
			CacheStrategy: "lru",
			Outbox:        128,
		},
		Transport: TransportConfig{
			PingInterval: Duration(54 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
			ReadTimeout:  Duration(60 * time.Second),
			SendBuffer:   256,
		},
		Replay: ReplayConfig{Addr: "localhost:8080", Ver: "dev", Interval: Duration(100 * time.Millisecond)},
	}
}

// Backoff returns the reconnect policy
func (c *Config) Backoff() conn.Backoff {
	return conn.Backoff{
		Initial:     c.Connection.BackoffInitial.D(),
		Max:         c.Connection.BackoffMax.D(),
		Multiplier:  c.Connection.BackoffMultiplier,
		Jitter:      c.Connection.BackoffJitter,
		MaxAttempts: c.Connection.MaxAttempts,
	}
}

// ReloadPolicy returns the declined-session policy backed by store
func (c *Config) ReloadPolicy(store conn.ReloadStore) conn.ReloadPolicy {
	return conn.ReloadPolicy{
		Store:      store,
		JitterMin:  c.Reload.JitterMin.D(),
		JitterMax:  c.Reload.JitterMax.D(),
		Window:     c.Reload.Window.D(),
		MaxReloads: c.Reload.MaxReloads,
	}
}

// CacheConfig returns the fragment cache configuration
func (c *Config) CacheConfig() cache.Config {
	strategy := cache.LRU
	switch c.Render.CacheStrategy {
	case "lfu":
		strategy = cache.LFU
	case "fifo":
		strategy = cache.FIFO
	}
	return cache.Config{MaxEntries: c.Render.FragmentCache, Strategy: strategy}
}

// LiveURL returns the websocket URL for sid
func (c *Config) LiveURL(sid string) (string, error) {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/live/" + url.PathEscape(sid)
	return u.String(), nil
}

// BootURL returns the http URL of the boot payload
func (c *Config) BootURL() string {
	return strings.TrimSuffix(c.Server.URL, "/") + c.Server.BootPath
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if _, err := c.LiveURL("x"); err != nil {
		errs = append(errs, err)
	}
	if c.Connection.BackoffInitial <= 0 {
		errs = append(errs, errors.New("connection.backoffInitial must be positive"))
	}
	if c.Connection.BackoffMax < c.Connection.BackoffInitial {
		errs = append(errs, errors.New("connection.backoffMax must not be below backoffInitial"))
	}
	if c.Connection.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("connection.backoffMultiplier must be at least 1"))
	}
	if c.Connection.BackoffJitter < 0 || c.Connection.BackoffJitter > 1 {
		errs = append(errs, errors.New("connection.backoffJitter must be within [0, 1]"))
	}
	if c.Reload.JitterMax < c.Reload.JitterMin {
		errs = append(errs, errors.New("reload.jitterMax must not be below jitterMin"))
	}
	if c.Reload.MaxReloads < 0 {
		errs = append(errs, errors.New("reload.maxReloads must not be negative"))
	}
	if c.Sequencer.Capacity <= 0 {
		errs = append(errs, errors.New("sequencer.capacity must be positive"))
	}
	if c.Render.WindowThreshold > 0 && c.Render.WindowSize <= 0 {
		errs = append(errs, errors.New("render.windowSize is required with windowThreshold"))
	}
	switch c.Render.CacheStrategy {
	case "", "lru", "lfu", "fifo":
	default:
		errs = append(errs, fmt.Errorf("render.cacheStrategy %q is not lru, lfu or fifo", c.Render.CacheStrategy))
	}
	return errors.Join(errs...)
}

// ApplyEnvOverrides applies VANGO_* environment variables
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VANGO_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("VANGO_BOOT_PATH"); v != "" {
		c.Server.BootPath = v
	}
	envDuration("VANGO_STALL_TIMEOUT", &c.Connection.StallTimeout)
	envInt("VANGO_MAX_ATTEMPTS", &c.Connection.MaxAttempts)
	envInt("VANGO_MAX_RELOADS", &c.Reload.MaxReloads)
	if v := os.Getenv("VANGO_RELOAD_STORE"); v != "" {
		c.Reload.StorePath = v
	}
	envDuration("VANGO_GAP_TIMEOUT", &c.Sequencer.GapTimeout)
	envDuration("VANGO_BATCH_DELAY", &c.Render.BatchDelay)
	envBool("VANGO_SANITIZE", &c.Render.Sanitize)
	envBool("VANGO_COMPRESS", &c.Transport.Compress)
	if v := os.Getenv("VANGO_REPLAY_ADDR"); v != "" {
		c.Replay.Addr = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
