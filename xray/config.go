package xray

import (
	"os"
	"strconv"
	"time"
)

// DropPolicy selects which envelope is discarded when the buffer is full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop-oldest"
	DropNewest DropPolicy = "drop-newest"
)

// Config holds client settings. Zero values are filled in by Normalize; the
// usual entry point is FromEnv.
type Config struct {
	APIURL  string
	APIKey  string
	Enabled bool

	// APITimeout bounds each HTTP call.
	APITimeout time.Duration

	// Buffered selects non-blocking submission through the ingest buffer.
	// When false, RecordStep is a synchronous HTTP call that returns errors.
	Buffered bool

	BufferCapacity int
	// FlushInterval is the initial backoff interval between retry attempts.
	FlushInterval time.Duration
	MaxRetries    int
	DropPolicy    DropPolicy

	// SubmitTimeout bounds how long Submit may wait for queue space before
	// invoking the drop policy. Negative means invoke it immediately;
	// zero is replaced with the default by Normalize.
	SubmitTimeout time.Duration

	// DrainTimeout bounds the final flush on Close.
	DrainTimeout time.Duration
}

// DefaultConfig returns the stock client settings.
func DefaultConfig() Config {
	return Config{
		APIURL:         "http://localhost:8080",
		Enabled:        true,
		APITimeout:     30 * time.Second,
		Buffered:       true,
		BufferCapacity: 256,
		FlushInterval:  100 * time.Millisecond,
		MaxRetries:     5,
		DropPolicy:     DropOldest,
		SubmitTimeout:  10 * time.Millisecond,
		DrainTimeout:   2 * time.Second,
	}
}

// FromEnv builds a Config from XRAY_* environment variables, falling back to
// defaults for anything unset.
func FromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("XRAY_API_URL"); v != "" {
		cfg.APIURL = v
	}
	cfg.APIKey = os.Getenv("XRAY_API_KEY")
	if v := os.Getenv("XRAY_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if d := envDuration("XRAY_API_TIMEOUT"); d > 0 {
		cfg.APITimeout = d
	}
	if n := envInt("XRAY_BUFFER_CAPACITY"); n > 0 {
		cfg.BufferCapacity = n
	}
	if d := envDuration("XRAY_FLUSH_INTERVAL"); d > 0 {
		cfg.FlushInterval = d
	}
	if n := envInt("XRAY_MAX_RETRIES"); n > 0 {
		cfg.MaxRetries = n
	}
	if v := os.Getenv("XRAY_DROP_POLICY"); v == string(DropNewest) {
		cfg.DropPolicy = DropNewest
	}
	return cfg
}

// Normalize fills zero values with defaults so a partially specified Config
// behaves sensibly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.APIURL == "" {
		c.APIURL = def.APIURL
	}
	if c.APITimeout <= 0 {
		c.APITimeout = def.APITimeout
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = def.BufferCapacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.DropPolicy != DropNewest {
		c.DropPolicy = DropOldest
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = def.SubmitTimeout
	} else if c.SubmitTimeout < 0 {
		c.SubmitTimeout = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// envDuration parses either a Go duration ("500ms") or bare seconds ("30").
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}
