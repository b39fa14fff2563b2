// Package config loads and sanitizes the static server configuration. The
// pipeline consumes the resulting Config value at startup and never mutates
// it at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimit defines per-connection message throttling.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds every knob the pipeline exposes.
type Config struct {
	// ListenAddr is the framed-TCP listener address.
	ListenAddr string
	// HTTPAddr serves the WebSocket gateway plus /healthz and /metrics.
	HTTPAddr string

	MaxFrameSize int
	IngressRing  int
	EgressRing   int
	Workers      int
	// MaxConnections caps concurrent sessions across both transports;
	// connections beyond the cap are rejected at accept time.
	MaxConnections int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	// DegradedGrace is how long a session's egress ring may stay full
	// before the session is disconnected.
	DegradedGrace time.Duration
	// EchoToSender controls whether room/broadcast senders receive their
	// own messages by default; a message's ack flag overrides it per
	// message.
	EchoToSender bool

	AllowedOrigins []string
	RateLimit      RateLimit
}

// Defaults, applied for any value that is missing or out of range.
const (
	DefaultListenAddr    = ":9090"
	DefaultHTTPAddr      = ":8080"
	DefaultMaxFrameSize  = 64 * 1024
	DefaultIngressRing   = 1024
	DefaultEgressRing    = 256
	DefaultWorkers       = 4
	DefaultMaxConns      = 4096
	DefaultIdleTimeout   = 60 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultDegradedGrace = 5 * time.Second
)

// New returns the default configuration.
func New() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		HTTPAddr:       DefaultHTTPAddr,
		MaxFrameSize:   DefaultMaxFrameSize,
		IngressRing:    DefaultIngressRing,
		EgressRing:     DefaultEgressRing,
		Workers:        DefaultWorkers,
		MaxConnections: DefaultMaxConns,
		IdleTimeout:    DefaultIdleTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		DegradedGrace:  DefaultDegradedGrace,
		EchoToSender:   false,
		AllowedOrigins: []string{"http://localhost:8080"},
		RateLimit: RateLimit{
			Burst:          100,
			RefillInterval: time.Second,
		},
	}
}

// Load reads configuration from an optional file and the CHATFLOW_*
// environment, falling back to defaults for anything unset. A nil viper
// yields the defaults.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("chatflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := defaultConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("max_frame_size", d.MaxFrameSize)
	v.SetDefault("ingress_ring", d.IngressRing)
	v.SetDefault("egress_ring", d.EgressRing)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("degraded_grace", d.DegradedGrace)
	v.SetDefault("echo_to_sender", d.EchoToSender)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("rate_limit_burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit_refill", d.RateLimit.RefillInterval)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := Config{
		ListenAddr:     v.GetString("listen_addr"),
		HTTPAddr:       v.GetString("http_addr"),
		MaxFrameSize:   v.GetInt("max_frame_size"),
		IngressRing:    v.GetInt("ingress_ring"),
		EgressRing:     v.GetInt("egress_ring"),
		Workers:        v.GetInt("workers"),
		MaxConnections: v.GetInt("max_connections"),
		IdleTimeout:    v.GetDuration("idle_timeout"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		DegradedGrace:  v.GetDuration("degraded_grace"),
		EchoToSender:   v.GetBool("echo_to_sender"),
		AllowedOrigins: v.GetStringSlice("allowed_origins"),
		RateLimit: RateLimit{
			Burst:          v.GetInt("rate_limit_burst"),
			RefillInterval: v.GetDuration("rate_limit_refill"),
		},
	}
	cfg.sanitize()
	return &cfg, nil
}

// sanitize clamps out-of-range values back to defaults rather than failing:
// a misconfigured knob should degrade to something safe, not prevent start.
func (c *Config) sanitize() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.IngressRing <= 0 {
		c.IngressRing = DefaultIngressRing
	}
	if c.EgressRing <= 0 {
		c.EgressRing = DefaultEgressRing
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConns
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DegradedGrace <= 0 {
		c.DegradedGrace = DefaultDegradedGrace
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
}
