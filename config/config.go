// Package config defines the Config collaborator the client is built
// from: the fields the core treats as externally supplied (local
// identity, server host, position supplier, reconnect policy) plus the
// ambient knobs (logging, metrics, dial options) a complete client needs.
//
// Grounded on the teacher's config.Manager/validator.go shape: a plain
// struct built through functional options and checked by a single
// Validate before use, minus the schema-registry and KV-persistence
// machinery this client has no use for.
package config

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/navneterrors"
	"github.com/dma-navnet/navnet-client/pkg/retry"
	"github.com/dma-navnet/navnet-client/position"
	"github.com/dma-navnet/navnet-client/transport"
	"github.com/dma-navnet/navnet-client/wire"
)

// Default timing values, per the core's §6 defaults and the source's
// fixed 10s connect timeout.
const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultPositionInterval  = time.Second
	DefaultConnectTimeout    = 10 * time.Second
)

// DefaultReconnectPolicy retries indefinitely (MaxAttempts 0) with
// exponential backoff and jitter, consumed by protocol.Connection via
// pkg/retry.DoIndefinitely.
func DefaultReconnectPolicy() retry.Config {
	return retry.Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

// Config is the collaborator connect(config) consumes.
type Config struct {
	LocalID                 maritimeid.MaritimeId
	Host                    string
	PositionSupplier        position.Supplier
	DefaultBroadcastOptions wire.BroadcastOptions
	ReconnectPolicy         retry.Config
	KeepAliveInterval       time.Duration
	PositionInterval        time.Duration
	ConnectTimeout          time.Duration

	Logger          *slog.Logger
	MetricsRegistry *prometheus.Registry
	Dialer          transport.Option
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithLocalID sets the client's own identity. Required.
func WithLocalID(id maritimeid.MaritimeId) Option {
	return func(c *Config) { c.LocalID = id }
}

// WithHost sets the server's ws(s):// URL. Required.
func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

// WithPositionSupplier sets the callback the position manager polls.
// Required.
func WithPositionSupplier(s position.Supplier) Option {
	return func(c *Config) { c.PositionSupplier = s }
}

// WithDefaultBroadcastOptions sets the BroadcastOptions used when Send is
// called with the zero value.
func WithDefaultBroadcastOptions(o wire.BroadcastOptions) Option {
	return func(c *Config) { c.DefaultBroadcastOptions = o }
}

// WithReconnectPolicy overrides the reconnect backoff policy.
func WithReconnectPolicy(p retry.Config) Option {
	return func(c *Config) { c.ReconnectPolicy = p }
}

// WithKeepAliveInterval overrides the transport keepalive period.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Config) { c.KeepAliveInterval = d }
}

// WithPositionInterval overrides the position publication period.
func WithPositionInterval(d time.Duration) Option {
	return func(c *Config) { c.PositionInterval = d }
}

// WithConnectTimeout overrides the initial handshake timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithLogger overrides the logger every component is built with.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetricsRegistry registers the service and broadcast worker pool
// metrics against registry instead of leaving them unregistered.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) { c.MetricsRegistry = registry }
}

// WithDialer overrides the gorilla/websocket.Dialer used by the
// transport (TLS config, proxy, handshake timeout).
func WithDialer(opt transport.Option) Option {
	return func(c *Config) { c.Dialer = opt }
}

// New builds a Config from opts, filling in defaults for every field the
// caller did not set. Callers must still call Validate before use.
func New(opts ...Option) Config {
	cfg := Config{
		ReconnectPolicy:   DefaultReconnectPolicy(),
		KeepAliveInterval: DefaultKeepAliveInterval,
		PositionInterval:  DefaultPositionInterval,
		ConnectTimeout:    DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Validate checks the required fields and sane ranges for the timing
// knobs, returning a navneterrors.InvalidConfig error naming the first
// problem found.
func (c Config) Validate() error {
	if c.LocalID.IsZero() {
		return navneterrors.New(navneterrors.InvalidConfig, "localId is required")
	}
	if c.Host == "" {
		return navneterrors.New(navneterrors.InvalidConfig, "host is required")
	}
	if c.PositionSupplier == nil {
		return navneterrors.New(navneterrors.InvalidConfig, "positionSupplier is required")
	}
	if c.KeepAliveInterval <= 0 {
		return navneterrors.New(navneterrors.InvalidConfig, "keepAliveInterval must be positive")
	}
	if c.PositionInterval <= 0 {
		return navneterrors.New(navneterrors.InvalidConfig, "positionInterval must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return navneterrors.New(navneterrors.InvalidConfig, "connectTimeout must be positive")
	}
	if c.ReconnectPolicy.Multiplier != 0 && c.ReconnectPolicy.Multiplier < 1 {
		return navneterrors.New(navneterrors.InvalidConfig, "reconnectPolicy.Multiplier must be >= 1")
	}
	return nil
}
