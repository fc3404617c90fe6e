// Package client composes protocol.Connection, service.Manager,
// broadcast.Manager, and position.Manager into the public
// PersistentConnection the application talks to: Connect dials and
// completes the handshake synchronously, then returns a Client whose
// service/broadcast/position plumbing all run against the one
// underlying Connection for its whole lifetime, reconnects included.
//
// Grounded on the source's ClientNetwork, which performs the same
// composition (connection + the three managers) behind a single facade
// object handed back from ClientNetwork.create().
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dma-navnet/navnet-client/broadcast"
	"github.com/dma-navnet/navnet-client/config"
	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/position"
	"github.com/dma-navnet/navnet-client/protocol"
	"github.com/dma-navnet/navnet-client/service"
	"github.com/dma-navnet/navnet-client/wire"
)

// Client is the application-facing persistent connection: a stable
// identity, a live (and automatically reconnecting) session to the
// server, and the service/broadcast/position managers riding on top of
// it.
type Client struct {
	cfg      config.Config
	conn     *protocol.Connection
	services *service.Manager
	bcasts   *broadcast.Manager
	position *position.Manager
	logger   *slog.Logger

	mu          sync.Mutex
	nextListID  uint64
	stateFns    map[uint64]func(protocol.State)
}

// Connect validates cfg, dials the server, and blocks until the
// Welcome/Hello/Connected handshake completes (or fails). On success the
// returned Client is in protocol.Connected and its position manager is
// already publishing on cfg.PositionInterval.
func Connect(ctx context.Context, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		stateFns: make(map[uint64]func(protocol.State)),
	}

	c.conn = protocol.New(protocol.Config{
		URL:              cfg.Host,
		LocalID:          cfg.LocalID,
		PositionSupplier: cfg.PositionSupplier,
		ConnectTimeout:   cfg.ConnectTimeout,
		Reconnect:        cfg.ReconnectPolicy,
		Logger:           logger,
		Dialer:           cfg.Dialer,
		KeepAlive:        cfg.KeepAliveInterval,
	})
	c.conn.AddStateListener(c.fanOutState)

	var serviceOpts []service.Option
	var broadcastOpts []broadcast.Option
	if cfg.MetricsRegistry != nil {
		serviceOpts = append(serviceOpts, service.WithMetricsRegistry(cfg.MetricsRegistry))
		broadcastOpts = append(broadcastOpts, broadcast.WithMetricsRegistry(cfg.MetricsRegistry))
	}
	c.services = service.New(c.conn, cfg.LocalID, logger, serviceOpts...)
	c.bcasts = broadcast.New(c.conn, cfg.LocalID, cfg.DefaultBroadcastOptions, logger, broadcastOpts...)
	c.conn.BindDispatcher(c)

	if err := c.services.Start(ctx); err != nil {
		return nil, err
	}
	if err := c.bcasts.Start(ctx); err != nil {
		return nil, err
	}

	if err := c.conn.Start(ctx); err != nil {
		_ = c.services.Stop(time.Second)
		_ = c.bcasts.Stop(time.Second)
		return nil, err
	}

	c.position = position.New(cfg.PositionSupplier, positionSink{conn: c.conn, logger: logger}, cfg.PositionInterval, logger)
	c.position.Start(context.Background())

	return c, nil
}

// positionSink adapts protocol.Connection to position.Sink: every tick
// becomes a one-way PositionReport frame. Errors are logged, not
// propagated — a dropped position report is not fatal the way a dropped
// service invocation ack would be.
type positionSink struct {
	conn   *protocol.Connection
	logger *slog.Logger
}

func (s positionSink) SendPosition(pos position.Time) {
	if err := s.conn.SendOneWay(wire.PositionReport{Position: pos}); err != nil {
		s.logger.Debug("failed to send position report", "error", err)
	}
}

// LocalID returns this client's own identity.
func (c *Client) LocalID() maritimeid.MaritimeId {
	return c.cfg.LocalID
}

// State returns the connection's current lifecycle state.
func (c *Client) State() protocol.State {
	return c.conn.State()
}

// AddStateListener registers fn to be called on every state transition
// and returns an id that RemoveStateListener accepts.
func (c *Client) AddStateListener(fn func(protocol.State)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListID++
	id := c.nextListID
	c.stateFns[id] = fn
	return id
}

// RemoveStateListener unregisters a listener previously returned by
// AddStateListener. Safe to call more than once.
func (c *Client) RemoveStateListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stateFns, id)
}

func (c *Client) fanOutState(s protocol.State) {
	c.mu.Lock()
	fns := make([]func(protocol.State), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// AwaitTerminated blocks until Close has fully completed or timeout
// elapses.
func (c *Client) AwaitTerminated(timeout time.Duration) bool {
	return c.conn.AwaitTerminated(timeout)
}

// Close shuts down the connection and every manager riding on it.
// Idempotent.
func (c *Client) Close(reason string) error {
	c.position.Stop()
	_ = c.services.Stop(5 * time.Second)
	_ = c.bcasts.Stop(5 * time.Second)
	return c.conn.Close(reason)
}

// Broadcast sends payload on channel from pos, per broadcast.Manager.Send.
func (c *Client) Broadcast(ctx context.Context, pos position.Time, channel string, payload json.RawMessage, options wire.BroadcastOptions) (*broadcast.BroadcastFuture, error) {
	return c.bcasts.Send(ctx, pos, channel, payload, options)
}

// BroadcastListen subscribes listener to channel.
func (c *Client) BroadcastListen(channel string, listener broadcast.Listener) *broadcast.Subscription {
	return c.bcasts.ListenFor(channel, listener)
}

// ServiceRegister registers callback as the local provider of channel.
func (c *Client) ServiceRegister(channel string, callback service.Callback) (*service.Registration, error) {
	return c.services.Register(channel, callback)
}

// ServiceFind returns a Locator for channel.
func (c *Client) ServiceFind(channel string) *service.Locator {
	return c.services.Find(channel)
}

// ServiceInvoke calls channel on dst and waits for its result.
func (c *Client) ServiceInvoke(ctx context.Context, dst maritimeid.MaritimeId, channel string, payload json.RawMessage) (json.RawMessage, error) {
	return c.services.Invoke(ctx, dst, channel, payload)
}

// OnInvokeService implements protocol.Dispatcher by delegating to the
// service manager.
func (c *Client) OnInvokeService(msg wire.InvokeService) { c.services.OnInvokeService(msg) }

// OnInvokeServiceAck implements protocol.Dispatcher by delegating to the
// service manager.
func (c *Client) OnInvokeServiceAck(msg wire.InvokeServiceAck) { c.services.OnInvokeServiceAck(msg) }

// OnBroadcastDeliver implements protocol.Dispatcher by delegating to the
// broadcast manager.
func (c *Client) OnBroadcastDeliver(msg wire.BroadcastDeliver) { c.bcasts.OnBroadcastDeliver(msg) }

// OnBroadcastAck implements protocol.Dispatcher by delegating to the
// broadcast manager.
func (c *Client) OnBroadcastAck(msg wire.BroadcastAck) { c.bcasts.OnBroadcastAck(msg) }
