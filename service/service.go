// Package service implements channel-based request/reply between clients,
// routed through the server: registration of local callbacks, remote
// provider lookup, and end-to-end invocation.
//
// Grounded on the source's ServiceManager/ServiceRegistration/ServiceLocator
// split (named in ClientNetwork's delegating methods, though ServiceManager
// itself was not part of the retrieved source set) and on the protocol
// package's ConnectionFuture/ServerRequest correlation it builds on.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/navneterrors"
	"github.com/dma-navnet/navnet-client/pkg/worker"
	"github.com/dma-navnet/navnet-client/protocol"
	"github.com/dma-navnet/navnet-client/wire"
)

// Context is handed to a registered Callback for exactly one of
// Complete/Fail. The first call wins; later calls are no-ops, matching the
// spec's single-resolution Context<T>.
type Context struct {
	once   sync.Once
	result chan invokeResult
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

func newContext() *Context {
	return &Context{result: make(chan invokeResult, 1)}
}

// Complete resolves the invocation successfully with payload.
func (c *Context) Complete(payload json.RawMessage) {
	c.once.Do(func() { c.result <- invokeResult{payload: payload} })
}

// Fail resolves the invocation with an application-level error message.
func (c *Context) Fail(err error) {
	c.once.Do(func() { c.result <- invokeResult{err: err} })
}

// Callback handles one inbound InvokeService for a registered channel.
type Callback func(ctx context.Context, src maritimeid.MaritimeId, payload json.RawMessage, reply *Context)

// Registration is the handle returned by Register, tracking the server's
// acknowledgement of the RegisterService request.
type Registration struct {
	Channel string
	future  *protocol.ConnectionFuture[wire.ServerResponse]
}

// AwaitRegistered blocks until the server confirms (or rejects) the
// registration, or timeout elapses.
func (r *Registration) AwaitRegistered(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := r.future.Get(ctx)
	if err != nil {
		return err
	}
	var ack wire.RegisterServiceAck
	if err := json.Unmarshal(resp.Body, &ack); err != nil {
		return navneterrors.Wrap(navneterrors.ProtocolError, "decode RegisterServiceAck", err)
	}
	if !ack.OK {
		return navneterrors.New(navneterrors.AlreadyRegistered, ack.Error)
	}
	return nil
}

// Locator queries the server for providers of a channel.
type Locator struct {
	Channel string
	mgr     *Manager
}

// Nearest resolves to a single provider, or fails with NoProvider. The
// server is assumed to return providers ordered by relevance (distance to
// the requester's last reported position); this client does no geometry
// of its own.
func (l *Locator) Nearest(ctx context.Context) (maritimeid.MaritimeId, error) {
	providers, err := l.mgr.find(ctx, l.Channel)
	if err != nil {
		return maritimeid.MaritimeId{}, err
	}
	return l.nearestFrom(providers)
}

func (l *Locator) nearestFrom(providers []maritimeid.MaritimeId) (maritimeid.MaritimeId, error) {
	if len(providers) == 0 {
		return maritimeid.MaritimeId{}, navneterrors.New(navneterrors.NoProvider, l.Channel)
	}
	return providers[0], nil
}

// All resolves to every known provider of the channel.
func (l *Locator) All(ctx context.Context) ([]maritimeid.MaritimeId, error) {
	return l.mgr.find(ctx, l.Channel)
}

type invokeWork struct {
	msg      wire.InvokeService
	callback Callback
}

// Manager implements client-side channel registration, lookup, and
// invocation. Inbound InvokeService frames run callbacks on a bounded
// worker pool so a slow callback cannot stall frame dispatch.
type Manager struct {
	conn    *protocol.Connection
	localID maritimeid.MaritimeId
	pool    *worker.Pool[invokeWork]
	logger  *slog.Logger

	mu        sync.Mutex
	callbacks map[string]Callback

	invokesMu sync.Mutex
	invokes   map[string]*protocol.ConnectionFuture[wire.InvokeServiceAck]

	metricsRegistry *prometheus.Registry
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetricsRegistry registers the invocation worker pool's metrics
// against registry.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) { m.metricsRegistry = registry }
}

// New creates a Manager bound to conn. Start must be called before any
// inbound InvokeService frame can be dispatched.
func New(conn *protocol.Connection, localID maritimeid.MaritimeId, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conn:      conn,
		localID:   localID,
		logger:    logger,
		callbacks: make(map[string]Callback),
		invokes:   make(map[string]*protocol.ConnectionFuture[wire.InvokeServiceAck]),
	}
	for _, opt := range opts {
		opt(m)
	}

	var poolOpts []worker.Option[invokeWork]
	if m.metricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[invokeWork](m.metricsRegistry, "service_invoke"))
	}
	m.pool = worker.NewPool(8, 256, m.runInvocation, poolOpts...)
	if conn != nil {
		conn.AddStateListener(m.onConnectionState)
	}
	return m
}

// onConnectionState fails every outstanding Invoke once the transport is
// lost or the connection is closed. InvokeService is sent one-way with no
// replyTo, so unlike RegisterService/FindService/BroadcastSend it is never
// replayed by PendingRequests on resume; without this, a caller would hang
// until its own context deadline instead of seeing ConnectionLost.
func (m *Manager) onConnectionState(s protocol.State) {
	switch s {
	case protocol.Reconnecting, protocol.Terminated:
		m.failAllInvokes(navneterrors.New(navneterrors.ConnectionLost, "connection lost"))
	}
}

func (m *Manager) failAllInvokes(err error) {
	m.invokesMu.Lock()
	invokes := m.invokes
	m.invokes = make(map[string]*protocol.ConnectionFuture[wire.InvokeServiceAck])
	m.invokesMu.Unlock()

	for _, future := range invokes {
		future.Fail(err)
	}
}

// Start launches the invocation worker pool.
func (m *Manager) Start(ctx context.Context) error {
	return m.pool.Start(ctx)
}

// Stop drains the invocation worker pool.
func (m *Manager) Stop(timeout time.Duration) error {
	return m.pool.Stop(timeout)
}

// Register binds callback to channel and asks the server to register it.
// Fails synchronously with AlreadyRegistered if channel already has a
// local callback.
func (m *Manager) Register(channel string, callback Callback) (*Registration, error) {
	m.mu.Lock()
	if _, exists := m.callbacks[channel]; exists {
		m.mu.Unlock()
		return nil, navneterrors.New(navneterrors.AlreadyRegistered, channel)
	}
	m.callbacks[channel] = callback
	m.mu.Unlock()

	future, err := m.conn.SendRequest(func(replyTo int64) wire.Message {
		return wire.RegisterService{ReplyTo: replyTo, Channel: channel}
	})
	if err != nil {
		m.mu.Lock()
		delete(m.callbacks, channel)
		m.mu.Unlock()
		return nil, err
	}
	return &Registration{Channel: channel, future: future}, nil
}

// Find returns a Locator for channel.
func (m *Manager) Find(channel string) *Locator {
	return &Locator{Channel: channel, mgr: m}
}

func (m *Manager) find(ctx context.Context, channel string) ([]maritimeid.MaritimeId, error) {
	future, err := m.conn.SendRequest(func(replyTo int64) wire.Message {
		return wire.FindService{ReplyTo: replyTo, Channel: channel}
	})
	if err != nil {
		return nil, err
	}
	resp, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, navneterrors.New(navneterrors.RemoteFailure, resp.Error)
	}
	var result wire.FindServiceResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, navneterrors.Wrap(navneterrors.ProtocolError, "decode FindServiceResult", err)
	}
	return result.Providers, nil
}

// Invoke sends an InvokeService to dst on channel and returns the result
// once the remote's InvokeServiceAck arrives.
func (m *Manager) Invoke(ctx context.Context, dst maritimeid.MaritimeId, channel string, payload json.RawMessage) (json.RawMessage, error) {
	invocationID := uuid.NewString()
	future := protocol.NewConnectionFuture[wire.InvokeServiceAck]()

	m.invokesMu.Lock()
	m.invokes[invocationID] = future
	m.invokesMu.Unlock()

	msg := wire.InvokeService{
		Src:          m.localID,
		Dst:          dst,
		Channel:      channel,
		Payload:      payload,
		InvocationID: invocationID,
	}
	if err := m.conn.SendOneWay(msg); err != nil {
		m.invokesMu.Lock()
		delete(m.invokes, invocationID)
		m.invokesMu.Unlock()
		return nil, err
	}

	ack, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}
	if ack.Error != "" {
		return nil, navneterrors.New(navneterrors.RemoteFailure, ack.Error)
	}
	return ack.Result, nil
}

// OnInvokeService implements the inbound half of protocol.Dispatcher:
// dispatch to the registered callback for msg.Channel on a pool worker.
func (m *Manager) OnInvokeService(msg wire.InvokeService) {
	m.mu.Lock()
	callback, ok := m.callbacks[msg.Channel]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("invoke for unregistered channel", "channel", msg.Channel)
		m.sendAck(msg.InvocationID, nil, fmt.Sprintf("no provider for channel %q", msg.Channel))
		return
	}

	if err := m.pool.Submit(invokeWork{msg: msg, callback: callback}); err != nil {
		m.logger.Warn("invoke pool saturated, dropping", "channel", msg.Channel, "error", err)
		m.sendAck(msg.InvocationID, nil, "service busy")
	}
}

// OnInvokeServiceAck implements the inbound half of protocol.Dispatcher
// for the caller side of an invocation: resolve the pending future keyed
// by InvocationID.
func (m *Manager) OnInvokeServiceAck(ack wire.InvokeServiceAck) {
	m.invokesMu.Lock()
	future, ok := m.invokes[ack.InvocationID]
	if ok {
		delete(m.invokes, ack.InvocationID)
	}
	m.invokesMu.Unlock()

	if !ok {
		m.logger.Warn("orphaned invoke ack", "invocationId", ack.InvocationID)
		return
	}
	future.Resolve(ack)
}

func (m *Manager) runInvocation(ctx context.Context, work invokeWork) error {
	reply := newContext()
	work.callback(ctx, work.msg.Src, work.msg.Payload, reply)

	select {
	case res := <-reply.result:
		if res.err != nil {
			m.sendAck(work.msg.InvocationID, nil, res.err.Error())
		} else {
			m.sendAck(work.msg.InvocationID, res.payload, "")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Manager) sendAck(invocationID string, result json.RawMessage, errMsg string) {
	ack := wire.InvokeServiceAck{InvocationID: invocationID, Result: result, Error: errMsg}
	if err := m.conn.SendOneWay(ack); err != nil {
		m.logger.Warn("failed to send InvokeServiceAck", "error", err)
	}
}
