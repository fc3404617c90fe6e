// Package protocol drives a single client's handshake, reconnect, and
// request/response correlation over a Transport. It knows the shape of
// wire.Message but not what a broadcast or a service invocation means;
// those semantics live in the service and broadcast packages, which
// register a Dispatcher to receive the frames protocol can't resolve
// itself.
//
// Grounded on the source's AbstractClientConnection (handshake + replyTo
// correlation) and ClientNetwork (state machine, position scheduling),
// restructured around Go's single reconnect goroutine instead of Java's
// executor-per-concern model.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/navneterrors"
	"github.com/dma-navnet/navnet-client/pkg/retry"
	"github.com/dma-navnet/navnet-client/position"
	"github.com/dma-navnet/navnet-client/transport"
	"github.com/dma-navnet/navnet-client/wire"
)

// State is the connection's lifecycle state, matching the source's client
// states plus the RESUMING/RECONNECTING phases a persistent client needs
// that a one-shot connection never did.
type State int

const (
	Created State = iota
	Handshaking
	Connected
	Resuming
	Reconnecting
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Resuming:
		return "Resuming"
	case Reconnecting:
		return "Reconnecting"
	case Closing:
		return "Closing"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Dispatcher receives inbound frames that are not ServerResponses; those
// are consumed internally to resolve PendingRequests. Implemented by the
// service and broadcast packages.
type Dispatcher interface {
	OnInvokeService(wire.InvokeService)
	OnInvokeServiceAck(wire.InvokeServiceAck)
	OnBroadcastDeliver(wire.BroadcastDeliver)
	OnBroadcastAck(wire.BroadcastAck)
}

// Config configures a Connection.
type Config struct {
	URL              string
	LocalID          maritimeid.MaritimeId
	PositionSupplier position.Supplier
	ConnectTimeout   time.Duration
	Reconnect        retry.Config
	Logger           *slog.Logger
	Dialer           transport.Option // e.g. transport.WithDialer(...); nil is fine
	KeepAlive        time.Duration    // websocket ping period; <= 0 disables pings
}

const defaultConnectTimeout = 10 * time.Second

// Connection owns the single live Transport, the handshake, the
// reconnect loop, and the PendingRequests correlation table.
type Connection struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher Dispatcher
	pending    *PendingRequests

	mu           sync.Mutex
	state        State
	connectionID string
	tr           transport.Transport
	listeners    []func(State)

	// sendMu is held across replyTo assignment and the transport enqueue in
	// SendRequest, so requests reach the transport in id order.
	sendMu sync.Mutex

	terminated chan struct{}
	termOnce   sync.Once
}

// New creates a Connection in the Created state. Bind a Dispatcher before
// calling Start.
func New(cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Connection{
		cfg:        cfg,
		logger:     logger,
		pending:    NewPendingRequests(logger),
		terminated: make(chan struct{}),
	}
}

// BindDispatcher attaches the receiver of non-ServerResponse frames.
func (c *Connection) BindDispatcher(d Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatcher = d
}

// AddStateListener registers a callback invoked synchronously, on the
// goroutine that makes the transition (the caller of Start or Close, or the
// reconnect goroutine), for each state the Connection reports. The
// intermediate Closing state entered by Close is not reported.
func (c *Connection) AddStateListener(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current state without blocking.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Start performs the initial connect and handshake. Per the source's
// ClientNetwork.create, the first attempt does not retry: a caller waiting
// on Start deserves to learn immediately that the host or URL is wrong,
// rather than spin silently in the background.
func (c *Connection) Start(ctx context.Context) error {
	c.setState(Handshaking)

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.dial(connectCtx); err != nil {
		c.setState(Terminated)
		c.termOnce.Do(func() { close(c.terminated) })
		return err
	}

	c.setState(Connected)
	return nil
}

// dial opens a fresh Transport, runs the Welcome/Hello/Connected handshake
// synchronously, and leaves the transport wired to receive frames
// asynchronously via onText/onClose from here on.
func (c *Connection) dial(ctx context.Context) error {
	handshakeDone := make(chan error, 1)
	var welcomeOnce sync.Once

	// tr is assigned below, before Connect returns; the handshake handler
	// only ever reads it from the transport's own read goroutine, which
	// cannot run until after that assignment. c.tr itself is set only once
	// the handshake succeeds, so sendRaw (which reads c.tr) cannot be used
	// for the Hello reply.
	var tr transport.Transport
	sendDuringHandshake := func(msg wire.Message) error {
		frame, err := wire.Encode(msg)
		if err != nil {
			return navneterrors.Wrap(navneterrors.ProtocolError, "encode frame", err)
		}
		return tr.Send(frame)
	}

	h := &handshakeHandler{
		conn: c,
		onFrame: func(msg wire.Message) {
			switch m := msg.(type) {
			case wire.Welcome:
				c.logger.Debug("received welcome", "server", m.ServerID.String(), "banner", m.Banner)
				hello := wire.Hello{ClientID: c.cfg.LocalID}
				if c.cfg.PositionSupplier != nil {
					if p, err := c.cfg.PositionSupplier(); err == nil {
						hello.Position = p
					}
				}
				if err := sendDuringHandshake(hello); err != nil {
					welcomeOnce.Do(func() { handshakeDone <- err })
				}
			case wire.Connected:
				c.mu.Lock()
				c.connectionID = m.ConnectionID
				c.mu.Unlock()
				welcomeOnce.Do(func() { handshakeDone <- nil })
			default:
				c.logger.Warn("unexpected frame during handshake", "type", msg.Type())
			}
		},
	}

	tr = c.newTransport(h)

	if err := tr.Connect(ctx, c.cfg.URL, c.cfg.ConnectTimeout); err != nil {
		return navneterrors.Wrap(navneterrors.ConnectFailed, "connect", err)
	}

	select {
	case err := <-handshakeDone:
		if err != nil {
			_ = tr.Close("handshake failed")
			return navneterrors.Wrap(navneterrors.HandshakeFailed, "handshake", err)
		}
	case <-ctx.Done():
		_ = tr.Close("handshake timeout")
		return navneterrors.Wrap(navneterrors.HandshakeFailed, "handshake timed out", ctx.Err())
	}

	// Switch the live handler from handshake mode to steady-state dispatch.
	h.steady()

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	return nil
}

func (c *Connection) newTransport(h transport.Handler) transport.Transport {
	opts := []transport.Option{transport.WithLogger(c.logger)}
	if c.cfg.Dialer != nil {
		opts = append(opts, c.cfg.Dialer)
	}
	if c.cfg.KeepAlive > 0 {
		opts = append(opts, transport.WithKeepAlive(c.cfg.KeepAlive))
	}
	return transport.New(h, opts...)
}

func (c *Connection) sendRaw(msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return navneterrors.Wrap(navneterrors.ProtocolError, "encode frame", err)
	}
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return navneterrors.New(navneterrors.ConnectionLost, "no live transport")
	}
	return tr.Send(frame)
}

// SendRequest assigns a replyTo id via PendingRequests, sends the built
// frame, and returns the future that resolves on the matching
// ServerResponse. If the send itself fails (e.g. backpressure), the
// request remains registered for replay rather than being dropped: the
// caller sees the send error immediately, but a reconnect may still
// complete it later, matching the source's fire-and-correlate model.
func (c *Connection) SendRequest(build func(replyTo int64) wire.Message) (*ConnectionFuture[wire.ServerResponse], error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frame, future := c.pending.Register(build)
	if err := c.sendRaw(frame); err != nil {
		return future, err
	}
	return future, nil
}

// SendOneWay sends a frame with no response correlation (InvokeService,
// BroadcastDeliver acks and the like are one-way from the client's
// perspective once issued).
func (c *Connection) SendOneWay(msg wire.Message) error {
	return c.sendRaw(msg)
}

// Close initiates orderly shutdown: no further reconnect attempts, all
// outstanding requests fail with ConnectionLost, and the underlying
// transport is closed with reason.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	if c.state == Closing || c.state == Terminated {
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	tr := c.tr
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close(reason)
	}
	c.pending.FailAll(errConnectionLost("connection closed"))
	c.setState(Terminated)
	c.termOnce.Do(func() { close(c.terminated) })
	return nil
}

// AwaitTerminated blocks until Close has fully completed or timeout
// elapses, returning false on timeout.
func (c *Connection) AwaitTerminated(timeout time.Duration) bool {
	select {
	case <-c.terminated:
		return true
	case <-time.After(timeout):
		return false
	}
}

// onDisconnect is called by the steady-state handler when the transport
// reports OnClose unexpectedly (not as a result of our own Close). It
// drives the reconnect loop: dial indefinitely with backoff until
// Close() is called, or the connection is already terminated.
func (c *Connection) onDisconnect(reason string) {
	c.mu.Lock()
	if c.state == Closing || c.state == Terminated || c.state == Reconnecting {
		c.mu.Unlock()
		return
	}
	c.state = Reconnecting
	c.tr = nil
	c.mu.Unlock()
	c.logger.Warn("connection lost, reconnecting", "reason", reason)
	c.setState(Reconnecting)

	err := retry.DoIndefinitely(context.Background(), c.cfg.Reconnect, func() error {
		c.mu.Lock()
		closing := c.state == Closing || c.state == Terminated
		c.mu.Unlock()
		if closing {
			return retry.NonRetryable(fmt.Errorf("connection closing"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()

		c.setState(Handshaking)
		if err := c.dial(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("reconnect aborted", "error", err)
		return
	}

	c.setState(Resuming)
	for _, frame := range c.pending.Replay() {
		if err := c.sendRaw(frame); err != nil {
			c.logger.Warn("failed to replay pending request", "error", err)
		}
	}
	c.setState(Connected)
}

// handshakeHandler adapts transport.Handler to the Connection's two
// phases: during the handshake, every inbound frame is routed to onFrame;
// afterward, steady() switches it to full protocol dispatch including
// ServerResponse correlation and Dispatcher fan-out.
type handshakeHandler struct {
	conn    *Connection
	onFrame func(wire.Message)

	mu       sync.Mutex
	isSteady bool
}

func (h *handshakeHandler) steady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isSteady = true
}

func (h *handshakeHandler) OnOpen() {}

func (h *handshakeHandler) OnText(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		h.conn.logger.Error("malformed frame, closing connection", "error", err)
		go h.conn.onProtocolError()
		return
	}

	h.mu.Lock()
	steady := h.isSteady
	h.mu.Unlock()

	if !steady {
		h.onFrame(msg)
		return
	}

	h.conn.dispatch(msg)
}

func (h *handshakeHandler) OnClose(code int, reason string) {
	h.mu.Lock()
	steady := h.isSteady
	h.mu.Unlock()
	if steady {
		go h.conn.onDisconnect(reason)
	}
}

// dispatch routes a steady-state inbound frame: ServerResponses resolve a
// PendingRequests entry, or drive onProtocolError if no such entry exists
// (an orphaned response); everything else goes to the bound Dispatcher.
func (c *Connection) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.ServerResponse:
		if !c.pending.Resolve(m) {
			go c.onProtocolError()
		}
	case wire.InvokeService:
		if d := c.boundDispatcher(); d != nil {
			d.OnInvokeService(m)
		}
	case wire.InvokeServiceAck:
		if d := c.boundDispatcher(); d != nil {
			d.OnInvokeServiceAck(m)
		}
	case wire.BroadcastDeliver:
		if d := c.boundDispatcher(); d != nil {
			d.OnBroadcastDeliver(m)
		}
	case wire.BroadcastAck:
		if d := c.boundDispatcher(); d != nil {
			d.OnBroadcastAck(m)
		}
	case wire.Bye:
		c.logger.Info("server sent bye", "reason", m.Reason)
		go c.onDisconnect("server bye: " + m.Reason)
	default:
		c.logger.Warn("unhandled inbound frame", "type", msg.Type())
	}
}

func (c *Connection) boundDispatcher() Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher
}

// onProtocolError is the orphan-response / malformed-frame path: log, tear
// down the current transport, fail every outstanding request with
// ConnectionLost, and let the reconnect loop take over as if the socket
// had dropped.
func (c *Connection) onProtocolError() {
	c.mu.Lock()
	tr := c.tr
	closing := c.state == Closing || c.state == Terminated
	c.mu.Unlock()
	if closing {
		return
	}
	if tr != nil {
		_ = tr.Close("protocol error")
	}
	c.pending.FailAll(errConnectionLost("malformed or orphaned frame"))
	c.onDisconnect("protocol error")
}
