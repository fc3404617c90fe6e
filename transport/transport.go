// Package transport implements the navnet client's Transport component: a
// single duplex text-frame channel over a WebSocket connection. Transport
// has no message semantics of its own; it is a byte-string pipe that the
// protocol package drives through handshake, reconnect, and replay.
//
// Grounded on the reconnect/backpressure shape of the teacher's
// input/websocket package (dial loop, read loop, circular outbound
// buffer), adapted to the single-client, single-server topology this spec
// requires instead of the teacher's server-or-client federation mode.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dma-navnet/navnet-client/navneterrors"
	"github.com/dma-navnet/navnet-client/pkg/buffer"
)

// Handler receives Transport's upward callbacks. Implementations must
// return quickly; OnText is called from the transport's read goroutine.
type Handler interface {
	OnOpen()
	OnText(frame []byte)
	OnClose(code int, reason string)
}

// Transport abstracts a bidirectional text-frame channel.
type Transport interface {
	// Connect attempts to open the channel. Fails with a navneterrors
	// ConnectFailed error on timeout or refusal.
	Connect(ctx context.Context, url string, timeout time.Duration) error
	// Send enqueues a text frame. WSTransport's outbound buffer uses the
	// Block policy, so Send waits for room while the buffer is full. Fails
	// with navneterrors Backpressure if the buffer rejects the frame, or
	// ConnectionLost if the channel is down.
	Send(frame []byte) error
	// Close initiates orderly shutdown. Idempotent; emits exactly one
	// OnClose per OnOpen.
	Close(reason string) error
}

const defaultSendBufferSize = 256

// WSTransport is the sole Transport implementation, built on
// gorilla/websocket.
type WSTransport struct {
	handler   Handler
	dialer    *websocket.Dialer
	logger    *slog.Logger
	keepAlive time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	opened bool

	outbound buffer.Buffer[[]byte]
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// Option configures a WSTransport.
type Option func(*WSTransport)

// WithDialer overrides the gorilla/websocket.Dialer (TLS config, handshake
// timeout, proxy, etc.).
func WithDialer(dialer *websocket.Dialer) Option {
	return func(t *WSTransport) { t.dialer = dialer }
}

// WithLogger overrides the transport's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *WSTransport) { t.logger = logger }
}

// WithKeepAlive enables a periodic WebSocket ping control frame on the
// write loop, every interval. A server that stops answering pings (no
// pong within twice the interval) is treated the same as a read error: the
// transport closes and reconnect proceeds. interval <= 0 disables pings.
func WithKeepAlive(interval time.Duration) Option {
	return func(t *WSTransport) { t.keepAlive = interval }
}

// WithSendBufferSize overrides the outbound buffer capacity. Defaults to
// defaultSendBufferSize.
func WithSendBufferSize(n int) Option {
	return func(t *WSTransport) {
		buf, err := buffer.NewCircularBuffer[[]byte](n, buffer.WithOverflowPolicy[[]byte](buffer.Block))
		if err == nil {
			t.outbound = buf
		}
	}
}

// New creates a WSTransport bound to handler. The transport is inert until
// Connect is called.
func New(handler Handler, opts ...Option) *WSTransport {
	t := &WSTransport{
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 45 * time.Second},
		logger:  slog.Default(),
	}
	buf, _ := buffer.NewCircularBuffer[[]byte](defaultSendBufferSize, buffer.WithOverflowPolicy[[]byte](buffer.Block))
	t.outbound = buf

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials url once. Only one Transport instance is ever bound to a
// Client at a time (enforced by the protocol package, not here); Connect
// itself may be called again after Close to open a fresh incarnation.
func (t *WSTransport) Connect(ctx context.Context, url string, timeout time.Duration) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return navneterrors.New(navneterrors.ProtocolError, "transport already connected")
	}
	t.closed = false
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := t.dialer.DialContext(dialCtx, url, http.Header{})
	if err != nil {
		return navneterrors.Wrap(navneterrors.ConnectFailed, fmt.Sprintf("dial %s", url), err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.opened = true
	t.cancel = runCancel
	t.mu.Unlock()

	if t.keepAlive > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * t.keepAlive))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(2 * t.keepAlive))
			return nil
		})
		t.wg.Add(1)
		go t.pingLoop(runCtx, conn)
	}

	t.wg.Add(2)
	go t.readLoop(runCtx, conn)
	go t.writeLoop(runCtx, conn)

	t.handler.OnOpen()
	return nil
}

// pingLoop writes a Ping control frame every keepAlive interval. A peer
// that stops answering lets the read deadline set in Connect/SetPongHandler
// expire, which fails the next ReadMessage and drives readLoop's normal
// close-and-reconnect path.
func (t *WSTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.keepAlive)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Send enqueues frame for delivery. Non-blocking unless the outbound
// buffer's overflow policy is Block and the buffer is momentarily full, in
// which case it blocks briefly for room; callers needing a hard
// non-blocking guarantee should size the buffer generously.
func (t *WSTransport) Send(frame []byte) error {
	t.mu.Lock()
	connected := t.conn != nil && !t.closed
	t.mu.Unlock()

	if !connected {
		return navneterrors.New(navneterrors.ConnectionLost, "transport not connected")
	}

	if err := t.outbound.Write(frame); err != nil {
		return navneterrors.Wrap(navneterrors.Backpressure, "outbound buffer full", err)
	}
	return nil
}

// Close initiates orderly shutdown. Idempotent.
func (t *WSTransport) Close(reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = conn.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	t.conn = nil
	wasOpened := t.opened
	t.opened = false
	t.mu.Unlock()

	if wasOpened {
		t.handler.OnClose(websocket.CloseNormalClosure, reason)
	}
	return nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.logger.Debug("transport read loop exiting", "error", err)
			go t.Close(closeReasonFromError(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.handler.OnText(data)
	}
}

func (t *WSTransport) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				frame, ok := t.outbound.Read()
				if !ok {
					break
				}
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					t.logger.Debug("transport write failed", "error", err)
					return
				}
			}
		}
	}
}

func closeReasonFromError(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "remote closed"
	}
	return err.Error()
}
