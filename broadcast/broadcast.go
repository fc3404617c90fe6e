// Package broadcast implements geographically-scoped fan-out messaging:
// subscribing to inbound broadcasts by channel, and sending broadcasts with
// a two-milestone future (server receipt, then a stream of per-recipient
// acknowledgements).
//
// Grounded on the source's BroadcastManager: the copy-on-write listener
// sets per channel, and the receivedOnServer/ack-stream split on the
// future it returns from sendBroadcastMessage. The source's weak-valued
// broadcast futures map (`new MapMaker().weakValues().makeMap()`) has no
// Go equivalent; BroadcastFuture.Close is the explicit replacement —
// callers that want acks garbage-collected must call it themselves.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/navneterrors"
	"github.com/dma-navnet/navnet-client/pkg/worker"
	"github.com/dma-navnet/navnet-client/position"
	"github.com/dma-navnet/navnet-client/protocol"
	"github.com/dma-navnet/navnet-client/wire"
)

// DeliverHeader carries the sender's identity and position for an inbound
// broadcast, separate from the payload so listeners can filter before
// deserializing.
type DeliverHeader struct {
	Src      maritimeid.MaritimeId
	Position position.Time
}

// AckEvent reports that a single recipient received a broadcast this
// client sent.
type AckEvent struct {
	RecipientID       maritimeid.MaritimeId
	RecipientPosition position.Time
}

// Listener receives inbound broadcasts for a channel it subscribed to.
type Listener func(header DeliverHeader, payload json.RawMessage)

// Subscription is the handle returned by ListenFor. Unsubscribe is
// idempotent.
type Subscription struct {
	channel  string
	id       uint64
	listener Listener
	mgr      *Manager
}

// Unsubscribe removes this listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mgr.unsubscribe(s.channel, s.id)
}

// BroadcastFuture is returned by Send. ReceivedOnServer resolves once the
// server has accepted the broadcast for fan-out; Acks/AckStream report
// individual recipients as BroadcastAck frames arrive, for as long as the
// future remains open.
type BroadcastFuture struct {
	broadcastID       string
	receivedOnServer  *protocol.ConnectionFuture[struct{}]
	onClose           func()

	mu     sync.Mutex
	acks   []AckEvent
	ackCh  chan AckEvent
	closed bool
}

func newBroadcastFuture(broadcastID string, onClose func()) *BroadcastFuture {
	return &BroadcastFuture{
		broadcastID:      broadcastID,
		receivedOnServer: protocol.NewConnectionFuture[struct{}](),
		onClose:          onClose,
		ackCh:            make(chan AckEvent, 64),
	}
}

// ReceivedOnServer blocks until the server has acknowledged receipt of the
// broadcast, or ctx is done.
func (f *BroadcastFuture) ReceivedOnServer(ctx context.Context) error {
	_, err := f.receivedOnServer.Get(ctx)
	return err
}

// Acks returns a snapshot of every recipient acknowledgement seen so far.
func (f *BroadcastFuture) Acks() []AckEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AckEvent{}, f.acks...)
}

// AckStream returns a channel of recipient acknowledgements as they
// arrive. Reads after Close return only already-buffered events.
func (f *BroadcastFuture) AckStream() <-chan AckEvent {
	return f.ackCh
}

// Close releases this future: the broadcastId is evicted from the
// Manager's tracking table and further BroadcastAck frames for it become
// orphans (logged, not delivered). Idempotent.
func (f *BroadcastFuture) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	if f.onClose != nil {
		f.onClose()
	}
}

func (f *BroadcastFuture) pushAck(ev AckEvent) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.acks = append(f.acks, ev)
	f.mu.Unlock()

	select {
	case f.ackCh <- ev:
	default:
	}
}

type deliverWork struct {
	listener Listener
	header   DeliverHeader
	payload  json.RawMessage
}

// Manager implements client-side broadcast subscription and sending.
type Manager struct {
	conn           *protocol.Connection
	localID        maritimeid.MaritimeId
	defaultOptions wire.BroadcastOptions
	pool           *worker.Pool[deliverWork]
	logger         *slog.Logger

	mu        sync.Mutex
	listeners map[string][]*Subscription
	nextSubID uint64

	futuresMu sync.Mutex
	futures   map[string]*BroadcastFuture

	metricsRegistry *prometheus.Registry
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetricsRegistry registers the delivery worker pool's metrics
// against registry.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) { m.metricsRegistry = registry }
}

// New creates a Manager bound to conn.
func New(conn *protocol.Connection, localID maritimeid.MaritimeId, defaultOptions wire.BroadcastOptions, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conn:           conn,
		localID:        localID,
		defaultOptions: defaultOptions,
		logger:         logger,
		listeners:      make(map[string][]*Subscription),
		futures:        make(map[string]*BroadcastFuture),
	}
	for _, opt := range opts {
		opt(m)
	}

	var poolOpts []worker.Option[deliverWork]
	if m.metricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[deliverWork](m.metricsRegistry, "broadcast_deliver"))
	}
	m.pool = worker.NewPool(8, 256, m.runDeliver, poolOpts...)
	return m
}

// Start launches the delivery worker pool.
func (m *Manager) Start(ctx context.Context) error {
	return m.pool.Start(ctx)
}

// Stop drains the delivery worker pool, waiting up to timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	return m.pool.Stop(timeout)
}

// ListenFor subscribes listener to channel. Multiple listeners on the same
// channel are all notified; the underlying set is copy-on-write so
// delivery never blocks on a concurrent subscribe/unsubscribe.
func (m *Manager) ListenFor(channel string, listener Listener) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	sub := &Subscription{channel: channel, id: m.nextSubID, listener: listener, mgr: m}
	m.listeners[channel] = append(copySubs(m.listeners[channel]), sub)
	return sub
}

func copySubs(subs []*Subscription) []*Subscription {
	return append([]*Subscription{}, subs...)
}

func (m *Manager) unsubscribe(channel string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.listeners[channel]
	kept := make([]*Subscription, 0, len(existing))
	for _, s := range existing {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	m.listeners[channel] = kept
}

func (m *Manager) listenersFor(channel string) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners[channel]
}

// Send broadcasts payload on channel from pos, subject to options (zero
// value uses the manager's configured default). Returns a BroadcastFuture
// tracking server receipt and per-recipient acks; callers should Close it
// once they no longer need the ack stream.
func (m *Manager) Send(ctx context.Context, pos position.Time, channel string, payload json.RawMessage, options wire.BroadcastOptions) (*BroadcastFuture, error) {
	if options == (wire.BroadcastOptions{}) {
		options = m.defaultOptions
	}
	broadcastID := uuid.NewString()

	bf := newBroadcastFuture(broadcastID, func() { m.evictFuture(broadcastID) })
	m.futuresMu.Lock()
	m.futures[broadcastID] = bf
	m.futuresMu.Unlock()

	future, err := m.conn.SendRequest(func(replyTo int64) wire.Message {
		return wire.BroadcastSend{
			ReplyTo:     replyTo,
			Src:         m.localID,
			Position:    pos,
			Channel:     channel,
			Payload:     payload,
			Options:     options,
			BroadcastID: broadcastID,
		}
	})
	if err != nil {
		m.evictFuture(broadcastID)
		bf.receivedOnServer.Fail(err)
		return bf, err
	}

	go m.awaitReceipt(future, bf)
	return bf, nil
}

func (m *Manager) awaitReceipt(future *protocol.ConnectionFuture[wire.ServerResponse], bf *BroadcastFuture) {
	resp, err := future.Get(context.Background())
	if err != nil {
		bf.receivedOnServer.Fail(err)
		return
	}
	if resp.Error != "" {
		bf.receivedOnServer.Fail(navneterrors.New(navneterrors.RemoteFailure, resp.Error))
		return
	}
	bf.receivedOnServer.Resolve(struct{}{})
}

func (m *Manager) evictFuture(broadcastID string) {
	m.futuresMu.Lock()
	delete(m.futures, broadcastID)
	m.futuresMu.Unlock()
}

// OnBroadcastDeliver implements the inbound half of protocol.Dispatcher:
// fan out to every listener on msg.Channel, each on its own pool worker.
func (m *Manager) OnBroadcastDeliver(msg wire.BroadcastDeliver) {
	subs := m.listenersFor(msg.Channel)
	if len(subs) == 0 {
		return
	}
	header := DeliverHeader{Src: msg.Src, Position: msg.Position}
	for _, sub := range subs {
		if err := m.pool.Submit(deliverWork{listener: sub.listener, header: header, payload: msg.Payload}); err != nil {
			m.logger.Warn("broadcast delivery pool saturated, dropping", "channel", msg.Channel, "error", err)
		}
	}
}

// OnBroadcastAck implements the inbound half of protocol.Dispatcher for
// the sender side of a broadcast: route the ack to the matching
// BroadcastFuture, or log it as orphaned if the future was closed or
// never existed.
func (m *Manager) OnBroadcastAck(msg wire.BroadcastAck) {
	m.futuresMu.Lock()
	bf, ok := m.futures[msg.BroadcastID]
	m.futuresMu.Unlock()

	if !ok {
		m.logger.Debug("ack for unknown or closed broadcast", "broadcastId", msg.BroadcastID)
		return
	}
	bf.pushAck(AckEvent{RecipientID: msg.RecipientID, RecipientPosition: msg.RecipientPosition})
}

func (m *Manager) runDeliver(ctx context.Context, work deliverWork) error {
	work.listener(work.header, work.payload)
	return nil
}
