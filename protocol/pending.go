package protocol

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/dma-navnet/navnet-client/navneterrors"
	"github.com/dma-navnet/navnet-client/wire"
)

// pendingEntry pairs an outbound ServerRequest frame with the future that
// resolves when its ServerResponse arrives, so it can be replayed verbatim
// on a resumed connection.
type pendingEntry struct {
	replyTo int64
	frame   wire.Message
	future  *ConnectionFuture[wire.ServerResponse]
}

// PendingRequests is the replyTo-keyed correlation table for outstanding
// ServerRequests (RegisterService, FindService, BroadcastSend). Grounded on
// AbstractClientConnection's `ConcurrentHashMap<Long, DefaultConnectionFuture<?>>
// acks` plus its `AtomicInteger ai` guarded by `synchronized(ai)`: here a
// single mutex serializes id assignment and map insertion together, since
// assigning the id and becoming discoverable for replay must be atomic.
type PendingRequests struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*pendingEntry
	logger  *slog.Logger
}

// NewPendingRequests returns an empty correlation table.
func NewPendingRequests(logger *slog.Logger) *PendingRequests {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingRequests{
		entries: make(map[int64]*pendingEntry),
		logger:  logger,
	}
}

// Register assigns the next replyTo id, stores frame (as built by build,
// which receives the assigned id so it can stamp it into the message) and
// returns the future that will resolve when a matching ServerResponse
// arrives, and the stamped frame ready to send.
func (p *PendingRequests) Register(build func(replyTo int64) wire.Message) (wire.Message, *ConnectionFuture[wire.ServerResponse]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	frame := build(id)
	future := NewConnectionFuture[wire.ServerResponse]()
	p.entries[id] = &pendingEntry{replyTo: id, frame: frame, future: future}
	return frame, future
}

// Resolve completes the pending request matching resp.MessageAck. Returns
// false if no such request is outstanding (an orphan response), mirroring
// AbstractClientConnection's "Orphaned packet" log-and-drop path.
func (p *PendingRequests) Resolve(resp wire.ServerResponse) bool {
	p.mu.Lock()
	entry, ok := p.entries[resp.MessageAck]
	if ok {
		delete(p.entries, resp.MessageAck)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("orphaned server response", "messageAck", resp.MessageAck)
		return false
	}
	entry.future.Resolve(resp)
	return true
}

// Cancel removes the request identified by replyTo and marks its future
// Cancelled, with no wire effect.
func (p *PendingRequests) Cancel(replyTo int64) {
	p.mu.Lock()
	entry, ok := p.entries[replyTo]
	if ok {
		delete(p.entries, replyTo)
	}
	p.mu.Unlock()

	if ok {
		entry.future.Cancel()
	}
}

// FailAll completes every outstanding request with err and empties the
// table. Connection calls it on Close and on a protocol error (orphaned
// response or malformed frame); an ordinary transport drop keeps the
// entries so they can be replayed after reconnect.
func (p *PendingRequests) FailAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[int64]*pendingEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.future.Fail(err)
	}
}

// Replay returns every outstanding request's frame in ascending replyTo
// order, for resending immediately after a RESUMING Connected is received.
// Ascending order preserves the original send order, matching the ordering
// guarantee a never-disconnected session would have provided.
func (p *PendingRequests) Replay() []wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int64, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	frames := make([]wire.Message, 0, len(ids))
	for _, id := range ids {
		frames = append(frames, p.entries[id].frame)
	}
	return frames
}

// errConnectionLost is the standard cause used to fail pending requests
// when the transport is known to be down.
func errConnectionLost(detail string) error {
	return navneterrors.New(navneterrors.ConnectionLost, detail)
}
