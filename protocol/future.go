package protocol

import (
	"context"
	"sync"

	"github.com/dma-navnet/navnet-client/navneterrors"
)

// FutureState is a ConnectionFuture's lifecycle state. Transitions are
// one-way: Pending can move to any of the three terminal states, and a
// terminal state never moves again.
type FutureState int

const (
	Pending FutureState = iota
	Completed
	Failed
	Cancelled
)

func (s FutureState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ConnectionFuture is a single-shot result cell for a request sent over the
// connection: a RegisterService, FindService, or BroadcastSend's
// receivedOnServer milestone, or a ServiceManager invocation. Grounded on
// the correlation table kept by AbstractClientConnection, reshaped from
// Java's wait/notify future into a context-aware channel-based one.
type ConnectionFuture[T any] struct {
	mu    sync.Mutex
	state FutureState
	value T
	err   error
	done  chan struct{}
}

// NewConnectionFuture returns a future in the Pending state.
func NewConnectionFuture[T any]() *ConnectionFuture[T] {
	return &ConnectionFuture[T]{done: make(chan struct{})}
}

// complete transitions the future to a terminal state. Only the first call
// has any effect; later calls are no-ops, mirroring the wire reality that a
// late duplicate response must not override an already-cancelled future.
func (f *ConnectionFuture[T]) complete(state FutureState, value T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return
	}
	f.state = state
	f.value = value
	f.err = err
	close(f.done)
}

// Resolve completes the future successfully with value.
func (f *ConnectionFuture[T]) Resolve(value T) {
	f.complete(Completed, value, nil)
}

// Fail completes the future with err.
func (f *ConnectionFuture[T]) Fail(err error) {
	var zero T
	f.complete(Failed, zero, err)
}

// Cancel completes the future as Cancelled. Cancelling has no wire effect;
// it only stops the local caller from waiting, and causes a later response
// to be discarded.
func (f *ConnectionFuture[T]) Cancel() {
	var zero T
	f.complete(Cancelled, zero, navneterrors.Sentinel(navneterrors.Cancelled))
}

// State returns the future's current state without blocking.
func (f *ConnectionFuture[T]) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Get blocks until the future is terminal or ctx is done. A ctx
// cancellation does not cancel the future itself (the request may still
// complete later); it only stops this particular wait.
func (f *ConnectionFuture[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, navneterrors.Wrap(navneterrors.Timeout, "waiting for response", ctx.Err())
	}
}
