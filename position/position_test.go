package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Time
}

func (s *recordingSink) SendPosition(t Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, t)
}

func (s *recordingSink) snapshot() []Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Time, len(s.got))
	copy(out, s.got)
	return out
}

func TestManagerPublishesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	want := Time{Latitude: 55.6, Longitude: 12.5, Timestamp: time.Now()}
	mgr := New(func() (Time, error) { return want, nil }, sink, 10*time.Millisecond, nil)

	mgr.Start(context.Background())
	defer mgr.Stop()

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sink.snapshot()[0])
}

func TestManagerResendsPreviousOnSupplierFailure(t *testing.T) {
	sink := &recordingSink{}
	good := Time{Latitude: 1, Longitude: 2, Timestamp: time.Now()}

	var calls int
	mgr := New(func() (Time, error) {
		calls++
		if calls == 1 {
			return good, nil
		}
		return Time{}, errors.New("no fix")
	}, sink, 10*time.Millisecond, nil)

	mgr.Start(context.Background())
	defer mgr.Stop()

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 3 }, time.Second, 5*time.Millisecond)
	for _, got := range sink.snapshot() {
		assert.Equal(t, good, got)
	}
}

func TestManagerSkipsCycleWithNoPreviousPosition(t *testing.T) {
	sink := &recordingSink{}
	mgr := New(func() (Time, error) { return Time{}, errors.New("no fix") }, sink, 10*time.Millisecond, nil)

	mgr.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	mgr.Stop()

	assert.Empty(t, sink.snapshot())
}

func TestManagerStopIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	mgr := New(func() (Time, error) { return Time{}, nil }, sink, 10*time.Millisecond, nil)
	mgr.Start(context.Background())
	mgr.Stop()
	mgr.Stop()
}
