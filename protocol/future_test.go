package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dma-navnet/navnet-client/navneterrors"
)

func TestFutureResolve(t *testing.T) {
	f := NewConnectionFuture[int]()
	assert.Equal(t, Pending, f.State())

	f.Resolve(42)
	assert.Equal(t, Completed, f.State())

	got, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestFutureFail(t *testing.T) {
	f := NewConnectionFuture[int]()
	f.Fail(navneterrors.New(navneterrors.RemoteFailure, "boom"))

	_, err := f.Get(context.Background())
	require.Error(t, err)
	kind, ok := navneterrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, navneterrors.RemoteFailure, kind)
}

func TestFutureCancelIgnoresLateResolve(t *testing.T) {
	f := NewConnectionFuture[int]()
	f.Cancel()
	assert.Equal(t, Cancelled, f.State())

	f.Resolve(99)
	assert.Equal(t, Cancelled, f.State(), "resolve after cancel must be ignored")
}

func TestFutureGetTimesOutOnContext(t *testing.T) {
	f := NewConnectionFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	require.Error(t, err)
	kind, ok := navneterrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, navneterrors.Timeout, kind)
	assert.Equal(t, Pending, f.State(), "a local wait timeout must not resolve the future itself")
}
