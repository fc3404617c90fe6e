package navneterrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	cerrors "github.com/dma-navnet/navnet-client/pkg/errors"
)

func TestErrorIs(t *testing.T) {
	err := New(Timeout, "get(timeout) expired")
	assert.True(t, errors.Is(err, Sentinel(Timeout)))
	assert.False(t, errors.Is(err, Sentinel(Cancelled)))
}

func TestKindOf(t *testing.T) {
	err := Wrap(RemoteFailure, "invocation failed", errors.New("boom"))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, RemoteFailure, kind)
	assert.ErrorContains(t, err, "boom")

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("network reset")
	err := Wrap(ConnectionLost, "transport closed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestClassMapsKindsToErrorClass(t *testing.T) {
	assert.Equal(t, cerrors.ErrorTransient, New(ConnectionLost, "").Class())
	assert.Equal(t, cerrors.ErrorInvalid, New(AlreadyRegistered, "").Class())
	assert.Equal(t, cerrors.ErrorFatal, New(HandshakeFailed, "").Class())
}
