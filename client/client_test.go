package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dma-navnet/navnet-client/broadcast"
	"github.com/dma-navnet/navnet-client/config"
	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/position"
	"github.com/dma-navnet/navnet-client/protocol"
	"github.com/dma-navnet/navnet-client/wire"
)

// scriptedServer performs the Welcome/Hello/Connected handshake and then
// records every subsequent frame it receives, optionally pushing frames of
// its own (e.g. a BroadcastDeliver) onto the connection.
type scriptedServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []wire.Message
	conn   *websocket.Conn
	ready  chan struct{}
}

func newScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &scriptedServer{ready: make(chan struct{})}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		welcome, err := wire.Encode(wire.Welcome{ProtocolVersion: 1, ServerID: maritimeid.MustParse("urn://server"), Banner: "test"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, welcome))

		_, _, err = conn.ReadMessage() // Hello
		if err != nil {
			return
		}

		connected, err := wire.Encode(wire.Connected{ConnectionID: "conn-1"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, connected))

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		close(s.ready)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.frames = append(s.frames, msg)
			s.mu.Unlock()
		}
	}))
	return s
}

func (s *scriptedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *scriptedServer) close() {
	s.srv.Close()
}

func (s *scriptedServer) send(t *testing.T, msg wire.Message) {
	t.Helper()
	<-s.ready
	frame, err := wire.Encode(msg)
	require.NoError(t, err)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func (s *scriptedServer) received(match func(wire.Message) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if match(f) {
			return true
		}
	}
	return false
}

func fixedPosition() (position.Time, error) {
	return position.Time{Latitude: 55.6, Longitude: 12.5, Timestamp: time.Now()}, nil
}

func testConfig(t *testing.T, host string) config.Config {
	t.Helper()
	return config.New(
		config.WithLocalID(maritimeid.MustParse("urn://client")),
		config.WithHost(host),
		config.WithPositionSupplier(fixedPosition),
		config.WithConnectTimeout(time.Second),
		config.WithPositionInterval(20*time.Millisecond),
	)
}

func TestConnectCompletesHandshakeAndPublishesPosition(t *testing.T) {
	server := newScriptedServer(t)
	defer server.close()

	c, err := Connect(context.Background(), testConfig(t, server.wsURL()))
	require.NoError(t, err)
	defer c.Close("test done")

	assert.Equal(t, protocol.Connected, c.State())
	assert.True(t, c.LocalID().Equal(maritimeid.MustParse("urn://client")))

	require.Eventually(t, func() bool {
		return server.received(func(m wire.Message) bool {
			_, ok := m.(wire.PositionReport)
			return ok
		})
	}, time.Second, 10*time.Millisecond)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	_, err := Connect(context.Background(), config.Config{})
	require.Error(t, err)
}

func TestRemovedStateListenerDoesNotFire(t *testing.T) {
	server := newScriptedServer(t)
	defer server.close()

	c, err := Connect(context.Background(), testConfig(t, server.wsURL()))
	require.NoError(t, err)
	defer c.Close("test done")

	var mu sync.Mutex
	var seen []protocol.State
	id := c.AddStateListener(func(s protocol.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	c.RemoveStateListener(id)

	require.NoError(t, c.Close("bye"))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen, "listener removed before close should not fire")
}

func TestCloseIsIdempotentAndTerminates(t *testing.T) {
	server := newScriptedServer(t)
	defer server.close()

	c, err := Connect(context.Background(), testConfig(t, server.wsURL()))
	require.NoError(t, err)

	require.NoError(t, c.Close("bye"))
	require.NoError(t, c.Close("bye again"))
	assert.Equal(t, protocol.Terminated, c.State())
	assert.True(t, c.AwaitTerminated(time.Second))
}

func TestBroadcastListenReceivesDeliveredFrame(t *testing.T) {
	server := newScriptedServer(t)
	defer server.close()

	c, err := Connect(context.Background(), testConfig(t, server.wsURL()))
	require.NoError(t, err)
	defer c.Close("test done")

	done := make(chan json.RawMessage, 1)
	c.BroadcastListen("weather", func(header broadcast.DeliverHeader, payload json.RawMessage) {
		done <- payload
	})

	c.OnBroadcastDeliver(wire.BroadcastDeliver{
		Src:     maritimeid.MustParse("urn://sender"),
		Channel: "weather",
		Payload: json.RawMessage(`{"wind":7}`),
	})

	select {
	case payload := <-done:
		assert.JSONEq(t, `{"wind":7}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("broadcast listener was not invoked")
	}
}
