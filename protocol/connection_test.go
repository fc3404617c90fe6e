package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/pkg/retry"
	"github.com/dma-navnet/navnet-client/wire"
)

// handshakeServer upgrades the socket, sends Welcome, expects Hello, and
// replies Connected. After that it echoes every further frame back to the
// client. Each established server-side conn is also delivered on connect,
// so a test can write to it directly or close it to exercise the
// reconnect path.
type handshakeServer struct {
	srv     *httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	connect chan *websocket.Conn
}

func newHandshakeServer(t *testing.T) *handshakeServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	h := &handshakeServer{connect: make(chan *websocket.Conn, 8)}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		h.connect <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
	return h
}

func (h *handshakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *handshakeServer) close() {
	h.srv.Close()
}

func TestConnectionStartCompletesHandshake(t *testing.T) {
	server := newHandshakeServer(t)
	defer server.close()

	conn := New(Config{
		URL:            server.wsURL(),
		LocalID:        maritimeid.MustParse("urn://client"),
		ConnectTimeout: time.Second,
	})

	require.NoError(t, conn.Start(context.Background()))
	assert.Equal(t, Connected, conn.State())

	defer conn.Close("test done")
}

func TestConnectionStartFailsOnRefusal(t *testing.T) {
	conn := New(Config{
		URL:            "ws://127.0.0.1:1/",
		LocalID:        maritimeid.MustParse("urn://client"),
		ConnectTimeout: 200 * time.Millisecond,
	})

	err := conn.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, Terminated, conn.State())
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	server := newHandshakeServer(t)
	defer server.close()

	conn := New(Config{
		URL:            server.wsURL(),
		LocalID:        maritimeid.MustParse("urn://client"),
		ConnectTimeout: time.Second,
	})
	require.NoError(t, conn.Start(context.Background()))

	require.NoError(t, conn.Close("bye"))
	require.NoError(t, conn.Close("bye again"))
	assert.Equal(t, Terminated, conn.State())
	assert.True(t, conn.AwaitTerminated(time.Second))
}

func TestConnectionReconnectsAfterDrop(t *testing.T) {
	server := newHandshakeServer(t)
	defer server.close()

	conn := New(Config{
		URL:            server.wsURL(),
		LocalID:        maritimeid.MustParse("urn://client"),
		ConnectTimeout: time.Second,
		Reconnect: retry.Config{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
	})
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Close("test done")

	var states []State
	var mu sync.Mutex
	conn.AddStateListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	first := <-server.connect
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return conn.State() == Connected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Reconnecting)
}

func TestConnectionOrphanResponseTriggersReconnect(t *testing.T) {
	server := newHandshakeServer(t)
	defer server.close()

	conn := New(Config{
		URL:            server.wsURL(),
		LocalID:        maritimeid.MustParse("urn://client"),
		ConnectTimeout: time.Second,
		Reconnect: retry.Config{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
	})
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Close("test done")

	var states []State
	var mu sync.Mutex
	conn.AddStateListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	serverConn := <-server.connect
	orphan, err := wire.Encode(wire.ServerResponse{MessageAck: 9999})
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, orphan))

	require.Eventually(t, func() bool {
		return conn.State() == Connected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Reconnecting)
}
