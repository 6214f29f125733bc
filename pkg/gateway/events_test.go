package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_AssignsTypeAndSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("agent.progress", map[string]interface{}{"ok": true})
	broadcaster.Broadcast("agent.sessionListChanged", map[string]interface{}{"ok": true})

	var first EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&first))

	var second EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "agent.progress", first.Event)
	assert.NotZero(t, first.Seq)
	assert.NotZero(t, first.Timestamp)

	assert.Equal(t, "agent.sessionListChanged", second.Event)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_SkipsUnauthenticatedClients(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:   "client-1",
		Conn: serverConn,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("agent.progress", map[string]interface{}{"ok": true})

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var event EventMessage
	err := clientConn.ReadJSON(&event)
	assert.Error(t, err)
}

func TestEventBroadcaster_BroadcastToClient(t *testing.T) {
	serverConn1, clientConn1, cleanup1 := websocketConnPair(t)
	defer cleanup1()
	serverConn2, clientConn2, cleanup2 := websocketConnPair(t)
	defer cleanup2()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn1, Authenticated: true})
	registry.Add(&Client{ID: "client-2", Conn: serverConn2, Authenticated: true})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.BroadcastToClient("client-1", "agent.progress", map[string]interface{}{"ok": true})

	var event EventMessage
	require.NoError(t, clientConn1.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn1.ReadJSON(&event))
	assert.Equal(t, "agent.progress", event.Event)

	require.NoError(t, clientConn2.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	err := clientConn2.ReadJSON(&event)
	assert.Error(t, err)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
