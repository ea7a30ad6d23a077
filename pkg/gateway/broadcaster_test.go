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

	"github.com/harun/hiplan/pkg/events"
)

func TestEventBroadcaster_BroadcastAssignsTypeAndSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("session.message", map[string]interface{}{"ok": true})

	var event EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&event))

	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "session.message", event.Event)
	assert.NotZero(t, event.Seq)
	assert.NotZero(t, event.Timestamp)
}

func TestEventBroadcaster_SkipsUnauthenticatedClients(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("tick", nil)

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var event EventMessage
	assert.Error(t, clientConn.ReadJSON(&event))
}

func TestEventBroadcaster_ForwardSessionEvents(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	mux := events.New(events.Config{Logger: zerolog.Nop()})
	mux.Publish(events.Event{SessionID: "s1", Type: events.SessionStarted, Phase: "CREATED"})

	client := &Client{ID: "client-1", Conn: serverConn, Authenticated: true}
	sub := mux.Subscribe("s1")
	require.True(t, client.subscribe(sub))
	assert.False(t, client.subscribe(sub))

	done := make(chan struct{})
	broadcaster := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())
	go func() {
		broadcaster.Forward(client, sub)
		close(done)
	}()

	mux.Publish(events.Event{SessionID: "s1", Type: events.PlanningStarted, Phase: "PLANNING", Iteration: 1})
	mux.Close("s1")

	var got []EventMessage
	for i := 0; i < 3; i++ {
		var msg EventMessage
		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, clientConn.ReadJSON(&msg))
		got = append(got, msg)
	}

	assert.Equal(t, "session.started", got[0].Event)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, "planning.started", got[1].Event)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, "PLANNING", got[1].Phase)
	assert.Equal(t, 1, got[1].Iteration)
	assert.Equal(t, "s1", got[1].SessionID)
	assert.Equal(t, "session.stream.closed", got[2].Event)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarding did not stop")
	}
	assert.Zero(t, client.subscriptionCount())
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
