package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

// wsTestServer accepts websocket connections, records inbound frames
// and lets tests push frames to the newest connection.
type wsTestServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]byte
	accepted int
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.accepted++
		ws.mu.Unlock()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.mu.Lock()
			ws.received = append(ws.received, frame)
			ws.mu.Unlock()
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)

	ws.mu.Lock()
	require.NotEmpty(t, ws.conns)
	conn := ws.conns[len(ws.conns)-1]
	ws.mu.Unlock()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func (ws *wsTestServer) dropClients() {
	ws.mu.Lock()
	conns := ws.conns
	ws.conns = nil
	ws.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (ws *wsTestServer) receivedEvents(t *testing.T, event string) int {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for _, frame := range ws.received {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		if env.Event == event {
			n++
		}
	}
	return n
}

func (ws *wsTestServer) connections() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.accepted
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestConnectAndDisconnectIdempotent(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{URL: ws.url()})

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect(), "second connect is a no-op")
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, ws.connections())

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())
}

func TestEmitWhileDisconnectedIsObservable(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws"})

	err := c.Emit(protocol.EventLeaveSession, protocol.LeaveSession{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.LastError(), ErrNotConnected)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{URL: ws.url()})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	var mu sync.Mutex
	var order []string
	c.On(protocol.EventQueueUpdated, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	second := c.On(protocol.EventQueueUpdated, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	ws.push(t, protocol.EventQueueUpdated, protocol.QueueUpdate{SessionID: "s1"})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	// After Off only the remaining handler fires.
	c.Off(protocol.EventQueueUpdated, second)
	ws.push(t, protocol.EventQueueUpdated, protocol.QueueUpdate{SessionID: "s1"})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	assert.Equal(t, "first", order[2])
	mu.Unlock()
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{URL: ws.url()})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	var mu sync.Mutex
	survived := false
	c.On(protocol.EventVerseChanged, func(json.RawMessage) {
		panic("handler bug")
	})
	c.On(protocol.EventVerseChanged, func(json.RawMessage) {
		mu.Lock()
		survived = true
		mu.Unlock()
	})

	ws.push(t, protocol.EventVerseChanged, protocol.VerseChanged{SessionID: "s1"})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return survived
	})
}

func TestErrorEventLandsInLastError(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{URL: ws.url()})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	ws.push(t, protocol.EventError, protocol.Error{Message: "session full", Code: "full"})
	waitFor(t, time.Second, func() bool {
		err := c.LastError()
		return err != nil && err.Error() == "session full"
	})
}

func TestReconnectReplaysJoinedSessions(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{
		URL:               ws.url(),
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	require.NoError(t, c.JoinSession("s1", "alice", "Alice"))
	waitFor(t, time.Second, func() bool {
		return ws.receivedEvents(t, protocol.EventJoinSession) == 1
	})

	// Server drops the connection; the client reconnects and rejoins on
	// its own.
	ws.dropClients()
	waitFor(t, 2*time.Second, func() bool {
		return ws.connections() == 2
	})
	waitFor(t, 2*time.Second, func() bool {
		return ws.receivedEvents(t, protocol.EventJoinSession) == 2
	})
	assert.True(t, c.IsConnected())
}

func TestEmittedJoinIsReplayedAfterReconnect(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{
		URL:               ws.url(),
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	// Higher layers emit join-session directly rather than going
	// through JoinSession; the replay set must see those joins too.
	require.NoError(t, c.Emit(protocol.EventJoinSession, protocol.JoinSession{
		SessionID:       "s1",
		ParticipantID:   "alice",
		ParticipantName: "Alice",
	}))
	waitFor(t, time.Second, func() bool {
		return ws.receivedEvents(t, protocol.EventJoinSession) == 1
	})

	ws.dropClients()
	waitFor(t, 2*time.Second, func() bool {
		return ws.connections() == 2
	})
	waitFor(t, 2*time.Second, func() bool {
		return ws.receivedEvents(t, protocol.EventJoinSession) == 2
	})
	assert.True(t, c.IsConnected())
}

func TestEmittedLeaveForgetsRejoin(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{
		URL:               ws.url(),
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	require.NoError(t, c.Emit(protocol.EventJoinSession, protocol.JoinSession{
		SessionID:       "s1",
		ParticipantID:   "alice",
		ParticipantName: "Alice",
	}))
	require.NoError(t, c.Emit(protocol.EventLeaveSession, protocol.LeaveSession{
		SessionID:     "s1",
		ParticipantID: "alice",
	}))
	waitFor(t, time.Second, func() bool {
		return ws.receivedEvents(t, protocol.EventLeaveSession) == 1
	})

	ws.dropClients()
	waitFor(t, 2*time.Second, func() bool {
		return ws.connections() == 2
	})

	// A left session stays left across the reconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ws.receivedEvents(t, protocol.EventJoinSession))
}

func TestReconnectExhaustionSurfacesTerminalError(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{
		URL:               ws.url(),
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
	})
	require.NoError(t, c.Connect())

	// Kill the listener so every redial fails, then cut the live
	// connection to trigger the reconnect loop.
	_ = ws.srv.Listener.Close()
	ws.dropClients()

	waitFor(t, 2*time.Second, func() bool {
		return errors.Is(c.LastError(), ErrReconnectsExhausted)
	})
	assert.False(t, c.IsConnected())
}

func TestExplicitDisconnectStopsReconnects(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{
		URL:               ws.url(),
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, c.Connect())

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, ws.connections(), "no redial after explicit disconnect")
}

func TestEnvironmentNoiseFilter(t *testing.T) {
	assert.True(t, isEnvironmentNoise(errors.New("Could not establish connection. Receiving end does not exist.")))
	assert.True(t, isEnvironmentNoise(errors.New("WebSocket is closed before the connection is established")))
	assert.False(t, isEnvironmentNoise(errors.New("connection refused")))
	assert.False(t, isEnvironmentNoise(nil))
}

func TestLeaveSessionForgetsRejoin(t *testing.T) {
	ws := newWSTestServer(t)
	c := New(Options{
		URL:               ws.url(),
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	require.NoError(t, c.JoinSession("s1", "alice", "Alice"))
	require.NoError(t, c.LeaveSession("s1", "alice"))
	waitFor(t, time.Second, func() bool {
		return ws.receivedEvents(t, protocol.EventLeaveSession) == 1
	})

	ws.dropClients()
	waitFor(t, 2*time.Second, func() bool {
		return ws.connections() == 2
	})
	time.Sleep(50 * time.Millisecond)

	// The left session is not replayed.
	assert.Equal(t, 1, ws.receivedEvents(t, protocol.EventJoinSession))
}
