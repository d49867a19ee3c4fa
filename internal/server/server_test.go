package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

func startTestServer(t *testing.T) (*PresenceHub, string) {
	t.Helper()
	hub := NewPresenceHub()
	ctl := &Controller{Presence: hub, Rooms: NewRoomHub(), ReadLimit: 32768}
	ts := httptest.NewServer(SetupRouter(&config.Config{Mode: "release"}, ctl))
	t.Cleanup(ts.Close)
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wire.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func readUntil(t *testing.T, ws *websocket.Conn, msgType string) wire.Message {
	t.Helper()
	for {
		msg := readMessage(t, ws)
		if msg.Type == msgType {
			return msg
		}
	}
}

func register(t *testing.T, ws *websocket.Conn, id domain.UserID) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(wire.Message{Type: wire.TypeRegister, UserID: id}))
}

func TestPresenceRegisterSnapshotAndStatus(t *testing.T) {
	hub, wsURL := startTestServer(t)

	a := dial(t, wsURL+"/ws/presence")
	register(t, a, 23)
	snap := readUntil(t, a, wire.TypeInitialStatus)
	assert.Empty(t, snap.Users)
	require.Eventually(t, func() bool { return hub.Online(23) }, time.Second, 5*time.Millisecond)

	b := dial(t, wsURL+"/ws/presence")
	register(t, b, 99)
	snap = readUntil(t, b, wire.TypeInitialStatus)
	assert.Equal(t, []domain.UserID{23}, snap.Users)

	// A hears about B.
	status := readUntil(t, a, wire.TypeStatus)
	assert.Equal(t, domain.UserID(99), status.UserID)
	assert.True(t, status.Online)
}

func TestPresenceOfflineFrame(t *testing.T) {
	hub, wsURL := startTestServer(t)

	a := dial(t, wsURL+"/ws/presence")
	register(t, a, 23)
	readUntil(t, a, wire.TypeInitialStatus)

	b := dial(t, wsURL+"/ws/presence")
	register(t, b, 99)
	readUntil(t, b, wire.TypeInitialStatus)

	require.NoError(t, b.WriteJSON(wire.Message{Type: wire.TypeOffline, UserID: 99}))
	status := readUntil(t, a, wire.TypeStatus)
	for status.UserID != 99 || status.Online {
		status = readUntil(t, a, wire.TypeStatus)
	}
	assert.False(t, status.Online)
	require.Eventually(t, func() bool { return !hub.Online(99) }, time.Second, 5*time.Millisecond)
}

func TestPresenceDropOnTransportClose(t *testing.T) {
	hub, wsURL := startTestServer(t)

	a := dial(t, wsURL+"/ws/presence")
	register(t, a, 23)
	readUntil(t, a, wire.TypeInitialStatus)
	require.Eventually(t, func() bool { return hub.Online(23) }, time.Second, 5*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool { return !hub.Online(23) }, time.Second, 5*time.Millisecond)
}

func TestPresenceHeartbeatIgnored(t *testing.T) {
	hub, wsURL := startTestServer(t)

	a := dial(t, wsURL+"/ws/presence")
	register(t, a, 23)
	readUntil(t, a, wire.TypeInitialStatus)
	require.NoError(t, a.WriteJSON(wire.Message{Type: wire.TypeHeartbeat}))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, hub.Online(23))
}

func TestSignalRejectsMissingUserID(t *testing.T) {
	_, wsURL := startTestServer(t)
	_, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/signal", nil)
	assert.Error(t, err)
}

func TestRoomJoinAckAndRelay(t *testing.T) {
	_, wsURL := startTestServer(t)

	a := dial(t, wsURL+"/ws/signal?userId=1")
	require.NoError(t, a.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-7"}))
	// The join frame's UserID field is ignored; identity comes from the
	// query parameter.
	ack := readUntil(t, a, wire.TypeRoomJoined)
	assert.Equal(t, domain.RoomID("match-7"), ack.RoomID)
	assert.Empty(t, ack.Users)

	b := dial(t, wsURL+"/ws/signal?userId=2")
	require.NoError(t, b.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-7"}))
	ack = readUntil(t, b, wire.TypeRoomJoined)
	assert.Equal(t, []domain.UserID{1}, ack.Users)

	joined := readUntil(t, a, wire.TypeParticipantJoined)
	assert.Equal(t, domain.UserID(2), joined.UserID)

	// Offer from A relays to B only, stamped with the sender.
	payload := []byte(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, a.WriteJSON(wire.Message{Type: wire.TypeOffer, RoomID: "match-7", Payload: payload}))
	offer := readUntil(t, b, wire.TypeOffer)
	assert.Equal(t, domain.UserID(1), offer.UserID)
	assert.JSONEq(t, string(payload), string(offer.Payload))
}

func TestRoomCapsAtTwo(t *testing.T) {
	_, wsURL := startTestServer(t)

	for id := 1; id <= 2; id++ {
		ws := dial(t, wsURL+"/ws/signal?userId="+strconv.Itoa(id))
		require.NoError(t, ws.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-5"}))
		readUntil(t, ws, wire.TypeRoomJoined)
	}

	third := dial(t, wsURL+"/ws/signal?userId=3")
	require.NoError(t, third.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-5"}))
	errMsg := readUntil(t, third, wire.TypeError)
	assert.Equal(t, "room full", errMsg.Error)
}

// serverConn upgrades a throwaway websocket and hands back the
// server-side half, for tests that poke clients directly.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- c
	}))
	t.Cleanup(ts.Close)
	dialer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dialer.Close() })
	conn := <-conns
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendToClosedClientFails(t *testing.T) {
	c := newClient(7, serverConn(t))
	require.NoError(t, c.trySend(wire.Message{Type: wire.TypeOffer}))

	c.close()
	require.NotPanics(t, func() {
		assert.ErrorIs(t, c.trySend(wire.Message{Type: wire.TypeOffer}), ErrClientClosed)
	})
	c.close() // still idempotent
}

func TestRelaySurvivesPeerTeardown(t *testing.T) {
	rooms := NewRoomHub()
	a := newClient(1, serverConn(t))
	b := newClient(2, serverConn(t))
	rooms.join("match-9", a)
	rooms.join("match-9", b)

	// B's handler closes after the relay snapshots the room but before
	// the frame is queued; the relay must drop the frame, not panic in
	// A's read loop.
	b.close()
	require.NotPanics(t, func() {
		rooms.relay(a, wire.Message{Type: wire.TypeOffer, RoomID: "match-9"})
	})

	rooms.leaveAll(b)
	require.NotPanics(t, func() {
		rooms.relay(a, wire.Message{Type: wire.TypeAnswer, RoomID: "match-9"})
	})
}

func TestLeaveAndDisconnectNotify(t *testing.T) {
	_, wsURL := startTestServer(t)

	a := dial(t, wsURL+"/ws/signal?userId=1")
	require.NoError(t, a.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-3"}))
	readUntil(t, a, wire.TypeRoomJoined)

	b := dial(t, wsURL+"/ws/signal?userId=2")
	require.NoError(t, b.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-3"}))
	readUntil(t, b, wire.TypeRoomJoined)
	readUntil(t, a, wire.TypeParticipantJoined)

	// Explicit leave.
	require.NoError(t, b.WriteJSON(wire.Message{Type: wire.TypeRoomLeave, RoomID: "match-3"}))
	left := readUntil(t, a, wire.TypeParticipantLeft)
	assert.Equal(t, domain.UserID(2), left.UserID)

	// Rejoin, then vanish without a leave frame.
	require.NoError(t, b.WriteJSON(wire.Message{Type: wire.TypeRoomJoin, RoomID: "match-3"}))
	readUntil(t, a, wire.TypeParticipantJoined)
	b.Close()
	left = readUntil(t, a, wire.TypeParticipantLeft)
	assert.Equal(t, domain.UserID(2), left.UserID)
}
