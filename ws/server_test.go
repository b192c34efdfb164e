package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-meet/codec"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/metrics"
	"github.com/tcriess/lightspeed-meet/persistence"
	"github.com/tcriess/lightspeed-meet/registry"
	"github.com/tcriess/lightspeed-meet/types"
)

type testServer struct {
	*httptest.Server
	hub       *Hub
	persister persistence.Persister
	journal   *persistence.Journal
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	persister, err := persistence.NewBuntPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"}})
	require.NoError(t, err)
	journal := persistence.NewJournal(persister)
	reg := registry.NewMemoryRegistry()
	m := metrics.New(reg)
	h := NewHub(reg, &config.Config{}, journal, nil, nil, m)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(NewRouter(h, m))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.Done()
		journal.Close()
		_ = persister.Close()
	})
	return &testServer{Server: srv, hub: h, persister: persister, journal: journal}
}

type wsConn struct {
	t     *testing.T
	conn  *websocket.Conn
	codec codec.Codec
}

func (s *testServer) dial(t *testing.T, subprotocols ...string) *wsConn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: time.Second}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/meet", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn, codec: codec.For(conn.Subprotocol())}
}

func (c *wsConn) emit(event string, data interface{}) {
	frame, err := c.codec.Encode(types.WebsocketMessage{Event: event, Data: data})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(c.codec.MessageType(), frame))
}

// next returns the next frame with the given event, skipping others.
func (c *wsConn) next(event string) types.WebsocketMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		messageType, frame, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		require.Equal(c.t, c.codec.MessageType(), messageType)
		msg := types.WebsocketMessage{}
		require.NoError(c.t, c.codec.Decode(frame, &msg))
		if msg.Event == event {
			return msg
		}
	}
}

func join(meetingId, userId, userName, role string) map[string]interface{} {
	return map[string]interface{}{"meetingId": meetingId, "userId": userId, "userName": userName, "role": role}
}

func TestServerMixedCodecs(t *testing.T) {
	srv := startServer(t)
	alice := srv.dial(t)
	bob := srv.dial(t, codec.MsgpackSubprotocol)
	assert.Equal(t, codec.JSON, alice.codec)
	assert.Equal(t, codec.Msgpack, bob.codec)

	alice.emit(types.EventJoinMeeting, join("abc123", "u1", "Alice", types.RoleTeacher))
	joined := alice.next(types.EventMeetingJoined)
	aliceConn := joined.Data.(map[string]interface{})["socketId"].(string)
	require.NotEmpty(t, aliceConn)

	bob.emit(types.EventJoinMeeting, join("abc123", "u2", "Bob", types.RoleStudent))
	roster := bob.next(types.EventAllUsers)
	users := roster.Data.([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].(map[string]interface{})["userId"])
	newcomer := alice.next(types.EventUserJoined)
	assert.Equal(t, "u2", newcomer.Data.(map[string]interface{})["userId"])

	bob.emit(types.EventSignal, map[string]interface{}{"userToSignal": aliceConn, "signal": map[string]interface{}{"type": "offer", "sdp": "v=0"}})
	signal := alice.next(types.EventSignal)
	assert.Equal(t, "offer", signal.Data.(map[string]interface{})["signal"].(map[string]interface{})["type"])

	alice.emit(types.EventChatMessage, map[string]interface{}{"meetingId": "abc123", "message": map[string]interface{}{"text": "hello"}})
	chat := bob.next(types.EventChatMessage)
	assert.Equal(t, "hello", chat.Data.(map[string]interface{})["text"])

	bob.conn.Close()
	left := alice.next(types.EventUserLeft)
	assert.Equal(t, "u2", left.Data)
}

func TestServerJournalsAttendance(t *testing.T) {
	srv := startServer(t)
	alice := srv.dial(t)
	alice.emit(types.EventJoinMeeting, join("m1", "u1", "Alice", types.RoleTeacher))
	alice.next(types.EventMeetingJoined)
	alice.emit(types.EventLeaveMeeting, map[string]interface{}{"meetingId": "m1", "userId": "u1"})

	assert.Eventually(t, func() bool {
		events, err := srv.persister.GetSessionEvents("m1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		return err == nil && len(events) == 2
	}, 3*time.Second, 50*time.Millisecond)
	events, err := srv.persister.GetSessionEvents("m1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.ActionJoin, events[0].Action)
	assert.Equal(t, types.ActionLeave, events[1].Action)
}

func TestServerHTTPEndpoints(t *testing.T) {
	srv := startServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/rooms/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	alice := srv.dial(t)
	alice.emit(types.EventJoinMeeting, join("abc123", "u1", "Alice", types.RoleTeacher))
	alice.next(types.EventMeetingJoined)

	resp, err = http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	rooms := make([]types.Room, 0)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	require.Len(t, rooms, 1)
	assert.Equal(t, "abc123", rooms[0].Id)
	require.Len(t, rooms[0].Participants, 1)
	assert.Equal(t, "Alice", rooms[0].Participants[0].UserName)

	resp, err = http.Get(srv.URL + "/api/rooms/abc123")
	require.NoError(t, err)
	room := types.Room{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	resp.Body.Close()
	assert.Equal(t, "abc123", room.Id)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	r := httptest.NewRequest(http.MethodGet, "/meet", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.True(t, allowAll(r))

	restricted := checkOrigin([]string{"meet.example.com"})
	assert.False(t, restricted(r))
	r.Header.Set("Origin", "https://meet.example.com")
	assert.True(t, restricted(r))
	r.Header.Del("Origin")
	assert.True(t, restricted(r))
}
