package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/auth"
	"schoolchat/internal/hub"
	"schoolchat/internal/pipeline"
	"schoolchat/internal/registry"
	"schoolchat/internal/store"
	"schoolchat/pkg/types"
)

var (
	student1 = types.Identity{ID: "s1", DisplayName: "Ana", Role: types.RoleStudent, Class: "7A"}
	student2 = types.Identity{ID: "s2", DisplayName: "Ben", Role: types.RoleStudent, Class: "7A"}
	teacher1 = types.Identity{ID: "t1", DisplayName: "Mr. K", Role: types.RoleTeacher}
	admin1   = types.Identity{ID: "a1", DisplayName: "Head", Role: types.RoleAdmin}
)

type fixture struct {
	url      string
	verifier *auth.Verifier
	hub      *hub.Hub
	store    *store.Store
	sessions *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rooms := registry.New("Teachers", []string{"7A", "7B"})
	h := hub.New(rooms.All(), logger)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	pipe := pipeline.New(st, h, pipeline.NewRateLimiter(100, time.Minute), logger)
	verifier := auth.NewVerifier("test-secret")
	sessions := NewRegistry()

	handler := NewHandler(verifier, rooms, h, pipe, sessions, Config{
		PingInterval:     time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     time.Second,
		SendBuffer:       16,
		HandshakeTimeout: time.Second,
	}, logger)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &fixture{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		verifier: verifier,
		hub:      h,
		store:    st,
		sessions: sessions,
	}
}

func (f *fixture) dial(t *testing.T, identity types.Identity) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Sign(identity, time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env types.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func recv(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var env types.Envelope
	err := conn.ReadJSON(&env)
	require.Error(t, err, "unexpected frame: %+v", env)
}

// recvSet reads n frames and keys them by event type. Acks and broadcasts
// to the same actor can interleave either way, so asserting on the set is
// the stable check.
func recvSet(t *testing.T, conn *websocket.Conn, n int) map[string]types.Envelope {
	t.Helper()
	got := make(map[string]types.Envelope, n)
	for i := 0; i < n; i++ {
		env := recv(t, conn)
		got[env.Type] = env
	}
	return got
}

func join(t *testing.T, conn *websocket.Conn, room, reqID string) types.JoinRoomAck {
	t.Helper()
	send(t, conn, types.NewEnvelope(types.EventJoinRoom, reqID, types.JoinRoomRequest{Room: room}))
	env := recv(t, conn)
	require.Equal(t, types.EventAck, env.Type)
	require.Equal(t, reqID, env.ID)
	var ack types.JoinRoomAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	return ack
}

func decodeError(t *testing.T, env types.Envelope) types.ErrorEvent {
	t.Helper()
	require.Equal(t, types.EventError, env.Type)
	var e types.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &e))
	return e
}

func TestHandler_RejectsMissingCredential(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_JoinAck(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, student1)

	ack := join(t, conn, "7A", "req-1")
	assert.Equal(t, "7A", ack.Room.ID)
	assert.False(t, ack.Room.Disabled)

	n, err := f.hub.Members("7A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandler_JoinForbiddenRoom(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, student1)

	send(t, conn, types.NewEnvelope(types.EventJoinRoom, "req-1", types.JoinRoomRequest{Room: "Teachers"}))
	e := decodeError(t, recv(t, conn))
	assert.Equal(t, types.CodeForbidden, e.Code)

	send(t, conn, types.NewEnvelope(types.EventJoinRoom, "req-2", types.JoinRoomRequest{Room: "8C"}))
	e = decodeError(t, recv(t, conn))
	assert.Equal(t, types.CodeRoomNotFound, e.Code)
}

func TestHandler_JoinSwitchesRoom(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, teacher1)

	join(t, conn, "Teachers", "req-1")
	join(t, conn, "7A", "req-2")

	n, err := f.hub.Members("Teachers")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.hub.Members("7A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Send path: the sender gets exactly one copy (the ack) and never its own
// broadcast echo; peers in the room get exactly one message_received.
func TestHandler_SendAckWithoutEcho(t *testing.T) {
	f := newFixture(t)
	sender := f.dial(t, student1)
	peer := f.dial(t, student2)

	join(t, sender, "7A", "j1")
	join(t, peer, "7A", "j2")

	send(t, sender, types.NewEnvelope(types.EventSendMessage, "req-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "hello class",
	}))

	env := recv(t, sender)
	require.Equal(t, types.EventAck, env.Type)
	require.Equal(t, "req-1", env.ID)
	var ack types.SendMessageAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.NotEmpty(t, ack.Message.ID)
	assert.Equal(t, "hello class", ack.Message.Content)
	assert.Equal(t, "s1", ack.Message.AuthorID)

	env = recv(t, peer)
	require.Equal(t, types.EventMessageReceived, env.Type)
	var ev types.MessageEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, ack.Message.ID, ev.Message.ID)

	// No echo back to the sender.
	expectSilence(t, sender)

	// The message is durable.
	stored, err := f.store.Get(context.Background(), ack.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello class", stored.Content)
}

func TestHandler_SendRequiresJoin(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, student1)

	send(t, conn, types.NewEnvelope(types.EventSendMessage, "req-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "hello",
	}))
	e := decodeError(t, recv(t, conn))
	assert.Equal(t, types.CodeValidation, e.Code)
}

func TestHandler_SendValidationError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, student1)
	join(t, conn, "7A", "j1")

	send(t, conn, types.NewEnvelope(types.EventSendMessage, "req-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "   ",
	}))
	e := decodeError(t, recv(t, conn))
	assert.Equal(t, types.CodeValidation, e.Code)
}

// Disable flow: the admin toggles, members get room_status_update, and a
// send into the disabled room is rejected with RoomDisabled.
func TestHandler_DisableRoomBlocksSends(t *testing.T) {
	f := newFixture(t)
	studentConn := f.dial(t, student1)
	adminConn := f.dial(t, admin1)

	join(t, studentConn, "7A", "j1")
	join(t, adminConn, "7A", "j2")

	send(t, adminConn, types.NewEnvelope(types.EventToggleRoomStatus, "req-1", types.ToggleRoomStatusRequest{Room: "7A"}))

	// The admin gets its ack plus the status broadcast, in either order.
	adminFrames := recvSet(t, adminConn, 2)
	ackEnv, ok := adminFrames[types.EventAck]
	require.True(t, ok)
	var ack types.ToggleRoomStatusAck
	require.NoError(t, json.Unmarshal(ackEnv.Data, &ack))
	assert.True(t, ack.Disabled)

	// Everyone in the room hears the status change.
	env := recv(t, studentConn)
	require.Equal(t, types.EventRoomStatusUpdate, env.Type)
	var update types.RoomStatusUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.True(t, update.Disabled)

	send(t, studentConn, types.NewEnvelope(types.EventSendMessage, "req-2", types.SendMessageRequest{
		Room:    "7A",
		Content: "anyone there?",
	}))
	errEnv := recv(t, studentConn)
	e := decodeError(t, errEnv)
	assert.Equal(t, types.CodeRoomDisabled, e.Code)
	assert.Equal(t, "req-2", errEnv.ID)
}

func TestHandler_ToggleForbiddenForTeacher(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, teacher1)
	join(t, conn, "7A", "j1")

	send(t, conn, types.NewEnvelope(types.EventToggleRoomStatus, "req-1", types.ToggleRoomStatusRequest{Room: "7A"}))
	e := decodeError(t, recv(t, conn))
	assert.Equal(t, types.CodeForbidden, e.Code)
}

func TestHandler_PinAndDelete(t *testing.T) {
	f := newFixture(t)
	studentConn := f.dial(t, student1)
	teacherConn := f.dial(t, teacher1)

	join(t, studentConn, "7A", "j1")
	join(t, teacherConn, "7A", "j2")

	// Student posts; teacher sees it.
	send(t, studentConn, types.NewEnvelope(types.EventSendMessage, "req-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "pin me",
	}))
	env := recv(t, studentConn)
	require.Equal(t, types.EventAck, env.Type)
	var sendAck types.SendMessageAck
	require.NoError(t, json.Unmarshal(env.Data, &sendAck))
	msgID := sendAck.Message.ID
	require.Equal(t, types.EventMessageReceived, recv(t, teacherConn).Type)

	// Teacher pins the student message; the ack and the room broadcast both
	// land on the actor's connection.
	send(t, teacherConn, types.NewEnvelope(types.EventPinMessage, "req-2", types.MessageRef{MessageID: msgID}))
	teacherFrames := recvSet(t, teacherConn, 2)
	ackEnv, ok := teacherFrames[types.EventAck]
	require.True(t, ok)
	var pinAck types.MessageEvent
	require.NoError(t, json.Unmarshal(ackEnv.Data, &pinAck))
	assert.True(t, pinAck.Message.Pinned)
	_, ok = teacherFrames[types.EventMessagePinned]
	require.True(t, ok)

	// The pin event reaches the whole room, the student included.
	env = recv(t, studentConn)
	require.Equal(t, types.EventMessagePinned, env.Type)

	// Delete is fire-and-forget: no ack, only the broadcast.
	send(t, teacherConn, types.NewEnvelope(types.EventDeleteMessage, "req-3", types.MessageRef{MessageID: msgID}))
	env = recv(t, teacherConn)
	require.Equal(t, types.EventMessageDeleted, env.Type)
	var deleted types.MessageDeleted
	require.NoError(t, json.Unmarshal(env.Data, &deleted))
	assert.Equal(t, msgID, deleted.MessageID)

	require.Equal(t, types.EventMessageDeleted, recv(t, studentConn).Type)

	_, err := f.store.Get(context.Background(), msgID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestHandler_StudentCannotModerate(t *testing.T) {
	f := newFixture(t)
	studentConn := f.dial(t, student1)
	teacherConn := f.dial(t, teacher1)

	join(t, teacherConn, "7A", "j1")
	join(t, studentConn, "7A", "j2")

	send(t, teacherConn, types.NewEnvelope(types.EventSendMessage, "req-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "teacher note",
	}))
	env := recv(t, teacherConn)
	var sendAck types.SendMessageAck
	require.NoError(t, json.Unmarshal(env.Data, &sendAck))
	require.Equal(t, types.EventMessageReceived, recv(t, studentConn).Type)

	send(t, studentConn, types.NewEnvelope(types.EventDeleteMessage, "req-2", types.MessageRef{MessageID: sendAck.Message.ID}))
	e := decodeError(t, recv(t, studentConn))
	assert.Equal(t, types.CodeForbidden, e.Code)

	// Pinning is equally out of reach.
	send(t, studentConn, types.NewEnvelope(types.EventPinMessage, "req-3", types.MessageRef{MessageID: sendAck.Message.ID}))
	e = decodeError(t, recv(t, studentConn))
	assert.Equal(t, types.CodeForbidden, e.Code)
}

func TestHandler_UnknownEventType(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, student1)

	send(t, conn, types.Envelope{Type: "dance", ID: "req-1"})
	e := decodeError(t, recv(t, conn))
	assert.Equal(t, types.CodeValidation, e.Code)
}

func TestHandler_SecondConnectionReplacesFirst(t *testing.T) {
	f := newFixture(t)
	first := f.dial(t, student1)
	join(t, first, "7A", "j1")

	second := f.dial(t, student1)
	join(t, second, "7A", "j2")

	// The first connection is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool { return f.sessions.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The survivor still works.
	send(t, second, types.NewEnvelope(types.EventSendMessage, "req-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "still here",
	}))
	env := recv(t, second)
	assert.Equal(t, types.EventAck, env.Type)
}

func TestHandler_DisconnectLeavesRoom(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, student1)
	join(t, conn, "7A", "j1")
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		n, err := f.hub.Members("7A")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.sessions.Count())
}
