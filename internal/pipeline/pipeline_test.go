package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/store"
	"schoolchat/pkg/types"
)

type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*types.Message
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]*types.Message)}
}

func (f *fakeStore) Save(_ context.Context, msg *types.Message) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := *msg
	f.messages[msg.ID] = &m
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, store.ErrMessageNotFound
	}
	m := *msg
	return &m, nil
}

func (f *fakeStore) SetPinned(_ context.Context, id string, pinned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return store.ErrMessageNotFound
	}
	msg.Pinned = pinned
	return nil
}

func (f *fakeStore) MarkDeleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[id]; !ok {
		return store.ErrMessageNotFound
	}
	delete(f.messages, id)
	return nil
}

type broadcastRecord struct {
	room    string
	env     types.Envelope
	exclude string
}

type fakeHub struct {
	mu         sync.Mutex
	broadcasts []broadcastRecord
	disabled   map[string]bool
	unknown    map[string]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{disabled: make(map[string]bool), unknown: make(map[string]bool)}
}

func (f *fakeHub) Broadcast(roomID string, env types.Envelope, excludeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastRecord{room: roomID, env: env, exclude: excludeID})
	return nil
}

func (f *fakeHub) Disabled(roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[roomID] {
		return false, types.ErrRoomNotFound
	}
	return f.disabled[roomID], nil
}

func (f *fakeHub) Toggle(roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[roomID] {
		return false, types.ErrRoomNotFound
	}
	f.disabled[roomID] = !f.disabled[roomID]
	return f.disabled[roomID], nil
}

func (f *fakeHub) lastBroadcast() (broadcastRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return broadcastRecord{}, false
	}
	return f.broadcasts[len(f.broadcasts)-1], true
}

var (
	student = types.Identity{ID: "s1", DisplayName: "Ana", Role: types.RoleStudent, Class: "7A"}
	teacher = types.Identity{ID: "t1", DisplayName: "Mr. K", Role: types.RoleTeacher}
	admin   = types.Identity{ID: "a1", DisplayName: "Head", Role: types.RoleAdmin}
)

func newTestPipeline(st *fakeStore, h *fakeHub) *Pipeline {
	return New(st, h, NewRateLimiter(100, time.Minute), zerolog.Nop())
}

func TestPipeline_Send(t *testing.T) {
	st := newFakeStore()
	h := newFakeHub()
	p := newTestPipeline(st, h)

	msg, err := p.Send(context.Background(), student, "sess-1", types.SendMessageRequest{
		Room:    "7A",
		Content: "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "7A", msg.Room)
	assert.Equal(t, "s1", msg.AuthorID)
	assert.Equal(t, types.RoleStudent, msg.AuthorRole)
	assert.Equal(t, types.MessageKindText, msg.Kind)
	assert.False(t, msg.CreatedAt.IsZero())

	// Persisted before fan-out.
	stored, err := st.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)

	// Broadcast excludes the originating session.
	last, ok := h.lastBroadcast()
	require.True(t, ok)
	assert.Equal(t, types.EventMessageReceived, last.env.Type)
	assert.Equal(t, "sess-1", last.exclude)
}

func TestPipeline_SendValidation(t *testing.T) {
	p := newTestPipeline(newFakeStore(), newFakeHub())

	_, err := p.Send(context.Background(), student, "s", types.SendMessageRequest{Room: "7A", Content: "  "})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = p.Send(context.Background(), student, "s", types.SendMessageRequest{
		Room:    "7A",
		Content: strings.Repeat("x", types.MaxContentLength+1),
	})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPipeline_SendUnknownRoom(t *testing.T) {
	h := newFakeHub()
	h.unknown["8C"] = true
	p := newTestPipeline(newFakeStore(), h)

	_, err := p.Send(context.Background(), student, "s", types.SendMessageRequest{Room: "8C", Content: "hi"})
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestPipeline_SendDisabledRoomBlocksEveryRole(t *testing.T) {
	h := newFakeHub()
	h.disabled["7A"] = true
	st := newFakeStore()
	p := newTestPipeline(st, h)

	for _, who := range []types.Identity{student, teacher, admin} {
		_, err := p.Send(context.Background(), who, "s", types.SendMessageRequest{Room: "7A", Content: "hi"})
		assert.ErrorIs(t, err, types.ErrRoomDisabled, string(who.Role))
	}
	assert.Empty(t, st.messages)
}

func TestPipeline_SendRateLimited(t *testing.T) {
	p := New(newFakeStore(), newFakeHub(), NewRateLimiter(2, time.Minute), zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := p.Send(context.Background(), student, "s", types.SendMessageRequest{Room: "7A", Content: "hi"})
		require.NoError(t, err)
	}
	_, err := p.Send(context.Background(), student, "s", types.SendMessageRequest{Room: "7A", Content: "hi"})
	assert.ErrorIs(t, err, types.ErrRateLimited)

	// Other authors are unaffected.
	_, err = p.Send(context.Background(), teacher, "s2", types.SendMessageRequest{Room: "7A", Content: "hi"})
	assert.NoError(t, err)
}

func seedMessage(t *testing.T, st *fakeStore, author types.Identity) *types.Message {
	t.Helper()
	msg := &types.Message{
		ID:         "m-" + author.ID,
		Room:       "7A",
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		AuthorRole: author.Role,
		Content:    "seed",
		Kind:       types.MessageKindText,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, st.Save(context.Background(), msg))
	return msg
}

func TestPipeline_ModerationMatrix(t *testing.T) {
	cases := []struct {
		name    string
		actor   types.Identity
		author  types.Identity
		allowed bool
	}{
		{"admin moderates student", admin, student, true},
		{"admin moderates teacher", admin, teacher, true},
		{"admin moderates admin", admin, admin, true},
		{"teacher moderates student", teacher, student, true},
		{"teacher moderates teacher", teacher, teacher, false},
		{"teacher moderates admin", teacher, admin, false},
		{"student moderates student", student, student, false},
		{"student moderates teacher", student, teacher, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			h := newFakeHub()
			p := newTestPipeline(st, h)
			msg := seedMessage(t, st, tc.author)

			pinned, err := p.Pin(context.Background(), tc.actor, msg.ID)
			if tc.allowed {
				require.NoError(t, err)
				assert.True(t, pinned.Pinned)
			} else {
				assert.ErrorIs(t, err, types.ErrForbidden)
			}
		})
	}
}

func TestPipeline_PinUnpinBroadcastsWholeRoom(t *testing.T) {
	st := newFakeStore()
	h := newFakeHub()
	p := newTestPipeline(st, h)
	msg := seedMessage(t, st, student)

	pinned, err := p.Pin(context.Background(), teacher, msg.ID)
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)

	last, ok := h.lastBroadcast()
	require.True(t, ok)
	assert.Equal(t, types.EventMessagePinned, last.env.Type)
	// Moderation events reach the actor too.
	assert.Empty(t, last.exclude)

	unpinned, err := p.Unpin(context.Background(), teacher, msg.ID)
	require.NoError(t, err)
	assert.False(t, unpinned.Pinned)

	last, _ = h.lastBroadcast()
	assert.Equal(t, types.EventMessageUnpinned, last.env.Type)
}

func TestPipeline_Delete(t *testing.T) {
	st := newFakeStore()
	h := newFakeHub()
	p := newTestPipeline(st, h)
	msg := seedMessage(t, st, student)

	require.NoError(t, p.Delete(context.Background(), teacher, msg.ID))

	_, err := st.Get(context.Background(), msg.ID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)

	last, ok := h.lastBroadcast()
	require.True(t, ok)
	assert.Equal(t, types.EventMessageDeleted, last.env.Type)
}

func TestPipeline_ModerateUnknownMessage(t *testing.T) {
	p := newTestPipeline(newFakeStore(), newFakeHub())

	_, err := p.Pin(context.Background(), admin, "missing")
	assert.ErrorIs(t, err, types.ErrValidation)

	err = p.Delete(context.Background(), admin, "missing")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPipeline_ToggleStatusAdminOnly(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(newFakeStore(), h)

	_, err := p.ToggleStatus(student, "7A")
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = p.ToggleStatus(teacher, "7A")
	assert.ErrorIs(t, err, types.ErrForbidden)

	disabled, err := p.ToggleStatus(admin, "7A")
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)

	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("s1"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	rl.Allow("s1")

	time.Sleep(10 * time.Millisecond)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.authors)
}
