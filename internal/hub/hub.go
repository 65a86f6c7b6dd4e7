// Package hub implements per-room fan-out. Every room runs its own actor
// goroutine owning the member set and the disabled flag, so broadcasts
// within a room are serialized (FIFO per subscriber) and rooms never block
// each other.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"schoolchat/pkg/types"
)

// Subscriber is a joined realtime session. Deliver must not block the
// caller; the ws layer satisfies this with a buffered send channel.
type Subscriber interface {
	ID() string
	Deliver(env types.Envelope) error
}

// Hub owns the fixed set of room actors. The room universe comes from the
// registry at construction; rooms are never added or removed at runtime.
type Hub struct {
	rooms   map[string]*room
	running bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

func New(rooms []types.Room, logger zerolog.Logger) *Hub {
	h := &Hub{
		rooms: make(map[string]*room, len(rooms)),
		log:   logger.With().Str("component", "hub").Logger(),
	}
	for _, r := range rooms {
		h.rooms[r.ID] = newRoom(r, h.log)
	}
	return h
}

// Start launches the room actors.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	for _, r := range h.rooms {
		go r.run(ctx)
	}
	h.log.Info().Int("rooms", len(h.rooms)).Msg("room hubs started")
	return nil
}

// Stop shuts down every room actor.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	for _, r := range h.rooms {
		r.stop()
	}
	return nil
}

func (h *Hub) room(roomID string) (*room, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil, ErrHubNotRunning
	}
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRoomNotFound, roomID)
	}
	return r, nil
}

// Join adds the subscriber to the room's member set. Idempotent: rejoining
// an already-joined room neither duplicates membership nor broadcasts.
func (h *Hub) Join(roomID string, sub Subscriber) error {
	r, err := h.room(roomID)
	if err != nil {
		return err
	}
	return r.join(sub)
}

// Leave removes the subscriber. Unknown members are ignored.
func (h *Hub) Leave(roomID, subID string) error {
	r, err := h.room(roomID)
	if err != nil {
		return err
	}
	return r.leave(subID)
}

// Broadcast delivers the envelope to every member of the room except
// excludeID (empty string excludes nobody).
func (h *Hub) Broadcast(roomID string, env types.Envelope, excludeID string) error {
	r, err := h.room(roomID)
	if err != nil {
		return err
	}
	return r.broadcast(env, excludeID)
}

// SetDisabled sets the room's disabled flag and, when the value changes,
// broadcasts a room_status_update to every member. Disabled rooms keep
// their members; only new sends are blocked.
func (h *Hub) SetDisabled(roomID string, disabled bool) error {
	r, err := h.room(roomID)
	if err != nil {
		return err
	}
	_, err = r.setDisabled(&disabled)
	return err
}

// Toggle flips the disabled flag and returns the new value. The flip and
// its status broadcast happen atomically inside the room actor.
func (h *Hub) Toggle(roomID string) (bool, error) {
	r, err := h.room(roomID)
	if err != nil {
		return false, err
	}
	return r.setDisabled(nil)
}

// Disabled reports the room's current disabled flag.
func (h *Hub) Disabled(roomID string) (bool, error) {
	r, err := h.room(roomID)
	if err != nil {
		return false, err
	}
	return r.disabled()
}

// Members reports the room's current member count.
func (h *Hub) Members(roomID string) (int, error) {
	r, err := h.room(roomID)
	if err != nil {
		return 0, err
	}
	return r.memberCount()
}

// Stats returns member counts per room for the health endpoint.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make(map[string]int, len(h.rooms))
	for id, r := range h.rooms {
		if n, err := r.memberCount(); err == nil {
			stats[id] = n
		}
	}
	return stats
}
