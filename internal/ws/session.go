package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolchat/pkg/types"
)

// Session is one authenticated realtime connection. It satisfies
// hub.Subscriber; the hub only ever sees the session id and Deliver.
type Session struct {
	id       string
	identity types.Identity
	conn     *Connection
	joinedAt time.Time

	mu         sync.RWMutex
	activeRoom string
}

func NewSession(identity types.Identity, conn *Connection) *Session {
	return &Session{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		joinedAt: time.Now(),
	}
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Identity() types.Identity  { return s.identity }
func (s *Session) Deliver(env types.Envelope) error { return s.conn.Send(env) }

// ActiveRoom returns the room the session is currently joined to, or "".
func (s *Session) ActiveRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoom
}

// SetActiveRoom records the joined room and returns the previous one.
func (s *Session) SetActiveRoom(room string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.activeRoom
	s.activeRoom = room
	return previous
}

// Close is the teardown entry point. Safe to call concurrently with
// in-flight operations: the connection context flips first, so a racing
// send fails with a transport error instead of corrupting state.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Registry tracks live sessions. One session per user: a reconnect
// replaces the previous session, which is closed asynchronously.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byUser: make(map[string]*Session),
	}
}

// Add registers a session, returning any session it replaced so the caller
// can close it off the lock.
func (r *Registry) Add(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID := s.Identity().ID
	replaced = r.byUser[userID]
	if replaced != nil {
		delete(r.byID, replaced.ID())
	}
	r.byID[s.ID()] = s
	r.byUser[userID] = s
	return replaced
}

// Remove is idempotent and only removes the exact session instance, so a
// stale connection's cleanup cannot evict its replacement.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byID[s.ID()]; !ok || current != s {
		return
	}
	delete(r.byID, s.ID())
	if current := r.byUser[s.Identity().ID]; current == s {
		delete(r.byUser, s.Identity().ID)
	}
}

// ByUser returns the live session for a user, if any.
func (r *Registry) ByUser(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// CloseUser force-terminates a user's session. This is the server-side
// hook the account-status side channel uses when an account is blocked.
func (r *Registry) CloseUser(userID string) bool {
	r.mu.RLock()
	s, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_ = s.Close()
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
