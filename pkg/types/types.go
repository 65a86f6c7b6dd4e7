package types

import (
	"time"
)

// Role is the closed set of portal roles. Authorization code switches
// exhaustively on it; anything else is treated as no access.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTeacher Role = "TEACHER"
	RoleAdmin   Role = "ADMIN"
)

// ParseRole maps a raw claim value onto the closed role set.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

// IsStaff reports whether the role grants access to the staff room.
func (r Role) IsStaff() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Identity is the authenticated portal user, immutable for the session
// lifetime. Class is set only for students.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Class       string `json:"class,omitempty"`
}

// RoomKind distinguishes class channels from the staff channel.
type RoomKind string

const (
	RoomKindClass RoomKind = "CLASS"
	RoomKindStaff RoomKind = "STAFF"
)

// Room is a named broadcast scope. The room set is derived from
// configuration; rooms are never created or destroyed at runtime.
// Disabled blocks new sends but not reads.
type Room struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Kind        RoomKind `json:"kind"`
	Disabled    bool     `json:"is_disabled"`
}

// MessageKind classifies message payloads. The server validates presence,
// not membership, so new kinds are wire-compatible.
type MessageKind string

const (
	MessageKindText MessageKind = "TEXT"
)

// Message is the server-persisted, canonical form of a sent message.
// ID is server-assigned and globally unique once persisted. Only the
// Pinned flag and the tombstone state change after creation.
type Message struct {
	ID         string      `json:"id"`
	Room       string      `json:"room"`
	AuthorID   string      `json:"author_id"`
	AuthorName string      `json:"author_name"`
	AuthorRole Role        `json:"author_role"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	CreatedAt  time.Time   `json:"created_at"`
	Pinned     bool        `json:"is_pinned"`
}

// PendingMessage is the client-side optimistic form of a submitted send.
// It lives from submit until the ack rewrites it to the canonical Message,
// or until the session ends. Never persisted.
type PendingMessage struct {
	TempID    string      `json:"temp_id"`
	Room      string      `json:"room"`
	AuthorID  string      `json:"author_id"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}
