// Package registry derives the room universe from configuration and maps
// identities onto the rooms they may join. Pure lookups, no I/O.
package registry

import (
	"fmt"

	"schoolchat/pkg/types"
)

// Registry holds the fixed room set: one staff room plus one room per
// configured class, in configuration order.
type Registry struct {
	staffRoom types.Room
	classes   []types.Room
	byID      map[string]types.Room
}

func New(staffRoom string, classes []string) *Registry {
	r := &Registry{
		staffRoom: types.Room{
			ID:          staffRoom,
			DisplayName: staffRoom,
			Kind:        types.RoomKindStaff,
		},
		byID: make(map[string]types.Room, len(classes)+1),
	}
	r.byID[staffRoom] = r.staffRoom
	for _, class := range classes {
		room := types.Room{
			ID:          class,
			DisplayName: "Class " + class,
			Kind:        types.RoomKindClass,
		}
		r.classes = append(r.classes, room)
		r.byID[class] = room
	}
	return r
}

// RoomsFor returns the rooms an identity may join, in stable order.
// Students get exactly their class room; staff get the staff room first,
// then every class room. Unknown roles get nothing.
func (r *Registry) RoomsFor(identity types.Identity) []types.Room {
	switch identity.Role {
	case types.RoleStudent:
		if room, ok := r.byID[identity.Class]; ok && room.Kind == types.RoomKindClass {
			return []types.Room{room}
		}
		return nil
	case types.RoleTeacher, types.RoleAdmin:
		rooms := make([]types.Room, 0, len(r.classes)+1)
		rooms = append(rooms, r.staffRoom)
		rooms = append(rooms, r.classes...)
		return rooms
	default:
		return nil
	}
}

// CanJoin reports whether the identity is entitled to the given room.
func (r *Registry) CanJoin(identity types.Identity, roomID string) bool {
	for _, room := range r.RoomsFor(identity) {
		if room.ID == roomID {
			return true
		}
	}
	return false
}

// Lookup resolves room metadata. An unknown id is a configuration or
// programming error, reported as RoomNotFound.
func (r *Registry) Lookup(roomID string) (types.Room, error) {
	room, ok := r.byID[roomID]
	if !ok {
		return types.Room{}, fmt.Errorf("%w: %s", types.ErrRoomNotFound, roomID)
	}
	return room, nil
}

// All returns every configured room: the staff room first, then classes.
func (r *Registry) All() []types.Room {
	rooms := make([]types.Room, 0, len(r.classes)+1)
	rooms = append(rooms, r.staffRoom)
	rooms = append(rooms, r.classes...)
	return rooms
}
