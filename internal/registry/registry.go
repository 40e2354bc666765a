// Package registry holds the server-wide concurrent maps of users and rooms.
// Live sessions are tracked by the server itself. Everything is in-process:
// rooms and users do not survive a server restart.
package registry

import (
	"sync"

	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/room"
)

// Registry is the set of global lookup tables.
type Registry struct {
	mu    sync.RWMutex
	users map[model.UserID]*room.User
	rooms map[model.RoomID]*room.Room
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		users: make(map[model.UserID]*room.User),
		rooms: make(map[model.RoomID]*room.Room),
	}
}

// User looks up a user by id.
func (r *Registry) User(id model.UserID) (*room.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// AddUser registers a user. An existing record for the same id is replaced;
// the caller is responsible for reusing existing records on reconnect.
func (r *Registry) AddUser(u *room.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

// RemoveUser drops a user from the registry.
func (r *Registry) RemoveUser(id model.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

// Room looks up a room by id.
func (r *Registry) Room(id model.RoomID) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	return rm, ok
}

// CreateRoom atomically claims a room id and constructs the room via build.
// It fails with ErrRoomExists when the id is taken.
func (r *Registry) CreateRoom(id model.RoomID, build func() *room.Room) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.rooms[id]; taken {
		return nil, model.ErrRoomExists
	}
	rm := build()
	r.rooms[id] = rm
	return rm, nil
}

// RemoveRoom drops a room from the registry.
func (r *Registry) RemoveRoom(id model.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id)
}

// Rooms returns a snapshot of all live rooms.
func (r *Registry) Rooms() []*room.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// UserCount returns the number of known users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
