package room

import (
	"math"
	"sync"

	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/protocol"
)

// Sender is the outbound half of a session. The user's reference to it is
// weak: the session is owned by its socket and may die at any time, at which
// point Send degrades to a no-op.
type Sender interface {
	Enqueue(cmd protocol.ServerCommand)
}

// User is an identity-keyed presence record. At most one User exists per
// user id process-wide; reconnects swap the session reference in place.
type User struct {
	ID       model.UserID
	Name     string
	Language string

	mu       sync.Mutex
	session  Sender
	room     *Room
	monitor  bool
	gameTime float32
	epoch    uint64
}

// NewUser creates a User from identity-service info.
func NewUser(info model.UserInfo) *User {
	return &User{
		ID:       info.ID,
		Name:     info.Name,
		Language: info.Language,
		gameTime: float32(math.Inf(-1)),
	}
}

// Info returns the client-visible identity of the user.
func (u *User) Info() model.UserInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return model.UserInfo{ID: u.ID, Name: u.Name, Monitor: u.monitor}
}

// Send enqueues a command on the user's current session, if any.
func (u *User) Send(cmd protocol.ServerCommand) {
	u.mu.Lock()
	s := u.session
	u.mu.Unlock()
	if s != nil {
		s.Enqueue(cmd)
	}
}

// SetSession installs a new session and advances the dangle epoch,
// invalidating any pending eviction timer.
func (u *User) SetSession(s Sender) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.session = s
	u.epoch++
}

// SessionIs reports whether the user's current session is exactly s. The
// lost-connection drain uses this to avoid cancelling a reconnect that has
// already replaced the dead session.
func (u *User) SessionIs(s Sender) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session == s
}

// BeginDangle drops the session reference and returns a fresh epoch token.
// The eviction timer captures the token; it acts only if the user's epoch
// is still equal to it when the grace period expires.
func (u *User) BeginDangle() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.session = nil
	u.epoch++
	return u.epoch
}

// EpochIs reports whether the user's dangle epoch still equals e.
func (u *User) EpochIs(e uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.epoch == e
}

// Room returns the room the user is currently in, or nil.
func (u *User) Room() *Room {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.room
}

func (u *User) setRoom(r *Room) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.room = r
}

// Monitor reports whether the user joined their room as a monitor.
func (u *User) Monitor() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.monitor
}

func (u *User) setMonitor(m bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.monitor = m
}

// SetGameTime records the latest gameplay timestamp seen from the user.
func (u *User) SetGameTime(t float32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gameTime = t
}

// GameTime returns the latest gameplay timestamp, or -Inf outside a game.
func (u *User) GameTime() float32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gameTime
}

func (u *User) resetGameTime() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gameTime = float32(math.Inf(-1))
}
