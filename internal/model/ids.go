package model

import (
	"errors"

	"github.com/google/uuid"
)

// UserID is the player identifier assigned by the identity service.
type UserID = int32

// RoomID is a short human-chosen room identifier.
type RoomID string

// MaxRoomIDLength bounds room identifiers on the wire and in the registry.
const MaxRoomIDLength = 20

// ErrInvalidRoomID is returned when a room identifier fails validation.
var ErrInvalidRoomID = errors.New("room id must be 1-20 characters from [A-Za-z0-9_-]")

// ParseRoomID validates a raw string as a room identifier.
func ParseRoomID(s string) (RoomID, error) {
	if len(s) == 0 || len(s) > MaxRoomIDLength {
		return "", ErrInvalidRoomID
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return "", ErrInvalidRoomID
		}
	}
	return RoomID(s), nil
}

// SessionID uniquely identifies one TCP connection's session.
// It is opaque to clients.
type SessionID = uuid.UUID

// NewSessionID generates a fresh session identifier.
func NewSessionID() SessionID {
	return uuid.New()
}
