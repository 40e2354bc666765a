package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoot/rhythmsync/internal/dependencies/mocks"
	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/room"
	"github.com/mcoot/rhythmsync/internal/testutil"
)

func makeRoom(id model.RoomID) func() *room.Room {
	return func() *room.Room {
		host := room.NewUser(model.UserInfo{ID: 1, Name: "host"})
		return room.New(id, host, room.Options{
			MaxPlayers: 8,
			Random:     mocks.NewMockRandom(),
			Logger:     testutil.NopLogger(),
		})
	}
}

func TestUserLifecycle(t *testing.T) {
	r := New()
	_, ok := r.User(1)
	assert.False(t, ok)

	u := room.NewUser(model.UserInfo{ID: 1, Name: "a"})
	r.AddUser(u)
	got, ok := r.User(1)
	require.True(t, ok)
	assert.Same(t, u, got)
	assert.Equal(t, 1, r.UserCount())

	r.RemoveUser(1)
	_, ok = r.User(1)
	assert.False(t, ok)
}

func TestCreateRoomClaimsIDAtomically(t *testing.T) {
	r := New()

	rm, err := r.CreateRoom("ROOM1", makeRoom("ROOM1"))
	require.NoError(t, err)
	require.NotNil(t, rm)

	_, err = r.CreateRoom("ROOM1", makeRoom("ROOM1"))
	assert.ErrorIs(t, err, model.ErrRoomExists)

	got, ok := r.Room("ROOM1")
	require.True(t, ok)
	assert.Same(t, rm, got)
}

func TestConcurrentCreateRoomOnlyOneWins(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.CreateRoom("ROOM1", makeRoom("ROOM1"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, model.ErrRoomExists)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, r.Rooms(), 1)
}

func TestRemoveRoom(t *testing.T) {
	r := New()
	rm, err := r.CreateRoom("ROOM1", makeRoom("ROOM1"))
	require.NoError(t, err)

	r.RemoveRoom(rm.ID)
	_, ok := r.Room("ROOM1")
	assert.False(t, ok)
	assert.Empty(t, r.Rooms())
}
