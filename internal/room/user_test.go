package room

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/protocol"
)

func TestSendDegradesToNoOpWithoutSession(t *testing.T) {
	u := NewUser(model.UserInfo{ID: 1, Name: "a"})
	// Must not panic.
	u.Send(protocol.ServerPong{})

	rec := &recorder{}
	u.SetSession(rec)
	u.Send(protocol.ServerPong{})
	assert.Len(t, rec.commands(), 1)

	u.BeginDangle()
	u.Send(protocol.ServerPong{})
	assert.Len(t, rec.commands(), 1)
}

func TestDangleEpochInvalidatedByReconnect(t *testing.T) {
	u := NewUser(model.UserInfo{ID: 1, Name: "a"})
	first := &recorder{}
	u.SetSession(first)

	epoch := u.BeginDangle()
	assert.True(t, u.EpochIs(epoch))

	// A reconnect installs a new session and advances the epoch, so the
	// pending timer's comparison must now fail.
	second := &recorder{}
	u.SetSession(second)
	assert.False(t, u.EpochIs(epoch))
	assert.True(t, u.SessionIs(second))
	assert.False(t, u.SessionIs(first))
}

func TestSecondDangleGetsFreshEpoch(t *testing.T) {
	u := NewUser(model.UserInfo{ID: 1, Name: "a"})
	e1 := u.BeginDangle()
	e2 := u.BeginDangle()
	assert.NotEqual(t, e1, e2)
	assert.False(t, u.EpochIs(e1))
	assert.True(t, u.EpochIs(e2))
}

func TestGameTimeStartsAtNegativeInfinity(t *testing.T) {
	u := NewUser(model.UserInfo{ID: 1, Name: "a"})
	assert.True(t, math.IsInf(float64(u.GameTime()), -1))

	u.SetGameTime(12.5)
	assert.Equal(t, float32(12.5), u.GameTime())

	u.resetGameTime()
	assert.True(t, math.IsInf(float64(u.GameTime()), -1))
}
