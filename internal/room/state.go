package room

import (
	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/protocol"
)

// roomState is the internal state variant. Transitions construct a fresh
// value rather than mutating per-state data in place.
type roomState interface {
	stage() protocol.RoomStage
}

type stateSelectChart struct{}

// stateWaitingForReady tracks which members (players and monitors alike)
// have confirmed readiness.
type stateWaitingForReady struct {
	wait map[model.UserID]struct{}
}

// statePlaying tracks per-player outcomes. results and aborted are disjoint.
type statePlaying struct {
	results map[model.UserID]model.Record
	aborted map[model.UserID]struct{}
}

func (stateSelectChart) stage() protocol.RoomStage     { return protocol.StageSelectChart }
func (stateWaitingForReady) stage() protocol.RoomStage { return protocol.StageWaitingForReady }
func (statePlaying) stage() protocol.RoomStage         { return protocol.StagePlaying }

func newWaitingForReady(first model.UserID) *stateWaitingForReady {
	return &stateWaitingForReady{wait: map[model.UserID]struct{}{first: {}}}
}

func newPlaying() *statePlaying {
	return &statePlaying{
		results: make(map[model.UserID]model.Record),
		aborted: make(map[model.UserID]struct{}),
	}
}
