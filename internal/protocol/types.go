package protocol

import (
	"errors"
	"sort"

	"github.com/mcoot/rhythmsync/internal/model"
)

// TouchPoint is one finger position within a touch frame. Positions are
// carried as binary16 on the wire.
type TouchPoint struct {
	ID int8
	X  float32
	Y  float32
}

// TouchFrame is a timestamped set of touch points.
type TouchFrame struct {
	Time   float32
	Points []TouchPoint
}

// MaxJudgement is the largest valid judgement value.
const MaxJudgement = 5

// ErrBadJudgement is returned for judgement values outside 0..5.
var ErrBadJudgement = errors.New("judgement out of range")

// JudgeEvent is one note judgement.
type JudgeEvent struct {
	Time      float32
	LineID    uint32
	NoteID    uint32
	Judgement uint8
}

// RoomStage is the client-visible room state tag.
type RoomStage uint8

const (
	StageSelectChart RoomStage = iota
	StageWaitingForReady
	StagePlaying
)

// ErrBadStage is returned for unknown room stage tags.
var ErrBadStage = errors.New("unknown room stage")

// RoomStateData is the client-visible room state. Chart is only carried in
// the SelectChart stage.
type RoomStateData struct {
	Stage RoomStage
	Chart *int32
}

// ClientRoomState is the full room snapshot sent on authentication resume.
type ClientRoomState struct {
	RoomID  string
	State   RoomStateData
	Live    bool
	Locked  bool
	Cycle   bool
	IsHost  bool
	IsReady bool
	Users   map[int32]model.UserInfo
}

func writeTouchPoint(w *Writer, p TouchPoint) {
	w.WriteI8(p.ID)
	w.WriteF16(p.X)
	w.WriteF16(p.Y)
}

func readTouchPoint(r *Reader) (TouchPoint, error) {
	var p TouchPoint
	var err error
	if p.ID, err = r.ReadI8(); err != nil {
		return p, err
	}
	if p.X, err = r.ReadF16(); err != nil {
		return p, err
	}
	if p.Y, err = r.ReadF16(); err != nil {
		return p, err
	}
	return p, nil
}

func writeTouchFrame(w *Writer, f TouchFrame) {
	w.WriteF32(f.Time)
	writeSeq(w, f.Points, writeTouchPoint)
}

func readTouchFrame(r *Reader) (TouchFrame, error) {
	var f TouchFrame
	var err error
	if f.Time, err = r.ReadF32(); err != nil {
		return f, err
	}
	if f.Points, err = readSeq(r, readTouchPoint); err != nil {
		return f, err
	}
	return f, nil
}

func writeJudgeEvent(w *Writer, e JudgeEvent) {
	w.WriteF32(e.Time)
	w.WriteU32(e.LineID)
	w.WriteU32(e.NoteID)
	w.WriteU8(e.Judgement)
}

func readJudgeEvent(r *Reader) (JudgeEvent, error) {
	var e JudgeEvent
	var err error
	if e.Time, err = r.ReadF32(); err != nil {
		return e, err
	}
	if e.LineID, err = r.ReadU32(); err != nil {
		return e, err
	}
	if e.NoteID, err = r.ReadU32(); err != nil {
		return e, err
	}
	if e.Judgement, err = r.ReadU8(); err != nil {
		return e, err
	}
	if e.Judgement > MaxJudgement {
		return e, ErrBadJudgement
	}
	return e, nil
}

func writeUserInfo(w *Writer, u model.UserInfo) {
	w.WriteI32(u.ID)
	w.WriteString(u.Name)
	w.WriteBool(u.Monitor)
}

func readUserInfo(r *Reader) (model.UserInfo, error) {
	var u model.UserInfo
	var err error
	if u.ID, err = r.ReadI32(); err != nil {
		return u, err
	}
	if u.Name, err = r.ReadString(); err != nil {
		return u, err
	}
	if u.Monitor, err = r.ReadBool(); err != nil {
		return u, err
	}
	return u, nil
}

func writeRoomStateData(w *Writer, s RoomStateData) {
	w.WriteU8(uint8(s.Stage))
	if s.Stage == StageSelectChart {
		writeOption(w, s.Chart, func(w *Writer, id int32) { w.WriteI32(id) })
	}
}

func readRoomStateData(r *Reader) (RoomStateData, error) {
	var s RoomStateData
	tag, err := r.ReadU8()
	if err != nil {
		return s, err
	}
	if tag > uint8(StagePlaying) {
		return s, ErrBadStage
	}
	s.Stage = RoomStage(tag)
	if s.Stage == StageSelectChart {
		if s.Chart, err = readOption(r, (*Reader).ReadI32); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Users are written sorted by id so snapshots encode deterministically.
func writeClientRoomState(w *Writer, s ClientRoomState) {
	w.WriteString(s.RoomID)
	writeRoomStateData(w, s.State)
	w.WriteBool(s.Live)
	w.WriteBool(s.Locked)
	w.WriteBool(s.Cycle)
	w.WriteBool(s.IsHost)
	w.WriteBool(s.IsReady)
	ids := make([]int, 0, len(s.Users))
	for id := range s.Users {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	w.WriteUvarint(uint64(len(ids)))
	for _, id := range ids {
		w.WriteI32(int32(id))
		writeUserInfo(w, s.Users[int32(id)])
	}
}

func readClientRoomState(r *Reader) (ClientRoomState, error) {
	var s ClientRoomState
	var err error
	if s.RoomID, err = r.ReadVarchar(model.MaxRoomIDLength); err != nil {
		return s, err
	}
	if s.State, err = readRoomStateData(r); err != nil {
		return s, err
	}
	if s.Live, err = r.ReadBool(); err != nil {
		return s, err
	}
	if s.Locked, err = r.ReadBool(); err != nil {
		return s, err
	}
	if s.Cycle, err = r.ReadBool(); err != nil {
		return s, err
	}
	if s.IsHost, err = r.ReadBool(); err != nil {
		return s, err
	}
	if s.IsReady, err = r.ReadBool(); err != nil {
		return s, err
	}
	n, err := r.ReadUvarint()
	if err != nil {
		return s, err
	}
	if n > uint64(r.Remaining()) {
		return s, ErrBadSeqCount
	}
	s.Users = make(map[int32]model.UserInfo, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.ReadI32()
		if err != nil {
			return s, err
		}
		u, err := readUserInfo(r)
		if err != nil {
			return s, err
		}
		s.Users[id] = u
	}
	return s, nil
}
