package protocol

import (
	"errors"
	"fmt"

	"github.com/mcoot/rhythmsync/internal/model"
)

// Client command tags.
const (
	tagClientPing uint8 = iota
	tagClientAuthenticate
	tagClientChat
	tagClientTouches
	tagClientJudges
	tagClientCreateRoom
	tagClientJoinRoom
	tagClientLeaveRoom
	tagClientLockRoom
	tagClientCycleRoom
	tagClientSelectChart
	tagClientRequestStart
	tagClientReady
	tagClientCancelReady
	tagClientPlayed
	tagClientAbort
)

// Wire-level string bounds.
const (
	MaxTokenLength = 32
	MaxChatLength  = 200
)

// ErrBadTag is returned for command tags outside the assigned range.
var ErrBadTag = errors.New("unknown command tag")

// ClientCommand is a command sent by the client. It is a closed union over
// the Client* types in this package.
type ClientCommand interface {
	isClientCommand()
}

type ClientPing struct{}

type ClientAuthenticate struct {
	Token string
}

type ClientChat struct {
	Message string
}

type ClientTouches struct {
	Frames []TouchFrame
}

type ClientJudges struct {
	Judges []JudgeEvent
}

type ClientCreateRoom struct {
	ID model.RoomID
}

type ClientJoinRoom struct {
	ID      model.RoomID
	Monitor bool
}

type ClientLeaveRoom struct{}

type ClientLockRoom struct {
	Lock bool
}

type ClientCycleRoom struct {
	Cycle bool
}

type ClientSelectChart struct {
	ID int32
}

type ClientRequestStart struct{}

type ClientReady struct{}

type ClientCancelReady struct{}

type ClientPlayed struct {
	RecordID int32
}

type ClientAbort struct{}

func (ClientPing) isClientCommand()         {}
func (ClientAuthenticate) isClientCommand() {}
func (ClientChat) isClientCommand()         {}
func (ClientTouches) isClientCommand()      {}
func (ClientJudges) isClientCommand()       {}
func (ClientCreateRoom) isClientCommand()   {}
func (ClientJoinRoom) isClientCommand()     {}
func (ClientLeaveRoom) isClientCommand()    {}
func (ClientLockRoom) isClientCommand()     {}
func (ClientCycleRoom) isClientCommand()    {}
func (ClientSelectChart) isClientCommand()  {}
func (ClientRequestStart) isClientCommand() {}
func (ClientReady) isClientCommand()        {}
func (ClientCancelReady) isClientCommand()  {}
func (ClientPlayed) isClientCommand()       {}
func (ClientAbort) isClientCommand()        {}

// EncodeClientCommand appends the tagged encoding of cmd to w.
func EncodeClientCommand(w *Writer, cmd ClientCommand) error {
	switch c := cmd.(type) {
	case ClientPing:
		w.WriteU8(tagClientPing)
	case ClientAuthenticate:
		w.WriteU8(tagClientAuthenticate)
		w.WriteString(c.Token)
	case ClientChat:
		w.WriteU8(tagClientChat)
		w.WriteString(c.Message)
	case ClientTouches:
		w.WriteU8(tagClientTouches)
		writeSeq(w, c.Frames, writeTouchFrame)
	case ClientJudges:
		w.WriteU8(tagClientJudges)
		writeSeq(w, c.Judges, writeJudgeEvent)
	case ClientCreateRoom:
		w.WriteU8(tagClientCreateRoom)
		w.WriteString(string(c.ID))
	case ClientJoinRoom:
		w.WriteU8(tagClientJoinRoom)
		w.WriteString(string(c.ID))
		w.WriteBool(c.Monitor)
	case ClientLeaveRoom:
		w.WriteU8(tagClientLeaveRoom)
	case ClientLockRoom:
		w.WriteU8(tagClientLockRoom)
		w.WriteBool(c.Lock)
	case ClientCycleRoom:
		w.WriteU8(tagClientCycleRoom)
		w.WriteBool(c.Cycle)
	case ClientSelectChart:
		w.WriteU8(tagClientSelectChart)
		w.WriteI32(c.ID)
	case ClientRequestStart:
		w.WriteU8(tagClientRequestStart)
	case ClientReady:
		w.WriteU8(tagClientReady)
	case ClientCancelReady:
		w.WriteU8(tagClientCancelReady)
	case ClientPlayed:
		w.WriteU8(tagClientPlayed)
		w.WriteI32(c.RecordID)
	case ClientAbort:
		w.WriteU8(tagClientAbort)
	default:
		return fmt.Errorf("encode client command: unknown type %T", cmd)
	}
	return nil
}

func readRoomID(r *Reader) (model.RoomID, error) {
	s, err := r.ReadVarchar(model.MaxRoomIDLength)
	if err != nil {
		return "", err
	}
	return model.ParseRoomID(s)
}

// DecodeClientCommand decodes one tagged client command from r.
func DecodeClientCommand(r *Reader) (ClientCommand, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagClientPing:
		return ClientPing{}, nil
	case tagClientAuthenticate:
		token, err := r.ReadVarchar(MaxTokenLength)
		if err != nil {
			return nil, err
		}
		return ClientAuthenticate{Token: token}, nil
	case tagClientChat:
		msg, err := r.ReadVarchar(MaxChatLength)
		if err != nil {
			return nil, err
		}
		return ClientChat{Message: msg}, nil
	case tagClientTouches:
		frames, err := readSeq(r, readTouchFrame)
		if err != nil {
			return nil, err
		}
		return ClientTouches{Frames: frames}, nil
	case tagClientJudges:
		judges, err := readSeq(r, readJudgeEvent)
		if err != nil {
			return nil, err
		}
		return ClientJudges{Judges: judges}, nil
	case tagClientCreateRoom:
		id, err := readRoomID(r)
		if err != nil {
			return nil, err
		}
		return ClientCreateRoom{ID: id}, nil
	case tagClientJoinRoom:
		id, err := readRoomID(r)
		if err != nil {
			return nil, err
		}
		monitor, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return ClientJoinRoom{ID: id, Monitor: monitor}, nil
	case tagClientLeaveRoom:
		return ClientLeaveRoom{}, nil
	case tagClientLockRoom:
		lock, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return ClientLockRoom{Lock: lock}, nil
	case tagClientCycleRoom:
		cycle, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return ClientCycleRoom{Cycle: cycle}, nil
	case tagClientSelectChart:
		id, err := r.ReadI32()
		if err != nil {
			return nil, err
		}
		return ClientSelectChart{ID: id}, nil
	case tagClientRequestStart:
		return ClientRequestStart{}, nil
	case tagClientReady:
		return ClientReady{}, nil
	case tagClientCancelReady:
		return ClientCancelReady{}, nil
	case tagClientPlayed:
		id, err := r.ReadI32()
		if err != nil {
			return nil, err
		}
		return ClientPlayed{RecordID: id}, nil
	case tagClientAbort:
		return ClientAbort{}, nil
	default:
		return nil, fmt.Errorf("%w: client tag %d", ErrBadTag, tag)
	}
}
