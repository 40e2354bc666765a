package protocol

import (
	"fmt"

	"github.com/mcoot/rhythmsync/internal/model"
)

// Server command tags.
const (
	tagServerPong uint8 = iota
	tagServerAuthenticateResponse
	tagServerChatResponse
	tagServerTouches
	tagServerJudges
	tagServerMessage
	tagServerChangeState
	tagServerChangeHost
	tagServerCreateRoomResponse
	tagServerJoinRoomResponse
	tagServerOnJoinRoom
	tagServerLeaveRoomResponse
	tagServerLockRoomResponse
	tagServerCycleRoomResponse
	tagServerSelectChartResponse
	tagServerRequestStartResponse
	tagServerReadyResponse
	tagServerCancelReadyResponse
	tagServerPlayedResponse
	tagServerAbortResponse
)

// Result is the common success/error shape of response commands. A zero
// Result is success; a non-empty Err is a failure with that message.
type Result struct {
	Err string
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Err == ""
}

// Failure builds a failed Result with the given message.
func Failure(msg string) Result {
	return Result{Err: msg}
}

func writeResult(w *Writer, r Result) {
	w.WriteBool(r.Err == "")
	if r.Err != "" {
		w.WriteString(r.Err)
	}
}

func readResult(r *Reader) (Result, error) {
	ok, err := r.ReadBool()
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{}, nil
	}
	msg, err := r.ReadString()
	if err != nil {
		return Result{}, err
	}
	if msg == "" {
		msg = "unknown error"
	}
	return Result{Err: msg}, nil
}

// ServerCommand is a command sent by the server. It is a closed union over
// the Server* types in this package.
type ServerCommand interface {
	isServerCommand()
}

type ServerPong struct{}

// ServerAuthenticateResponse carries the user info and an optional room
// snapshot on success, or an error message on failure.
type ServerAuthenticateResponse struct {
	Result
	User model.UserInfo
	Room *ClientRoomState
}

type ServerChatResponse struct{ Result }

type ServerTouches struct {
	Player int32
	Frames []TouchFrame
}

type ServerJudges struct {
	Player int32
	Judges []JudgeEvent
}

type ServerMessage struct {
	Message Message
}

type ServerChangeState struct {
	State RoomStateData
}

type ServerChangeHost struct {
	IsHost bool
}

type ServerCreateRoomResponse struct{ Result }

// ServerJoinRoomResponse carries the room state, member list and live flag
// on success, or an error message on failure.
type ServerJoinRoomResponse struct {
	Result
	State RoomStateData
	Users []model.UserInfo
	Live  bool
}

type ServerOnJoinRoom struct {
	User model.UserInfo
}

type ServerLeaveRoomResponse struct{ Result }
type ServerLockRoomResponse struct{ Result }
type ServerCycleRoomResponse struct{ Result }
type ServerSelectChartResponse struct{ Result }
type ServerRequestStartResponse struct{ Result }
type ServerReadyResponse struct{ Result }
type ServerCancelReadyResponse struct{ Result }
type ServerPlayedResponse struct{ Result }
type ServerAbortResponse struct{ Result }

func (ServerPong) isServerCommand()                 {}
func (ServerAuthenticateResponse) isServerCommand() {}
func (ServerChatResponse) isServerCommand()         {}
func (ServerTouches) isServerCommand()              {}
func (ServerJudges) isServerCommand()               {}
func (ServerMessage) isServerCommand()              {}
func (ServerChangeState) isServerCommand()          {}
func (ServerChangeHost) isServerCommand()           {}
func (ServerCreateRoomResponse) isServerCommand()   {}
func (ServerJoinRoomResponse) isServerCommand()     {}
func (ServerOnJoinRoom) isServerCommand()           {}
func (ServerLeaveRoomResponse) isServerCommand()    {}
func (ServerLockRoomResponse) isServerCommand()     {}
func (ServerCycleRoomResponse) isServerCommand()    {}
func (ServerSelectChartResponse) isServerCommand()  {}
func (ServerRequestStartResponse) isServerCommand() {}
func (ServerReadyResponse) isServerCommand()        {}
func (ServerCancelReadyResponse) isServerCommand()  {}
func (ServerPlayedResponse) isServerCommand()       {}
func (ServerAbortResponse) isServerCommand()        {}

// EncodeServerCommand appends the tagged encoding of cmd to w.
func EncodeServerCommand(w *Writer, cmd ServerCommand) error {
	switch c := cmd.(type) {
	case ServerPong:
		w.WriteU8(tagServerPong)
	case ServerAuthenticateResponse:
		w.WriteU8(tagServerAuthenticateResponse)
		writeResult(w, c.Result)
		if c.OK() {
			writeUserInfo(w, c.User)
			writeOption(w, c.Room, writeClientRoomState)
		}
	case ServerChatResponse:
		w.WriteU8(tagServerChatResponse)
		writeResult(w, c.Result)
	case ServerTouches:
		w.WriteU8(tagServerTouches)
		w.WriteI32(c.Player)
		writeSeq(w, c.Frames, writeTouchFrame)
	case ServerJudges:
		w.WriteU8(tagServerJudges)
		w.WriteI32(c.Player)
		writeSeq(w, c.Judges, writeJudgeEvent)
	case ServerMessage:
		w.WriteU8(tagServerMessage)
		if err := writeMessage(w, c.Message); err != nil {
			return err
		}
	case ServerChangeState:
		w.WriteU8(tagServerChangeState)
		writeRoomStateData(w, c.State)
	case ServerChangeHost:
		w.WriteU8(tagServerChangeHost)
		w.WriteBool(c.IsHost)
	case ServerCreateRoomResponse:
		w.WriteU8(tagServerCreateRoomResponse)
		writeResult(w, c.Result)
	case ServerJoinRoomResponse:
		w.WriteU8(tagServerJoinRoomResponse)
		writeResult(w, c.Result)
		if c.OK() {
			writeRoomStateData(w, c.State)
			writeSeq(w, c.Users, writeUserInfo)
			w.WriteBool(c.Live)
		}
	case ServerOnJoinRoom:
		w.WriteU8(tagServerOnJoinRoom)
		writeUserInfo(w, c.User)
	case ServerLeaveRoomResponse:
		w.WriteU8(tagServerLeaveRoomResponse)
		writeResult(w, c.Result)
	case ServerLockRoomResponse:
		w.WriteU8(tagServerLockRoomResponse)
		writeResult(w, c.Result)
	case ServerCycleRoomResponse:
		w.WriteU8(tagServerCycleRoomResponse)
		writeResult(w, c.Result)
	case ServerSelectChartResponse:
		w.WriteU8(tagServerSelectChartResponse)
		writeResult(w, c.Result)
	case ServerRequestStartResponse:
		w.WriteU8(tagServerRequestStartResponse)
		writeResult(w, c.Result)
	case ServerReadyResponse:
		w.WriteU8(tagServerReadyResponse)
		writeResult(w, c.Result)
	case ServerCancelReadyResponse:
		w.WriteU8(tagServerCancelReadyResponse)
		writeResult(w, c.Result)
	case ServerPlayedResponse:
		w.WriteU8(tagServerPlayedResponse)
		writeResult(w, c.Result)
	case ServerAbortResponse:
		w.WriteU8(tagServerAbortResponse)
		writeResult(w, c.Result)
	default:
		return fmt.Errorf("encode server command: unknown type %T", cmd)
	}
	return nil
}

// DecodeServerCommand decodes one tagged server command from r.
func DecodeServerCommand(r *Reader) (ServerCommand, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagServerPong:
		return ServerPong{}, nil
	case tagServerAuthenticateResponse:
		var c ServerAuthenticateResponse
		if c.Result, err = readResult(r); err != nil {
			return nil, err
		}
		if c.OK() {
			if c.User, err = readUserInfo(r); err != nil {
				return nil, err
			}
			if c.Room, err = readOption(r, readClientRoomState); err != nil {
				return nil, err
			}
		}
		return c, nil
	case tagServerChatResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerChatResponse{Result: res}, nil
	case tagServerTouches:
		var c ServerTouches
		if c.Player, err = r.ReadI32(); err != nil {
			return nil, err
		}
		if c.Frames, err = readSeq(r, readTouchFrame); err != nil {
			return nil, err
		}
		return c, nil
	case tagServerJudges:
		var c ServerJudges
		if c.Player, err = r.ReadI32(); err != nil {
			return nil, err
		}
		if c.Judges, err = readSeq(r, readJudgeEvent); err != nil {
			return nil, err
		}
		return c, nil
	case tagServerMessage:
		msg, err := readMessage(r)
		if err != nil {
			return nil, err
		}
		return ServerMessage{Message: msg}, nil
	case tagServerChangeState:
		state, err := readRoomStateData(r)
		if err != nil {
			return nil, err
		}
		return ServerChangeState{State: state}, nil
	case tagServerChangeHost:
		isHost, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return ServerChangeHost{IsHost: isHost}, nil
	case tagServerCreateRoomResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerCreateRoomResponse{Result: res}, nil
	case tagServerJoinRoomResponse:
		var c ServerJoinRoomResponse
		if c.Result, err = readResult(r); err != nil {
			return nil, err
		}
		if c.OK() {
			if c.State, err = readRoomStateData(r); err != nil {
				return nil, err
			}
			if c.Users, err = readSeq(r, readUserInfo); err != nil {
				return nil, err
			}
			if c.Live, err = r.ReadBool(); err != nil {
				return nil, err
			}
		}
		return c, nil
	case tagServerOnJoinRoom:
		user, err := readUserInfo(r)
		if err != nil {
			return nil, err
		}
		return ServerOnJoinRoom{User: user}, nil
	case tagServerLeaveRoomResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerLeaveRoomResponse{Result: res}, nil
	case tagServerLockRoomResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerLockRoomResponse{Result: res}, nil
	case tagServerCycleRoomResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerCycleRoomResponse{Result: res}, nil
	case tagServerSelectChartResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerSelectChartResponse{Result: res}, nil
	case tagServerRequestStartResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerRequestStartResponse{Result: res}, nil
	case tagServerReadyResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerReadyResponse{Result: res}, nil
	case tagServerCancelReadyResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerCancelReadyResponse{Result: res}, nil
	case tagServerPlayedResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerPlayedResponse{Result: res}, nil
	case tagServerAbortResponse:
		res, err := readResult(r)
		if err != nil {
			return nil, err
		}
		return ServerAbortResponse{Result: res}, nil
	default:
		return nil, fmt.Errorf("%w: server tag %d", ErrBadTag, tag)
	}
}
