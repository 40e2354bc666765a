// Package session binds one connection to one (eventual) user: it gates
// everything behind authentication, watches the heartbeat, and dispatches
// decoded commands to room and server operations.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcoot/rhythmsync/internal/dependencies/clock"
	"github.com/mcoot/rhythmsync/internal/identity"
	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/protocol"
	"github.com/mcoot/rhythmsync/internal/room"
	"github.com/mcoot/rhythmsync/internal/transport"
)

// Hub is the server surface a session needs: registries, room construction
// and the lost-connection channel.
type Hub interface {
	User(id model.UserID) (*room.User, bool)
	AdoptUser(u *room.User)
	Room(id model.RoomID) (*room.Room, bool)
	CreateRoom(id model.RoomID, creator *room.User) (*room.Room, error)
	DestroyRoom(rm *room.Room, reason string)
	CanMonitor(id model.UserID) bool
	LostConnection(s *Session)
}

// Config holds the session timing knobs.
type Config struct {
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
}

// Session is the per-connection protocol driver.
type Session struct {
	ID model.SessionID

	conn     *transport.Conn
	hub      Hub
	identity *identity.Client
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	authenticated bool
	user          *room.User
}

// New creates a session for an accepted connection.
func New(conn *transport.Conn, hub Hub, idc *identity.Client, clk clock.Clock, cfg Config, logger *slog.Logger) *Session {
	id := model.NewSessionID()
	return &Session{
		ID:       id,
		conn:     conn,
		hub:      hub,
		identity: idc,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With(slog.String("session", id.String())),
	}
}

// Conn returns the session's connection. The lost-connection drain compares
// it against the user's current session reference.
func (s *Session) Conn() *transport.Conn {
	return s.conn
}

// User returns the authenticated user, or nil.
func (s *Session) User() *room.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Run drives the connection until it is lost, then reports to the hub. It
// blocks for the lifetime of the connection.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	go s.heartbeat()

	if err := s.conn.Run(s.ctx, s.handle); err != nil {
		s.logger.Info("connection lost", slog.String("error", err.Error()))
	}
	s.hub.LostConnection(s)
}

// Close tears the session down.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
}

// heartbeat polls once per interval and kills the session after prolonged
// silence. Clients ping at least every ~5s; Pong keeps their own health
// check happy but only inbound bytes keep the session alive.
func (s *Session) heartbeat() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.cfg.HeartbeatInterval):
			if s.clock.Now().Sub(s.conn.LastReceived()) > s.cfg.HeartbeatTimeout {
				s.logger.Info("heartbeat timeout")
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) respond(cmd protocol.ServerCommand) {
	s.conn.Enqueue(cmd)
}

func (s *Session) handle(cmd protocol.ClientCommand) {
	s.mu.Lock()
	authed := s.authenticated
	u := s.user
	s.mu.Unlock()

	if !authed {
		if auth, ok := cmd.(protocol.ClientAuthenticate); ok {
			s.handleAuthenticate(auth.Token)
			return
		}
		s.logger.Warn("command before authentication dropped")
		return
	}

	switch c := cmd.(type) {
	case protocol.ClientAuthenticate:
		s.respond(protocol.ServerAuthenticateResponse{Result: protocol.Failure("already authenticated")})
	case protocol.ClientChat:
		s.handleChat(u, c.Message)
	case protocol.ClientTouches:
		s.handleTouches(u, c.Frames)
	case protocol.ClientJudges:
		s.handleJudges(u, c.Judges)
	case protocol.ClientCreateRoom:
		s.handleCreateRoom(u, c.ID)
	case protocol.ClientJoinRoom:
		s.handleJoinRoom(u, c.ID, c.Monitor)
	case protocol.ClientLeaveRoom:
		s.handleLeaveRoom(u)
	case protocol.ClientLockRoom:
		s.handleLockRoom(u, c.Lock)
	case protocol.ClientCycleRoom:
		s.handleCycleRoom(u, c.Cycle)
	case protocol.ClientSelectChart:
		s.handleSelectChart(u, c.ID)
	case protocol.ClientRequestStart:
		s.handleRequestStart(u)
	case protocol.ClientReady:
		s.handleReady(u)
	case protocol.ClientCancelReady:
		s.handleCancelReady(u)
	case protocol.ClientPlayed:
		s.handlePlayed(u, c.RecordID)
	case protocol.ClientAbort:
		s.handleAbort(u)
	default:
		s.logger.Warn("unhandled command", slog.Any("command", cmd))
	}
}

func (s *Session) handleAuthenticate(token string) {
	if len(token) != protocol.MaxTokenLength {
		s.respond(protocol.ServerAuthenticateResponse{Result: protocol.Failure(model.ErrBadToken.Error())})
		return
	}

	info, err := s.identity.Me(s.ctx, token)
	if err != nil {
		s.logger.Warn("authentication failed", slog.String("error", err.Error()))
		s.respond(protocol.ServerAuthenticateResponse{Result: protocol.Failure("authentication failed")})
		return
	}

	var u *room.User
	if existing, ok := s.hub.User(info.ID); ok {
		// Reconnect: reuse the record and swap the session in, clearing
		// any pending dangle eviction.
		existing.SetSession(s.conn)
		u = existing
	} else {
		u = room.NewUser(info)
		u.SetSession(s.conn)
		s.hub.AdoptUser(u)
	}

	s.mu.Lock()
	s.authenticated = true
	s.user = u
	s.mu.Unlock()

	var snapshot *protocol.ClientRoomState
	if rm := u.Room(); rm != nil {
		st := rm.ClientState(u)
		snapshot = &st
	}

	s.logger.Info("authenticated",
		slog.Int("user", int(u.ID)),
		slog.String("name", u.Name))
	s.respond(protocol.ServerAuthenticateResponse{User: u.Info(), Room: snapshot})
}

func (s *Session) handleChat(u *room.User, message string) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerChatResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.Chat(u, message); err != nil {
		s.respond(protocol.ServerChatResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerChatResponse{})
}

// handleTouches is fire-and-forget: no response is ever sent.
func (s *Session) handleTouches(u *room.User, frames []protocol.TouchFrame) {
	rm := u.Room()
	if rm == nil || !rm.IsLive() {
		return
	}
	if len(frames) > 0 {
		u.SetGameTime(frames[len(frames)-1].Time)
	}
	rm.BroadcastMonitors(protocol.ServerTouches{Player: u.ID, Frames: frames})
}

// handleJudges is fire-and-forget: no response is ever sent.
func (s *Session) handleJudges(u *room.User, judges []protocol.JudgeEvent) {
	rm := u.Room()
	if rm == nil || !rm.IsLive() {
		return
	}
	rm.BroadcastMonitors(protocol.ServerJudges{Player: u.ID, Judges: judges})
}

func (s *Session) handleCreateRoom(u *room.User, id model.RoomID) {
	if u.Room() != nil {
		s.respond(protocol.ServerCreateRoomResponse{Result: protocol.Failure(model.ErrAlreadyInRoom.Error())})
		return
	}
	rm, err := s.hub.CreateRoom(id, u)
	if err != nil {
		s.respond(protocol.ServerCreateRoomResponse{Result: protocol.Failure(err.Error())})
		return
	}
	rm.SendMessage(protocol.MsgCreateRoom{User: u.ID})
	s.logger.Info("room created", slog.String("room", string(id)), slog.Int("user", int(u.ID)))
	s.respond(protocol.ServerCreateRoomResponse{})
}

func (s *Session) handleJoinRoom(u *room.User, id model.RoomID, monitor bool) {
	if u.Room() != nil {
		s.respond(protocol.ServerJoinRoomResponse{Result: protocol.Failure(model.ErrAlreadyInRoom.Error())})
		return
	}
	rm, ok := s.hub.Room(id)
	if !ok {
		s.respond(protocol.ServerJoinRoomResponse{Result: protocol.Failure(model.ErrRoomNotFound.Error())})
		return
	}
	if monitor && !s.hub.CanMonitor(u.ID) {
		s.respond(protocol.ServerJoinRoomResponse{Result: protocol.Failure(model.ErrCannotMonitor.Error())})
		return
	}
	resp, err := rm.Join(u, monitor)
	if err != nil {
		s.respond(protocol.ServerJoinRoomResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(resp)
}

func (s *Session) handleLeaveRoom(u *room.User) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerLeaveRoomResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if rm.Leave(u) {
		s.hub.DestroyRoom(rm, "last player left")
	}
	s.respond(protocol.ServerLeaveRoomResponse{})
}

func (s *Session) handleLockRoom(u *room.User, lock bool) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerLockRoomResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.SetLocked(u, lock); err != nil {
		s.respond(protocol.ServerLockRoomResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerLockRoomResponse{})
}

func (s *Session) handleCycleRoom(u *room.User, cycle bool) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerCycleRoomResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.SetCycle(u, cycle); err != nil {
		s.respond(protocol.ServerCycleRoomResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerCycleRoomResponse{})
}

func (s *Session) handleSelectChart(u *room.User, chartID int32) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerSelectChartResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if rm.Stage() != protocol.StageSelectChart {
		s.respond(protocol.ServerSelectChartResponse{Result: protocol.Failure(model.ErrInvalidState.Error())})
		return
	}
	// The chart lookup happens before the room lock is taken; the room
	// re-validates state under the lock.
	chart, err := s.identity.Chart(s.ctx, chartID)
	if err != nil {
		s.logger.Warn("chart lookup failed", slog.Int("chart", int(chartID)), slog.String("error", err.Error()))
		s.respond(protocol.ServerSelectChartResponse{Result: protocol.Failure(model.ErrChartNotFound.Error())})
		return
	}
	if err := rm.SelectChart(u, chart); err != nil {
		s.respond(protocol.ServerSelectChartResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerSelectChartResponse{})
}

func (s *Session) handleRequestStart(u *room.User) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerRequestStartResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.RequestStart(u); err != nil {
		s.respond(protocol.ServerRequestStartResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerRequestStartResponse{})
}

func (s *Session) handleReady(u *room.User) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerReadyResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.Ready(u); err != nil {
		s.respond(protocol.ServerReadyResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerReadyResponse{})
}

func (s *Session) handleCancelReady(u *room.User) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerCancelReadyResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.CancelReady(u); err != nil {
		s.respond(protocol.ServerCancelReadyResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerCancelReadyResponse{})
}

func (s *Session) handlePlayed(u *room.User, recordID int32) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerPlayedResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if rm.Stage() != protocol.StagePlaying {
		s.respond(protocol.ServerPlayedResponse{Result: protocol.Failure(model.ErrInvalidState.Error())})
		return
	}
	// Record fetch and ownership check happen before the room lock.
	rec, err := s.identity.Record(s.ctx, recordID)
	if err != nil {
		s.logger.Warn("record lookup failed", slog.Int("record", int(recordID)), slog.String("error", err.Error()))
		s.respond(protocol.ServerPlayedResponse{Result: protocol.Failure(model.ErrRecordNotFound.Error())})
		return
	}
	if rec.Player != u.ID {
		s.respond(protocol.ServerPlayedResponse{Result: protocol.Failure(model.ErrRecordNotOwned.Error())})
		return
	}
	if err := rm.Played(u, rec); err != nil {
		s.respond(protocol.ServerPlayedResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerPlayedResponse{})
}

func (s *Session) handleAbort(u *room.User) {
	rm := u.Room()
	if rm == nil {
		s.respond(protocol.ServerAbortResponse{Result: protocol.Failure(model.ErrNotInRoom.Error())})
		return
	}
	if err := rm.Abort(u); err != nil {
		s.respond(protocol.ServerAbortResponse{Result: protocol.Failure(err.Error())})
		return
	}
	s.respond(protocol.ServerAbortResponse{})
}
