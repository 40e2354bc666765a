// Package server owns the listening socket, the global registries and the
// lost-connection drain that powers the dangling-grace mechanism.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/mcoot/rhythmsync/internal/config"
	"github.com/mcoot/rhythmsync/internal/dependencies/clock"
	"github.com/mcoot/rhythmsync/internal/dependencies/random"
	"github.com/mcoot/rhythmsync/internal/identity"
	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/registry"
	"github.com/mcoot/rhythmsync/internal/room"
	"github.com/mcoot/rhythmsync/internal/session"
	"github.com/mcoot/rhythmsync/internal/transport"
)

// Server accepts connections and wires sessions to the shared registries.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clock.Clock
	random   random.Random
	identity *identity.Client
	reg      *registry.Registry

	mu       sync.Mutex
	sessions map[model.SessionID]*session.Session
	listener net.Listener

	lostCh chan *session.Session
}

// New creates a Server. Call Listen then Serve.
func New(cfg config.Config, idc *identity.Client, clk clock.Clock, rnd random.Random, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "server")),
		clock:    clk,
		random:   rnd,
		identity: idc,
		reg:      registry.New(),
		sessions: make(map[model.SessionID]*session.Session),
		lostCh:   make(chan *session.Session, 64),
	}
}

// Registry exposes the room/user registries, e.g. to the status API.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Listen binds the TCP listener. Binding the IPv6 wildcard yields a
// dual-stack socket.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.BindIP, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, for tests that listen on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until the context is cancelled or the listener
// fails. Each accepted socket gets its own session goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	go s.drainLost(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.shutdownSessions()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn := transport.New(nc, s.logger, s.clock)
	peer, err := conn.Handshake()
	if err != nil {
		s.logger.Warn("handshake failed", slog.String("error", err.Error()))
		conn.Close()
		return
	}
	// Version mismatch is not an error at this layer.
	s.logger.Debug("connection established",
		slog.String("remote", nc.RemoteAddr().String()),
		slog.Int("peer_version", int(peer)))

	sess := session.New(conn, s, s.identity, s.clock, session.Config{
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout.Std(),
		HeartbeatInterval: s.cfg.HeartbeatInterval.Std(),
	}, s.logger)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	sess.Run(ctx)
}

func (s *Server) shutdownSessions() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// drainLost is the single consumer of lost-connection reports. It removes
// the session from the registry and dangles the user, but only if the user's
// session reference still points at the dead connection: a completed
// reconnect must not be cancelled.
func (s *Server) drainLost(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sess := <-s.lostCh:
			s.mu.Lock()
			delete(s.sessions, sess.ID)
			s.mu.Unlock()
			sess.Close()

			if u := sess.User(); u != nil && u.SessionIs(sess.Conn()) {
				s.dangle(u)
			}
		}
	}
}

// dangle handles a user whose connection died. Mid-game the user is evicted
// immediately; otherwise a grace timer is armed, keyed by an epoch token so
// that a reconnect in the meantime wins the race.
func (s *Server) dangle(u *room.User) {
	if rm := u.Room(); rm != nil && rm.IsPlaying() {
		s.logger.Info("user lost mid-game, evicting", slog.Int("user", int(u.ID)))
		s.evict(u)
		return
	}

	epoch := u.BeginDangle()
	s.logger.Info("user dangling", slog.Int("user", int(u.ID)))
	expired := s.clock.After(s.cfg.DangleGrace.Std())
	go func() {
		<-expired
		if !u.EpochIs(epoch) {
			// Reconnected in time.
			return
		}
		s.logger.Info("dangle grace expired, evicting", slog.Int("user", int(u.ID)))
		s.evict(u)
	}()
}

func (s *Server) evict(u *room.User) {
	if rm := u.Room(); rm != nil {
		if rm.Leave(u) {
			s.DestroyRoom(rm, "last player left")
		}
	}
	s.reg.RemoveUser(u.ID)
}

// Hub implementation for sessions.

// User looks up a user by id.
func (s *Server) User(id model.UserID) (*room.User, bool) {
	return s.reg.User(id)
}

// AdoptUser registers a freshly authenticated user.
func (s *Server) AdoptUser(u *room.User) {
	s.reg.AddUser(u)
}

// Room looks up a room by id.
func (s *Server) Room(id model.RoomID) (*room.Room, bool) {
	return s.reg.Room(id)
}

// CreateRoom atomically claims the id and builds the room with the creator
// as host.
func (s *Server) CreateRoom(id model.RoomID, creator *room.User) (*room.Room, error) {
	return s.reg.CreateRoom(id, func() *room.Room {
		return room.New(id, creator, room.Options{
			MaxPlayers:  s.cfg.RoomMaxPlayers,
			CycleVoting: s.cfg.CycleVoting,
			Random:      s.random,
			Logger:      s.logger,
		})
	})
}

// DestroyRoom removes a room from the registry.
func (s *Server) DestroyRoom(rm *room.Room, reason string) {
	s.reg.RemoveRoom(rm.ID)
	s.logger.Info("room destroyed", slog.String("room", string(rm.ID)), slog.String("reason", reason))
}

// CanMonitor reports whether a user is in the monitor allow-list.
func (s *Server) CanMonitor(id model.UserID) bool {
	return s.cfg.CanMonitor(id)
}

// LostConnection reports a dead session for draining.
func (s *Server) LostConnection(sess *session.Session) {
	s.lostCh <- sess
}

var _ session.Hub = (*Server)(nil)
