package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoot/rhythmsync/internal/cli"
	"github.com/mcoot/rhythmsync/internal/config"
	"github.com/mcoot/rhythmsync/internal/dependencies/clock"
	"github.com/mcoot/rhythmsync/internal/dependencies/random"
	"github.com/mcoot/rhythmsync/internal/identity"
	"github.com/mcoot/rhythmsync/internal/protocol"
	"github.com/mcoot/rhythmsync/internal/server"
	"github.com/mcoot/rhythmsync/internal/testutil"
)

const (
	tokenA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tokenB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	tokenM = "mmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmm"

	waitShort = 3 * time.Second
)

// fakeIdentity stubs the identity service's three endpoints.
func fakeIdentity(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer " + tokenA:
			w.Write([]byte(`{"id": 100, "name": "alice", "language": "en"}`))
		case "Bearer " + tokenB:
			w.Write([]byte(`{"id": 101, "name": "bob", "language": "en"}`))
		case "Bearer " + tokenM:
			w.Write([]byte(`{"id": 300, "name": "watcher", "language": "en"}`))
		default:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("/chart/", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/chart/") != "42" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id": 42, "name": "X"}`))
	})
	mux.HandleFunc("/record/", func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/record/") {
		case "1":
			w.Write([]byte(`{"id": 1, "player": 100, "score": 900, "accuracy": 0.9, "fullCombo": false}`))
		case "2":
			w.Write([]byte(`{"id": 2, "player": 101, "score": 950, "accuracy": 0.95, "fullCombo": true}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// startServer boots a real server on a loopback port.
func startServer(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	ids := fakeIdentity(t)

	cfg := config.Default()
	cfg.BindIP = "127.0.0.1"
	cfg.Port = 0
	cfg.IdentityURL = ids.URL
	cfg.Monitors = []int32{300}
	if mutate != nil {
		mutate(&cfg)
	}

	idc := identity.New(cfg.IdentityURL, cfg.IdentityTimeout.Std())
	srv := server.New(cfg, idc, clock.New(), random.New(), testutil.NopLogger())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.Serve(ctx)
	}()

	return srv.Addr().String()
}

func dial(t *testing.T, addr string) *cli.Client {
	t.Helper()
	c, err := cli.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func expectMessage(t *testing.T, c *cli.Client, want protocol.Message) {
	t.Helper()
	_, err := c.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		m, ok := cmd.(protocol.ServerMessage)
		return ok && m.Message == want
	})
	require.NoError(t, err, "waiting for %#v", want)
}

func expectStage(t *testing.T, c *cli.Client, want protocol.RoomStage) {
	t.Helper()
	_, err := c.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		cs, ok := cmd.(protocol.ServerChangeState)
		return ok && cs.State.Stage == want
	})
	require.NoError(t, err, "waiting for stage %d", want)
}

// sendOK sends cmd and waits for a successful response of type T. Anything
// received before the response is discarded, including the room broadcasts
// the server enqueues for the sender ahead of its response.
func sendOK[T protocol.ServerCommand](t *testing.T, c *cli.Client, cmd protocol.ClientCommand, getResult func(T) protocol.Result) T {
	t.Helper()
	require.NoError(t, c.Send(cmd))
	return recvOK(t, c, getResult)
}

// recvOK waits for a successful response of type T.
func recvOK[T protocol.ServerCommand](t *testing.T, c *cli.Client, getResult func(T) protocol.Result) T {
	t.Helper()
	got, err := c.RecvUntil(waitShort, func(sc protocol.ServerCommand) bool {
		_, ok := sc.(T)
		return ok
	})
	require.NoError(t, err)
	resp := got.(T)
	require.True(t, getResult(resp).OK(), "server error: %s", getResult(resp).Err)
	return resp
}

func TestPingPong(t *testing.T) {
	addr := startServer(t, nil)
	c := dial(t, addr)

	assert.Equal(t, protocol.ProtocolVersion, c.ServerVersion)
	require.NoError(t, c.Send(protocol.ClientPing{}))
	_, err := c.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerPong)
		return ok
	})
	require.NoError(t, err)
}

func TestAuthenticateRejectsShortTokenLocally(t *testing.T) {
	addr := startServer(t, nil)
	c := dial(t, addr)

	require.NoError(t, c.Send(protocol.ClientAuthenticate{Token: "short"}))
	got, err := c.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerAuthenticateResponse)
		return ok
	})
	require.NoError(t, err)
	resp := got.(protocol.ServerAuthenticateResponse)
	assert.False(t, resp.OK())

	// The connection stays open for a retry with a good token.
	auth, err := c.Authenticate(tokenA)
	require.NoError(t, err)
	assert.Equal(t, int32(100), auth.User.ID)
	assert.Nil(t, auth.Room)
}

func TestCommandsBeforeAuthenticationAreDropped(t *testing.T) {
	addr := startServer(t, nil)
	c := dial(t, addr)

	require.NoError(t, c.Send(protocol.ClientChat{Message: "hi"}))
	_, err := c.Recv(300 * time.Millisecond)
	assert.Error(t, err, "no response expected before authentication")

	// The connection survives.
	_, err = c.Authenticate(tokenA)
	require.NoError(t, err)
}

func TestCreateJoinChat(t *testing.T) {
	addr := startServer(t, nil)

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	join := sendOK(t, b, protocol.ClientJoinRoom{ID: "ROOM1"}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })
	assert.Len(t, join.Users, 2)
	assert.False(t, join.Live)

	// The broadcast reaches the sender ahead of its own response.
	require.NoError(t, b.Send(protocol.ClientChat{Message: "hi"}))
	expectMessage(t, b, protocol.MsgChat{User: 101, Content: "hi"})
	recvOK(t, b, func(r protocol.ServerChatResponse) protocol.Result { return r.Result })
	expectMessage(t, a, protocol.MsgChat{User: 101, Content: "hi"})
}

func TestTwoPlayerGame(t *testing.T) {
	addr := startServer(t, nil)

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	sendOK(t, b, protocol.ClientJoinRoom{ID: "ROOM1"}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })

	// Each sender sees the room broadcasts of its command before the response.
	require.NoError(t, a.Send(protocol.ClientSelectChart{ID: 42}))
	expectMessage(t, a, protocol.MsgSelectChart{User: 100, Name: "X", ChartID: 42})
	recvOK(t, a, func(r protocol.ServerSelectChartResponse) protocol.Result { return r.Result })
	expectMessage(t, b, protocol.MsgSelectChart{User: 100, Name: "X", ChartID: 42})

	require.NoError(t, a.Send(protocol.ClientRequestStart{}))
	expectMessage(t, a, protocol.MsgGameStart{User: 100})
	expectStage(t, a, protocol.StageWaitingForReady)
	recvOK(t, a, func(r protocol.ServerRequestStartResponse) protocol.Result { return r.Result })
	expectMessage(t, b, protocol.MsgGameStart{User: 100})
	expectStage(t, b, protocol.StageWaitingForReady)

	require.NoError(t, b.Send(protocol.ClientReady{}))
	expectStage(t, b, protocol.StagePlaying)
	recvOK(t, b, func(r protocol.ServerReadyResponse) protocol.Result { return r.Result })
	expectMessage(t, a, protocol.MsgReady{User: 101})
	expectMessage(t, a, protocol.MsgStartPlaying{})
	expectStage(t, a, protocol.StagePlaying)

	sendOK(t, a, protocol.ClientPlayed{RecordID: 1}, func(r protocol.ServerPlayedResponse) protocol.Result { return r.Result })
	expectMessage(t, b, protocol.MsgPlayed{User: 100, Score: 900, Accuracy: 0.9, FullCombo: false})
	sendOK(t, b, protocol.ClientPlayed{RecordID: 2}, func(r protocol.ServerPlayedResponse) protocol.Result { return r.Result })
	expectMessage(t, a, protocol.MsgGameEnd{})
	expectStage(t, a, protocol.StageSelectChart)
}

func TestRefuseSinglePlayerStart(t *testing.T) {
	addr := startServer(t, nil)

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })
	sendOK(t, a, protocol.ClientSelectChart{ID: 42}, func(r protocol.ServerSelectChartResponse) protocol.Result { return r.Result })

	require.NoError(t, a.Send(protocol.ClientRequestStart{}))
	got, err := a.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerRequestStartResponse)
		return ok
	})
	require.NoError(t, err)
	resp := got.(protocol.ServerRequestStartResponse)
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Err, "If no one")
}

func TestStolenRecordRejected(t *testing.T) {
	addr := startServer(t, nil)

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	sendOK(t, b, protocol.ClientJoinRoom{ID: "ROOM1"}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })

	sendOK(t, a, protocol.ClientSelectChart{ID: 42}, func(r protocol.ServerSelectChartResponse) protocol.Result { return r.Result })
	sendOK(t, a, protocol.ClientRequestStart{}, func(r protocol.ServerRequestStartResponse) protocol.Result { return r.Result })
	require.NoError(t, b.Send(protocol.ClientReady{}))
	expectStage(t, b, protocol.StagePlaying)
	recvOK(t, b, func(r protocol.ServerReadyResponse) protocol.Result { return r.Result })

	// Record 1 belongs to alice; bob may not submit it.
	require.NoError(t, b.Send(protocol.ClientPlayed{RecordID: 1}))
	got, err := b.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerPlayedResponse)
		return ok
	})
	require.NoError(t, err)
	assert.False(t, got.(protocol.ServerPlayedResponse).OK())
}

func TestMonitorTelemetry(t *testing.T) {
	addr := startServer(t, nil)

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	// Bob is not in the allow-list.
	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	require.NoError(t, b.Send(protocol.ClientJoinRoom{ID: "ROOM1", Monitor: true}))
	got, err := b.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerJoinRoomResponse)
		return ok
	})
	require.NoError(t, err)
	assert.False(t, got.(protocol.ServerJoinRoomResponse).OK())

	// The allow-listed watcher may monitor; its join flips the room live.
	m := dial(t, addr)
	_, err = m.Authenticate(tokenM)
	require.NoError(t, err)
	join := sendOK(t, m, protocol.ClientJoinRoom{ID: "ROOM1", Monitor: true}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })
	assert.True(t, join.Live)

	frames := []protocol.TouchFrame{{Time: 1.5, Points: []protocol.TouchPoint{{ID: 0, X: 0.5, Y: 0.25}}}}
	require.NoError(t, a.Send(protocol.ClientTouches{Frames: frames}))

	gotTouches, err := m.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		_, ok := cmd.(protocol.ServerTouches)
		return ok
	})
	require.NoError(t, err)
	touches := gotTouches.(protocol.ServerTouches)
	assert.Equal(t, int32(100), touches.Player)
	require.Len(t, touches.Frames, 1)
	assert.Equal(t, float32(1.5), touches.Frames[0].Time)

	judges := []protocol.JudgeEvent{{Time: 2, LineID: 1, NoteID: 3, Judgement: 1}}
	require.NoError(t, a.Send(protocol.ClientJudges{Judges: judges}))
	_, err = m.RecvUntil(waitShort, func(cmd protocol.ServerCommand) bool {
		j, ok := cmd.(protocol.ServerJudges)
		return ok && j.Player == 100
	})
	require.NoError(t, err)
}

func TestOversizedFrameTerminatesConnection(t *testing.T) {
	addr := startServer(t, nil)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	// Version handshake.
	_, err = nc.Write([]byte{protocol.ProtocolVersion})
	require.NoError(t, err)
	var v [1]byte
	_, err = nc.Read(v[:])
	require.NoError(t, err)

	// Declare a 3 MiB frame; the server must hang up without waiting for
	// the payload.
	w := protocol.NewWriter()
	w.WriteUvarint(3 << 20)
	_, err = nc.Write(w.Bytes())
	require.NoError(t, err)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(waitShort)))
	_, err = nc.Read(v[:])
	assert.Error(t, err, "connection should be closed")
}

func TestReconnectWithinGraceResumesRoom(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) {
		cfg.DangleGrace = config.Duration(2 * time.Second)
	})

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	sendOK(t, b, protocol.ClientJoinRoom{ID: "ROOM1"}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })

	// Drop bob's socket without leaving the room.
	require.NoError(t, b.Close())
	time.Sleep(200 * time.Millisecond)

	b2 := dial(t, addr)
	auth, err := b2.Authenticate(tokenB)
	require.NoError(t, err)
	require.NotNil(t, auth.Room, "reconnect should resume the room")
	assert.Equal(t, "ROOM1", auth.Room.RoomID)
	assert.Len(t, auth.Room.Users, 2)
	assert.False(t, auth.Room.IsHost)
	assert.Equal(t, protocol.StageSelectChart, auth.Room.State.Stage)

	// Alice never saw a leave.
	require.NoError(t, a.Send(protocol.ClientChat{Message: "still here?"}))
	expectMessage(t, b2, protocol.MsgChat{User: 100, Content: "still here?"})
}

func TestDangleEvictsAfterGrace(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) {
		cfg.DangleGrace = config.Duration(300 * time.Millisecond)
	})

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	sendOK(t, b, protocol.ClientJoinRoom{ID: "ROOM1"}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })

	require.NoError(t, b.Close())

	// After the grace period the room sees exactly one leave.
	expectMessage(t, a, protocol.MsgLeaveRoom{User: 101, Name: "bob"})

	// A late reconnect gets no room back.
	b2 := dial(t, addr)
	auth, err := b2.Authenticate(tokenB)
	require.NoError(t, err)
	assert.Nil(t, auth.Room)
}

func TestDisconnectDuringPlayingEvictsImmediately(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) {
		// A long grace proves mid-game eviction does not wait for it.
		cfg.DangleGrace = config.Duration(30 * time.Second)
	})

	a := dial(t, addr)
	_, err := a.Authenticate(tokenA)
	require.NoError(t, err)
	sendOK(t, a, protocol.ClientCreateRoom{ID: "ROOM1"}, func(r protocol.ServerCreateRoomResponse) protocol.Result { return r.Result })

	b := dial(t, addr)
	_, err = b.Authenticate(tokenB)
	require.NoError(t, err)
	sendOK(t, b, protocol.ClientJoinRoom{ID: "ROOM1"}, func(r protocol.ServerJoinRoomResponse) protocol.Result { return r.Result })

	sendOK(t, a, protocol.ClientSelectChart{ID: 42}, func(r protocol.ServerSelectChartResponse) protocol.Result { return r.Result })
	sendOK(t, a, protocol.ClientRequestStart{}, func(r protocol.ServerRequestStartResponse) protocol.Result { return r.Result })
	sendOK(t, b, protocol.ClientReady{}, func(r protocol.ServerReadyResponse) protocol.Result { return r.Result })
	expectStage(t, a, protocol.StagePlaying)

	require.NoError(t, b.Close())

	expectMessage(t, a, protocol.MsgAbort{User: 101})
	expectMessage(t, a, protocol.MsgLeaveRoom{User: 101, Name: "bob"})
}

func TestHeartbeatTimeoutTearsDownSilentConnection(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) {
		cfg.HeartbeatTimeout = config.Duration(300 * time.Millisecond)
		cfg.HeartbeatInterval = config.Duration(50 * time.Millisecond)
	})

	c := dial(t, addr)
	_, err := c.Authenticate(tokenA)
	require.NoError(t, err)

	// Go silent: the server must hang up on its own.
	_, err = c.Recv(waitShort)
	assert.Error(t, err, "server should close a silent connection")
}
