// Package room implements the coordination unit of the server: membership,
// the SelectChart / WaitingForReady / Playing state machine, host policy and
// broadcast fan-out. All mutation happens under a single per-room mutex;
// broadcasts only enqueue to unbounded per-connection queues, so holding the
// lock across a fan-out never blocks on remote I/O.
package room

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/mcoot/rhythmsync/internal/dependencies/random"
	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/protocol"
)

// Options configure a room at creation.
type Options struct {
	MaxPlayers  int
	CycleVoting bool
	Random      random.Random
	Logger      *slog.Logger
}

// Room is one coordination unit. The creator becomes host.
type Room struct {
	ID model.RoomID

	maxPlayers  int
	cycleVoting bool
	random      random.Random
	logger      *slog.Logger

	mu       sync.Mutex
	host     *User
	state    roomState
	live     bool
	locked   bool
	cycle    bool
	chart    *model.Chart
	players  []*User
	monitors []*User
	votes    map[model.UserID]model.Chart
}

// New creates a room with the given creator as host and sole player.
func New(id model.RoomID, creator *User, opts Options) *Room {
	r := &Room{
		ID:          id,
		maxPlayers:  opts.MaxPlayers,
		cycleVoting: opts.CycleVoting,
		random:      opts.Random,
		logger:      opts.Logger.With(slog.String("room", string(id))),
		host:        creator,
		state:       stateSelectChart{},
		players:     []*User{creator},
		votes:       make(map[model.UserID]model.Chart),
	}
	creator.setRoom(r)
	creator.setMonitor(false)
	return r
}

// Stage returns the current client-visible state tag.
func (r *Room) Stage() protocol.RoomStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.stage()
}

// IsPlaying reports whether a game is currently in progress.
func (r *Room) IsPlaying() bool {
	return r.Stage() == protocol.StagePlaying
}

// IsLive reports whether a monitor has ever joined this room.
func (r *Room) IsLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// SendMessage broadcasts a notification to players and monitors.
func (r *Room) SendMessage(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastAll(protocol.ServerMessage{Message: msg})
}

// BroadcastMonitors mirrors gameplay telemetry to monitors only.
func (r *Room) BroadcastMonitors(cmd protocol.ServerCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		m.Send(cmd)
	}
}

// broadcastAll enqueues cmd for every player and monitor. Callers hold r.mu,
// so every recipient observes the same relative ordering of frames emitted
// within one room operation.
func (r *Room) broadcastAll(cmd protocol.ServerCommand) {
	for _, p := range r.players {
		p.Send(cmd)
	}
	for _, m := range r.monitors {
		m.Send(cmd)
	}
}

func (r *Room) stateData() protocol.RoomStateData {
	data := protocol.RoomStateData{Stage: r.state.stage()}
	if data.Stage == protocol.StageSelectChart && r.chart != nil {
		id := r.chart.ID
		data.Chart = &id
	}
	return data
}

func (r *Room) checkHost(u *User) error {
	if r.host != u {
		return model.ErrNotHost
	}
	return nil
}

// votingOpen reports whether all players may currently select charts.
func (r *Room) votingOpen() bool {
	return r.cycle && r.cycleVoting
}

// Join admits a user as player or monitor. The monitor allow-list and the
// one-room-per-user rule are enforced by the caller before any room lock is
// taken. Returns the snapshot the joiner needs for its response.
func (r *Room) Join(u *User, monitor bool) (protocol.ServerJoinRoomResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return protocol.ServerJoinRoomResponse{}, model.ErrRoomLocked
	}
	if r.state.stage() != protocol.StageSelectChart {
		return protocol.ServerJoinRoomResponse{}, model.ErrGameInProgress
	}
	if !monitor && len(r.players) >= r.maxPlayers {
		return protocol.ServerJoinRoomResponse{}, model.ErrRoomFull
	}

	u.setMonitor(monitor)
	u.setRoom(r)
	if monitor {
		r.monitors = append(r.monitors, u)
		// Live is sticky: it never reverts for the room's lifetime.
		r.live = true
	} else {
		r.players = append(r.players, u)
	}

	r.broadcastAll(protocol.ServerOnJoinRoom{User: u.Info()})
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgJoinRoom{User: u.ID, Name: u.Name}})

	users := make([]model.UserInfo, 0, len(r.players)+len(r.monitors))
	for _, p := range r.players {
		users = append(users, p.Info())
	}
	for _, m := range r.monitors {
		users = append(users, m.Info())
	}

	return protocol.ServerJoinRoomResponse{
		State: r.stateData(),
		Users: users,
		Live:  r.live,
	}, nil
}

// Leave removes a user from the room, reassigning the host and re-running
// the transition check. Reports whether the room is now empty of players
// and must be destroyed by the caller.
func (r *Room) Leave(u *User) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(u)
}

func (r *Room) leaveLocked(u *User) (empty bool) {
	// A player leaving mid-game counts as an abort for the spectators'
	// benefit; the transition check below accounts over the remaining
	// players either way.
	if st, ok := r.state.(*statePlaying); ok && !u.Monitor() {
		if _, done := st.results[u.ID]; !done {
			if _, done := st.aborted[u.ID]; !done {
				r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgAbort{User: u.ID}})
			}
		}
	}

	wasHost := r.host == u
	r.players = removeUser(r.players, u)
	r.monitors = removeUser(r.monitors, u)
	delete(r.votes, u.ID)
	if st, ok := r.state.(*stateWaitingForReady); ok {
		delete(st.wait, u.ID)
	}
	if st, ok := r.state.(*statePlaying); ok {
		delete(st.results, u.ID)
		delete(st.aborted, u.ID)
	}
	u.setRoom(nil)

	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgLeaveRoom{User: u.ID, Name: u.Name}})

	if len(r.players) == 0 {
		// The room is going away: release any remaining monitors so they
		// can join another room.
		for _, m := range r.monitors {
			m.setRoom(nil)
		}
		r.monitors = nil
		return true
	}

	if wasHost {
		next := r.players[r.random.Intn(len(r.players))]
		r.host = next
		r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgNewHost{User: next.ID}})
		next.Send(protocol.ServerChangeHost{IsHost: true})
	}

	// The transition check runs unconditionally on leave: a no-op in
	// SelectChart, but the leaver may have been the last outstanding
	// readiness or result.
	r.checkTransition()
	return false
}

// Chat broadcasts a chat message from u.
func (r *Room) Chat(u *User, content string) error {
	if len(content) > protocol.MaxChatLength {
		return model.ErrMessageTooLong
	}
	r.SendMessage(protocol.MsgChat{User: u.ID, Content: content})
	return nil
}

// SetLocked toggles the join lock. Host only.
func (r *Room) SetLocked(u *User, lock bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkHost(u); err != nil {
		return err
	}
	r.locked = lock
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgLockRoom{Lock: lock}})
	return nil
}

// SetCycle toggles host cycling. Host only.
func (r *Room) SetCycle(u *User, cycle bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkHost(u); err != nil {
		return err
	}
	r.cycle = cycle
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgCycleRoom{Cycle: cycle}})
	return nil
}

// SelectChart sets the room's chart. The chart has already been resolved
// against the identity service; no I/O happens under the lock. In
// cycle+voting mode any player may select and the selection is stored as
// that player's vote while also publishing as the room's current chart.
func (r *Room) SelectChart(u *User, chart model.Chart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.stage() != protocol.StageSelectChart {
		return model.ErrInvalidState
	}
	if r.votingOpen() {
		if u.Monitor() {
			return model.ErrNotHost
		}
		r.votes[u.ID] = chart
	} else if err := r.checkHost(u); err != nil {
		return err
	}

	r.chart = &chart
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgSelectChart{
		User:    u.ID,
		Name:    chart.Name,
		ChartID: chart.ID,
	}})
	r.broadcastAll(protocol.ServerChangeState{State: r.stateData()})
	return nil
}

// RequestStart moves the room into WaitingForReady. Host only; needs a
// selected chart and at least two players. In cycle+voting mode a vote is
// drawn at random first and the pseudo-host grants are revoked.
func (r *Room) RequestStart(u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.stage() != protocol.StageSelectChart {
		return model.ErrInvalidState
	}
	if err := r.checkHost(u); err != nil {
		return err
	}
	if r.chart == nil {
		return model.ErrNoChartSelected
	}
	if len(r.players) < 2 {
		return model.ErrNotEnoughPlayers
	}

	if r.votingOpen() && len(r.votes) > 0 {
		chart := r.pickVote()
		r.chart = &chart
		for _, p := range r.players {
			if p != r.host {
				p.Send(protocol.ServerChangeHost{IsHost: false})
			}
		}
		r.votes = make(map[model.UserID]model.Chart)
	}

	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgGameStart{User: u.ID}})
	r.state = newWaitingForReady(u.ID)
	r.broadcastAll(protocol.ServerChangeState{State: r.stateData()})
	r.checkTransition()
	return nil
}

// pickVote draws one submitted vote uniformly at random.
func (r *Room) pickVote() model.Chart {
	ids := make([]int, 0, len(r.votes))
	for id := range r.votes {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	return r.votes[model.UserID(ids[r.random.Intn(len(ids))])]
}

// Ready marks u as ready.
func (r *Room) Ready(u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state.(*stateWaitingForReady)
	if !ok {
		return model.ErrInvalidState
	}
	if _, dup := st.wait[u.ID]; dup {
		return model.ErrAlreadyReady
	}
	st.wait[u.ID] = struct{}{}
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgReady{User: u.ID}})
	r.checkTransition()
	return nil
}

// CancelReady withdraws readiness. If the host cancels, the whole game is
// cancelled and the room returns to SelectChart.
func (r *Room) CancelReady(u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state.(*stateWaitingForReady)
	if !ok {
		return model.ErrInvalidState
	}
	if _, ready := st.wait[u.ID]; !ready {
		return model.ErrNotReady
	}

	if r.host == u {
		r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgCancelGame{User: u.ID}})
		r.state = stateSelectChart{}
		if r.votingOpen() {
			// Re-open voting: clear the chart and grant pseudo-host to
			// every non-host so all players can vote again.
			r.chart = nil
			r.votes = make(map[model.UserID]model.Chart)
			for _, p := range r.players {
				if p != r.host {
					p.Send(protocol.ServerChangeHost{IsHost: true})
				}
			}
		}
		r.broadcastAll(protocol.ServerChangeState{State: r.stateData()})
		return nil
	}

	delete(st.wait, u.ID)
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgCancelReady{User: u.ID}})
	return nil
}

// Played records a fetched result for u. Record ownership has already been
// verified by the caller.
func (r *Room) Played(u *User, rec model.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state.(*statePlaying)
	if !ok {
		return model.ErrInvalidState
	}
	if _, aborted := st.aborted[u.ID]; aborted {
		return model.ErrAlreadyAborted
	}
	if _, played := st.results[u.ID]; played {
		return model.ErrAlreadyPlayed
	}
	st.results[u.ID] = rec
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgPlayed{
		User:      u.ID,
		Score:     rec.Score,
		Accuracy:  rec.Accuracy,
		FullCombo: rec.FullCombo,
	}})
	r.checkTransition()
	return nil
}

// Abort marks u as having given up on the current game.
func (r *Room) Abort(u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state.(*statePlaying)
	if !ok {
		return model.ErrInvalidState
	}
	if _, played := st.results[u.ID]; played {
		return model.ErrAlreadyPlayed
	}
	if _, aborted := st.aborted[u.ID]; aborted {
		return model.ErrAlreadyAborted
	}
	st.aborted[u.ID] = struct{}{}
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgAbort{User: u.ID}})
	r.checkTransition()
	return nil
}

// checkTransition fires the WaitingForReady -> Playing and Playing ->
// SelectChart transitions once their conditions hold. Callers hold r.mu.
func (r *Room) checkTransition() {
	switch st := r.state.(type) {
	case *stateWaitingForReady:
		for _, p := range r.players {
			if _, ok := st.wait[p.ID]; !ok {
				return
			}
		}
		for _, m := range r.monitors {
			if _, ok := st.wait[m.ID]; !ok {
				return
			}
		}
		r.startPlaying()
	case *statePlaying:
		for _, p := range r.players {
			if _, ok := st.results[p.ID]; ok {
				continue
			}
			if _, ok := st.aborted[p.ID]; ok {
				continue
			}
			return
		}
		r.finishGame()
	}
}

func (r *Room) startPlaying() {
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgStartPlaying{}})
	for _, p := range r.players {
		p.resetGameTime()
	}
	r.state = newPlaying()
	r.broadcastAll(protocol.ServerChangeState{State: r.stateData()})
	r.logger.Info("game started", slog.Int("players", len(r.players)))
}

func (r *Room) finishGame() {
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgGameEnd{}})
	r.state = stateSelectChart{}

	switch {
	case r.cycle && r.cycleVoting:
		r.chart = nil
		r.votes = make(map[model.UserID]model.Chart)
		for _, p := range r.players {
			if p != r.host {
				p.Send(protocol.ServerChangeHost{IsHost: true})
			}
		}
	case r.cycle:
		r.cycleHost()
	}

	r.broadcastAll(protocol.ServerChangeState{State: r.stateData()})
	r.logger.Info("game finished")
}

// cycleHost advances the host to the next player in join order.
func (r *Room) cycleHost() {
	idx := 0
	for i, p := range r.players {
		if p == r.host {
			idx = i
			break
		}
	}
	old := r.host
	next := r.players[(idx+1)%len(r.players)]
	if next == old {
		return
	}
	r.host = next
	r.broadcastAll(protocol.ServerMessage{Message: protocol.MsgNewHost{User: next.ID}})
	old.Send(protocol.ServerChangeHost{IsHost: false})
	next.Send(protocol.ServerChangeHost{IsHost: true})
}

// ClientState builds the resume snapshot for u, as carried in a successful
// authenticate response. The user map includes monitors.
func (r *Room) ClientState(u *User) protocol.ClientRoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make(map[int32]model.UserInfo, len(r.players)+len(r.monitors))
	for _, p := range r.players {
		users[p.ID] = p.Info()
	}
	for _, m := range r.monitors {
		users[m.ID] = m.Info()
	}

	isReady := false
	if st, ok := r.state.(*stateWaitingForReady); ok {
		_, isReady = st.wait[u.ID]
	}

	return protocol.ClientRoomState{
		RoomID:  string(r.ID),
		State:   r.stateData(),
		Live:    r.live,
		Locked:  r.locked,
		Cycle:   r.cycle,
		IsHost:  r.host == u,
		IsReady: isReady,
		Users:   users,
	}
}

// Status is a point-in-time summary for the HTTP status API.
type Status struct {
	ID       string `json:"id"`
	Stage    string `json:"stage"`
	Players  int    `json:"players"`
	Monitors int    `json:"monitors"`
	Live     bool   `json:"live"`
	Locked   bool   `json:"locked"`
	Cycle    bool   `json:"cycle"`
}

// Snapshot returns the room's status summary.
func (r *Room) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	stage := "select_chart"
	switch r.state.stage() {
	case protocol.StageWaitingForReady:
		stage = "waiting_for_ready"
	case protocol.StagePlaying:
		stage = "playing"
	}
	return Status{
		ID:       string(r.ID),
		Stage:    stage,
		Players:  len(r.players),
		Monitors: len(r.monitors),
		Live:     r.live,
		Locked:   r.locked,
		Cycle:    r.cycle,
	}
}

// HostID returns the current host's user id.
func (r *Room) HostID() model.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host.ID
}

func removeUser(users []*User, u *User) []*User {
	for i, x := range users {
		if x == u {
			return append(users[:i], users[i+1:]...)
		}
	}
	return users
}
