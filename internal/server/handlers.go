package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"popster-server/internal/config"
	"popster-server/internal/engine"
)

// Handlers turns validated messages into engine transitions, commits the
// result and fans it out. All methods run on the event loop.
type Handlers struct {
	registry  *ConnectionManager
	rooms     *RoomManager
	state     *StateManager
	store     Store
	persister *Persister
	cfg       config.GameConfig
	now       func() time.Time
	log       *zap.Logger
}

func NewHandlers(registry *ConnectionManager, rooms *RoomManager, state *StateManager, store Store, persister *Persister, cfg config.GameConfig, now func() time.Time, log *zap.Logger) *Handlers {
	return &Handlers{
		registry:  registry,
		rooms:     rooms,
		state:     state,
		store:     store,
		persister: persister,
		cfg:       cfg,
		now:       now,
		log:       log.Named("handlers"),
	}
}

func (h *Handlers) Register(r *Router) {
	On(r, h.createRoom)
	On(r, h.joinRoom)
	On(r, h.leave)
	On(r, h.requestRoomState)
	On(r, h.reconnect)
	On(r, h.loadPlaylist)
	On(r, h.startRound)
	On(r, h.place)
	On(r, h.challenge)
	On(r, h.reveal)
	On(r, h.registerDevice)
	On(r, h.ping)
}

func (h *Handlers) createRoom(ctx context.Context, c *Context, m CreateRoom) {
	state, err := engine.NewGame(m.Mode)
	if err != nil {
		h.rooms.SendError(c.ConnID, CodeInvalidPayload, ruleMessage(err))
		return
	}

	room := h.rooms.CreateRoom(m.Mode, m.PlaylistID, h.now())
	h.state.CreateGameState(room, state)
	h.switchRoom(c, room.ID)
	h.rooms.Associate(c.ConnID, room.ID)

	h.log.Info("room created",
		zap.String("room", room.ID),
		zap.String("key", room.Key),
		zap.String("mode", string(room.Mode)),
		zap.String("conn", c.ConnID))

	h.rooms.SendToConnection(c.ConnID, ServerMessage{
		Type:    OutRoomCreated,
		Payload: RoomCreatedPayload{RoomKey: room.Key, RoomID: room.ID, Mode: room.Mode},
	})
	h.rooms.SendToConnection(c.ConnID, h.roomStateMessage(room, state))
}

func (h *Handlers) joinRoom(ctx context.Context, c *Context, m JoinRoom) {
	room, ok := h.resolveRoom(ctx, m.RoomKey)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeRoomNotFound, "no room with key "+NormalizeRoomKey(m.RoomKey))
		return
	}
	state, ok := h.state.GetGameState(ctx, room.ID)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeNoGameState, "room has no game")
		return
	}

	player := engine.Player{ID: uuid.NewString(), Name: m.Name, Avatar: m.Avatar}
	next, err := engine.JoinPlayer(state, player)
	if err != nil {
		h.rooms.SendError(c.ConnID, CodeJoinFailed, ruleMessage(err))
		return
	}

	now := h.now()
	h.state.SetGameState(room.ID, next)
	h.switchRoom(c, room.ID)
	h.releasePlayer(c, player.ID)
	h.rooms.Associate(c.ConnID, room.ID)
	h.registry.BindPlayer(c.ConnID, room.ID, player.ID)
	h.rooms.SetPresence(room.ID, Presence{
		PlayerID:     player.ID,
		ConnectionID: c.ConnID,
		Connected:    true,
		LastSeen:     now,
	})
	h.savePlayer(room.ID, player, c.ConnID, true, now)

	h.log.Info("player joined",
		zap.String("room", room.ID),
		zap.String("player", player.ID),
		zap.String("conn", c.ConnID))

	h.rooms.SendToConnection(c.ConnID, ServerMessage{
		Type:    OutJoined,
		Payload: JoinedPayload{RoomKey: room.Key, RoomID: room.ID, PlayerID: player.ID},
	})
	h.broadcastRoomState(room.ID, next)
}

// leave removes the player while the game is in the lobby. Once the game
// is underway the seat is kept and the player just goes offline.
func (h *Handlers) leave(ctx context.Context, c *Context, m Leave) {
	roomID := c.RoomID

	if c.PlayerID != "" {
		state, ok := h.state.GetGameState(ctx, roomID)
		if ok && state.Status == engine.StatusLobby {
			next, err := engine.RemovePlayer(state, c.PlayerID)
			if err != nil {
				h.rooms.SendError(c.ConnID, CodeLeaveFailed, ruleMessage(err))
				return
			}
			h.state.SetGameState(roomID, next)
			h.rooms.RemovePresence(roomID, c.PlayerID)
			h.deletePlayer(c.PlayerID)
		} else {
			h.markOffline(roomID, c.PlayerID, c.ConnID)
		}
	}

	h.rooms.Disassociate(c.ConnID)
	h.log.Info("left room",
		zap.String("room", roomID),
		zap.String("player", c.PlayerID),
		zap.String("conn", c.ConnID))

	if state, ok := h.state.Peek(roomID); ok {
		h.broadcastRoomState(roomID, state)
	}
}

// requestRoomState binds the connection to the room (possibly again)
// and answers with the current state. Nothing about the game changes.
func (h *Handlers) requestRoomState(ctx context.Context, c *Context, m RequestRoomState) {
	room, ok := h.resolveRoom(ctx, m.RoomKey)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeRoomNotFound, "no room with key "+NormalizeRoomKey(m.RoomKey))
		return
	}
	state, ok := h.state.GetGameState(ctx, room.ID)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeNoGameState, "room has no game")
		return
	}

	h.switchRoom(c, room.ID)
	h.rooms.Associate(c.ConnID, room.ID)
	h.rooms.SendToConnection(c.ConnID, h.roomStateMessage(room, state))
}

func (h *Handlers) reconnect(ctx context.Context, c *Context, m Reconnect) {
	room, ok := h.resolveRoom(ctx, m.RoomKey)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeRoomNotFound, "no room with key "+NormalizeRoomKey(m.RoomKey))
		return
	}
	state, ok := h.state.GetGameState(ctx, room.ID)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeNoGameState, "room has no game")
		return
	}
	player, ok := state.Player(m.PlayerID)
	if !ok {
		h.rooms.SendError(c.ConnID, CodePlayerNotFound, "player is not part of this game")
		return
	}

	now := h.now()
	h.switchRoom(c, room.ID)
	h.releasePlayer(c, player.ID)
	if prev, ok := h.registry.ConnectionForPlayer(player.ID); ok && prev != c.ConnID {
		h.rooms.SendError(prev, CodeSessionReplaced, "player reconnected from another connection")
	}
	h.rooms.Associate(c.ConnID, room.ID)
	h.registry.BindPlayer(c.ConnID, room.ID, player.ID)
	h.rooms.SetPresence(room.ID, Presence{
		PlayerID:     player.ID,
		ConnectionID: c.ConnID,
		Connected:    true,
		LastSeen:     now,
	})
	// The row may have been swept; write it back whole.
	h.savePlayer(room.ID, player, c.ConnID, true, now)

	h.log.Info("player reconnected",
		zap.String("room", room.ID),
		zap.String("player", player.ID),
		zap.String("conn", c.ConnID))

	h.rooms.SendToConnection(c.ConnID, ServerMessage{
		Type:    OutJoined,
		Payload: JoinedPayload{RoomKey: room.Key, RoomID: room.ID, PlayerID: player.ID},
	})
	h.broadcastRoomState(room.ID, state)
}

func (h *Handlers) loadPlaylist(ctx context.Context, c *Context, m LoadPlaylist) {
	if len(engine.ScorableTracks(m.Tracks)) == 0 {
		h.rooms.SendError(c.ConnID, CodeInvalidPayload, "playlist has no tracks with a release year")
		return
	}

	count := h.state.InitializePlaylistTracks(c.RoomID, m.Tracks)
	h.rooms.SetPlaylist(c.RoomID, m.PlaylistID)

	roomID, playlistID, at := c.RoomID, m.PlaylistID, h.now()
	h.persister.Enqueue("playlist:"+roomID, "save playlist", func(ctx context.Context, st Store) error {
		return st.UpdatePlaylist(ctx, roomID, playlistID, at)
	})

	h.log.Info("playlist loaded",
		zap.String("room", roomID),
		zap.String("playlist", playlistID),
		zap.Int("tracks", count),
		zap.Int("skipped", len(m.Tracks)-count))

	h.rooms.BroadcastToRoom(roomID, ServerMessage{
		Type:    OutPlaylistLoaded,
		Payload: PlaylistLoadedPayload{PlaylistID: playlistID, Count: count},
	})
}

func (h *Handlers) startRound(ctx context.Context, c *Context, m StartRound) {
	state, ok := h.gameState(ctx, c)
	if !ok {
		return
	}
	if state.Status != engine.StatusLobby && state.Status != engine.StatusRoundSummary {
		h.rooms.SendError(c.ConnID, CodeInvalidGameStatus, "cannot start a round while "+string(state.Status))
		return
	}
	if len(state.Players) == 0 {
		h.rooms.SendError(c.ConnID, CodeNoPlayers, "no players have joined")
		return
	}

	uri := m.TrackURI
	fromQueue := false
	head, hasHead := h.state.GetNextTrack(c.RoomID)
	switch {
	case uri == "" && !hasHead:
		h.rooms.SendError(c.ConnID, CodeStartRoundFailed, "no tracks left in the playlist")
		return
	case uri == "":
		uri, fromQueue = head.TrackURI, true
	case hasHead && head.TrackURI == uri:
		fromQueue = true
	}

	next, err := engine.StartRound(state, engine.Card{TrackURI: uri}, "")
	if err != nil {
		h.rooms.SendError(c.ConnID, CodeStartRoundFailed, ruleMessage(err))
		return
	}
	if fromQueue {
		h.state.ConsumeTrack(c.RoomID)
	}

	h.commit(c.RoomID, next)
	h.playSong(c.RoomID, uri)
}

func (h *Handlers) place(ctx context.Context, c *Context, m Place) {
	state, ok := h.gameState(ctx, c)
	if !ok {
		return
	}
	if state.Status != engine.StatusPlaying {
		h.rooms.SendError(c.ConnID, CodeInvalidGameStatus, "no round is being played")
		return
	}
	if !state.HasPlayer(m.PlayerID) {
		h.rooms.SendError(c.ConnID, CodePlayerNotFound, "player is not part of this game")
		return
	}

	next, err := engine.PlaceCard(state, m.PlayerID, *m.SlotIndex)
	if err != nil {
		h.rooms.SendError(c.ConnID, CodePlaceFailed, ruleMessage(err))
		return
	}
	h.commit(c.RoomID, next)
}

func (h *Handlers) challenge(ctx context.Context, c *Context, m Challenge) {
	state, ok := h.gameState(ctx, c)
	if !ok {
		return
	}
	if state.Status != engine.StatusPlaying {
		h.rooms.SendError(c.ConnID, CodeInvalidGameStatus, "no round is being played")
		return
	}
	if !state.HasPlayer(m.PlayerID) {
		h.rooms.SendError(c.ConnID, CodeChallengerUnknown, "challenger is not part of this game")
		return
	}
	if !state.HasPlayer(m.TargetPlayerID) {
		h.rooms.SendError(c.ConnID, CodePlayerNotFound, "target is not part of this game")
		return
	}

	next, err := engine.ChallengePlacement(state, m.PlayerID, m.TargetPlayerID, *m.SlotIndex)
	if err != nil {
		h.rooms.SendError(c.ConnID, CodeChallengeFailed, ruleMessage(err))
		return
	}
	h.commit(c.RoomID, next)
}

func (h *Handlers) reveal(ctx context.Context, c *Context, m Reveal) {
	state, ok := h.gameState(ctx, c)
	if !ok {
		return
	}
	if state.Status != engine.StatusPlaying {
		h.rooms.SendError(c.ConnID, CodeInvalidGameStatus, "no round is being played")
		return
	}
	round, ok := state.OpenRound()
	if !ok {
		h.rooms.SendError(c.ConnID, CodeRevealFailed, ruleMessage(engine.ErrNoOpenRound))
		return
	}

	var year int
	if m.Year != nil {
		year = *m.Year
	} else if known, ok := h.state.TrackYear(c.RoomID, round.CurrentCard.TrackURI); ok {
		year = known
	} else {
		h.rooms.SendError(c.ConnID, CodeRevealFailed, "release year of the current track is unknown")
		return
	}

	next, err := engine.RevealYear(state, year)
	if err != nil {
		h.rooms.SendError(c.ConnID, CodeRevealFailed, ruleMessage(err))
		return
	}

	h.state.SetGameState(c.RoomID, next)
	h.rooms.BroadcastToRoom(c.RoomID, ServerMessage{
		Type:    OutRoundSummary,
		Payload: roundSummary(next, round, year),
	})
	h.broadcastRoomState(c.RoomID, next)

	if next.Winner != nil {
		h.log.Info("game finished",
			zap.String("room", c.RoomID),
			zap.String("player", *next.Winner),
			zap.Int("rounds", len(next.Rounds)))
	}
}

func (h *Handlers) registerDevice(ctx context.Context, c *Context, m RegisterDevice) {
	ok := h.rooms.RegisterHostDevice(c.RoomID, c.ConnID, m.DeviceID)
	h.rooms.SendToConnection(c.ConnID, ServerMessage{
		Type:    OutDeviceRegistered,
		Payload: DeviceRegisteredPayload{DeviceID: m.DeviceID, Success: ok},
	})
}

func (h *Handlers) ping(ctx context.Context, c *Context, m Ping) {
	h.rooms.SendToConnection(c.ConnID, ServerMessage{Type: OutPong, Payload: struct{}{}})
}

// Disconnect runs when a transport closes. The player keeps their seat,
// score and tokens; only presence changes.
func (h *Handlers) Disconnect(ctx context.Context, connID string) {
	info, _ := h.registry.ConnectionInfo(connID)
	roomID, inRoom := h.rooms.RoomForConnection(connID)

	if inRoom && info.PlayerID != "" {
		h.markOffline(roomID, info.PlayerID, connID)
	}
	h.rooms.Disassociate(connID)
	h.registry.RemoveConnection(connID)

	if !inRoom {
		return
	}
	h.log.Info("connection left room",
		zap.String("room", roomID),
		zap.String("player", info.PlayerID),
		zap.String("conn", connID))
	if state, ok := h.state.Peek(roomID); ok {
		h.broadcastRoomState(roomID, state)
	}
}

// Sweep drops players offline for longer than the grace period and rooms
// that finished more than the retention period ago.
func (h *Handlers) Sweep(ctx context.Context, now time.Time) {
	cutoff := now.Add(-h.cfg.DisconnectGrace)

	for _, room := range h.rooms.Rooms() {
		stale := h.rooms.OfflineSince(room.ID, cutoff)
		if len(stale) == 0 {
			continue
		}

		state, ok := h.state.Peek(room.ID)
		changed := false
		for _, p := range stale {
			h.rooms.RemovePresence(room.ID, p.PlayerID)
			h.deletePlayer(p.PlayerID)
			if ok && state.Status == engine.StatusLobby {
				if next, err := engine.RemovePlayer(state, p.PlayerID); err == nil {
					state, changed = next, true
				}
			}
		}
		h.log.Info("swept offline players",
			zap.String("room", room.ID),
			zap.Int("players", len(stale)))

		if changed {
			h.commit(room.ID, state)
		}
	}

	if h.cfg.FinishedRoomTTL <= 0 {
		return
	}
	finishedCutoff := now.Add(-h.cfg.FinishedRoomTTL)
	for _, roomID := range h.state.FinishedBefore(finishedCutoff) {
		h.rooms.RemoveRoom(roomID)
		h.state.DeleteGameState(roomID)
		h.log.Info("removed finished room", zap.String("room", roomID))
	}
	h.persister.Enqueue("cleanup", "cleanup finished rooms", func(ctx context.Context, st Store) error {
		n, err := st.CleanupFinishedRooms(ctx, finishedCutoff)
		if n > 0 {
			h.log.Info("deleted finished rooms from store", zap.Int("rooms", n))
		}
		return err
	})
}

// AdoptRoom registers a stored room with the room directory. Players
// come back offline: no connection speaks for them after a restart.
func (h *Handlers) AdoptRoom(ctx context.Context, rec RoomRecord) Room {
	room := Room{
		ID:         rec.ID,
		Key:        rec.Key,
		Mode:       rec.Mode,
		PlaylistID: rec.PlaylistID,
		CreatedAt:  rec.CreatedAt,
	}
	h.rooms.AddRoom(room)

	now := h.now()
	records, err := h.store.Players(ctx, rec.ID)
	if err != nil {
		h.log.Error("load players failed", zap.String("room", rec.ID), zap.Error(err))
	}
	for _, p := range records {
		lastSeen := p.LastSeen
		if p.Connected {
			lastSeen = now
			playerID := p.ID
			h.persister.Enqueue("presence:"+playerID, "mark player offline", func(ctx context.Context, st Store) error {
				return st.SetPlayerConnected(ctx, playerID, false, "", now)
			})
		}
		h.rooms.SetPresence(rec.ID, Presence{PlayerID: p.ID, LastSeen: lastSeen})
	}

	if state, ok := h.state.Peek(rec.ID); ok {
		for _, p := range state.Players {
			if _, ok := h.rooms.Presence(rec.ID, p.ID); !ok {
				h.rooms.SetPresence(rec.ID, Presence{PlayerID: p.ID, LastSeen: now})
			}
		}
	}
	return room
}

// resolveRoom finds a room by key in memory, then in the store.
func (h *Handlers) resolveRoom(ctx context.Context, key string) (Room, bool) {
	key = NormalizeRoomKey(key)
	if room, ok := h.rooms.RoomByKey(key); ok {
		return room, true
	}
	rec, ok := h.state.LoadRoomByKey(ctx, key)
	if !ok {
		return Room{}, false
	}
	return h.AdoptRoom(ctx, rec), true
}

func (h *Handlers) gameState(ctx context.Context, c *Context) (engine.GameState, bool) {
	state, ok := h.state.GetGameState(ctx, c.RoomID)
	if !ok {
		h.rooms.SendError(c.ConnID, CodeNoGameState, "room has no game")
	}
	return state, ok
}

// switchRoom takes the connection out of its current room when it is
// about to bind to a different one.
func (h *Handlers) switchRoom(c *Context, roomID string) {
	if c.RoomID == "" || c.RoomID == roomID {
		return
	}
	prev := c.RoomID
	if c.PlayerID != "" {
		h.markOffline(prev, c.PlayerID, c.ConnID)
	}
	h.rooms.Disassociate(c.ConnID)
	c.RoomID, c.PlayerID = "", ""

	if state, ok := h.state.Peek(prev); ok {
		h.broadcastRoomState(prev, state)
	}
}

// releasePlayer takes the connection off its current player before it
// speaks for playerID in the same room.
func (h *Handlers) releasePlayer(c *Context, playerID string) {
	if c.PlayerID == "" || c.PlayerID == playerID {
		return
	}
	h.markOffline(c.RoomID, c.PlayerID, c.ConnID)
	h.registry.UnbindPlayer(c.ConnID)
	c.PlayerID = ""
}

// markOffline flips presence only when connID still speaks for the
// player; a newer connection may already have taken over.
func (h *Handlers) markOffline(roomID, playerID, connID string) {
	p, ok := h.rooms.Presence(roomID, playerID)
	if !ok || p.ConnectionID != connID {
		return
	}

	now := h.now()
	h.rooms.SetPresence(roomID, Presence{PlayerID: playerID, Connected: false, LastSeen: now})

	// A join that is still queued must not turn into a bare UPDATE.
	if state, ok := h.state.Peek(roomID); ok {
		if player, ok := state.Player(playerID); ok {
			h.savePlayer(roomID, player, "", false, now)
			return
		}
	}
	h.persister.Enqueue("presence:"+playerID, "mark player offline", func(ctx context.Context, st Store) error {
		return st.SetPlayerConnected(ctx, playerID, false, "", now)
	})
}

func (h *Handlers) savePlayer(roomID string, p engine.Player, connID string, connected bool, now time.Time) {
	rec := PlayerRecord{
		ID:        p.ID,
		RoomID:    roomID,
		Name:      p.Name,
		Avatar:    p.Avatar,
		SocketID:  connID,
		Connected: connected,
		LastSeen:  now,
		CreatedAt: now,
	}
	h.persister.Enqueue("presence:"+p.ID, "save player", func(ctx context.Context, st Store) error {
		return st.UpsertPlayer(ctx, rec)
	})
}

func (h *Handlers) deletePlayer(playerID string) {
	h.persister.Enqueue("presence:"+playerID, "delete player", func(ctx context.Context, st Store) error {
		return st.DeletePlayer(ctx, playerID)
	})
}

// commit stores next and broadcasts the new room state.
func (h *Handlers) commit(roomID string, next engine.GameState) {
	h.state.SetGameState(roomID, next)
	h.broadcastRoomState(roomID, next)
}

func (h *Handlers) broadcastRoomState(roomID string, state engine.GameState) {
	room, ok := h.rooms.Room(roomID)
	if !ok {
		return
	}
	h.rooms.BroadcastToRoom(roomID, h.roomStateMessage(room, state))
}

// playSong targets the registered host device, or the whole room when
// no device has registered.
func (h *Handlers) playSong(roomID, trackURI string) {
	msg := ServerMessage{
		Type:    OutStartSong,
		Payload: StartSongPayload{TrackURI: trackURI, PositionMs: 0},
	}
	if connID, ok := h.rooms.HostConnection(roomID); ok {
		h.rooms.SendToConnection(connID, msg)
		return
	}
	h.rooms.BroadcastToRoom(roomID, msg)
}

func (h *Handlers) roomStateMessage(room Room, s engine.GameState) ServerMessage {
	players := make([]PlayerView, 0, len(s.Players))
	for _, p := range s.Players {
		v := PlayerView{
			ID:     p.ID,
			Name:   p.Name,
			Avatar: p.Avatar,
			Tokens: p.Tokens,
			Score:  p.Score,
		}
		if pr, ok := h.rooms.Presence(room.ID, p.ID); ok {
			lastSeen := pr.LastSeen
			v.Connected = pr.Connected
			v.LastSeen = &lastSeen
		}
		players = append(players, v)
	}

	view := GameStateView{
		Status:       s.Status,
		Mode:         s.Mode,
		CurrentRound: s.CurrentRound,
		CurrentTrack: engine.CurrentTrack(s),
		Winner:       s.Winner,
		Placements:   []engine.Placement{},
		Challenges:   []engine.Challenge{},
	}
	if r, ok := s.LastRound(); ok {
		view.RoundNumber = r.RoundNumber
		view.CurrentPlayerID = r.CurrentPlayerID
		if r.Placements != nil {
			view.Placements = r.Placements
		}
		if r.Challenges != nil {
			view.Challenges = r.Challenges
		}
	}

	return ServerMessage{
		Type: OutRoomState,
		Payload: RoomStatePayload{
			RoomKey:   room.Key,
			RoomID:    room.ID,
			Players:   players,
			GameState: view,
		},
	}
}

func roundSummary(s engine.GameState, round engine.Round, year int) RoundSummaryPayload {
	timelines := make(map[string][]engine.Placement, len(s.Players))
	for _, p := range s.Players {
		timelines[p.ID] = engine.Timeline(s, p.ID)
	}
	timeline := timelines[round.CurrentPlayerID]
	if timeline == nil {
		timeline = []engine.Placement{}
	}
	return RoundSummaryPayload{
		RoundNumber: round.RoundNumber,
		ActualYear:  year,
		Timeline:    timeline,
		Timelines:   timelines,
		Scores:      engine.Scores(s),
		Winner:      s.Winner,
	}
}

func ruleMessage(err error) string {
	var re *engine.RuleError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}
