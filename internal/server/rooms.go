package server

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"popster-server/internal/engine"
)

// Room is the in-memory directory entry of a game room. The game itself
// lives in the StateManager.
type Room struct {
	ID           string
	Key          string
	Mode         engine.Mode
	PlaylistID   string
	HostDeviceID string
	CreatedAt    time.Time
}

// Presence is the session-side view of a player: whether a live
// connection currently speaks for them.
type Presence struct {
	PlayerID     string
	ConnectionID string
	Connected    bool
	LastSeen     time.Time
}

type roomEntry struct {
	room     Room
	members  map[string]struct{} // connectionIDs
	presence map[string]*Presence
	hostConn string
}

// RoomManager owns the room directory, the connection↔room association
// and fan-out to a room's connections.
type RoomManager struct {
	rooms    map[string]*roomEntry // roomID → entry
	keys     map[string]string     // room key → roomID
	connRoom map[string]string     // connectionID → roomID

	registry *ConnectionManager
	rng      *rand.Rand
	log      *zap.Logger
	mu       sync.RWMutex
}

func NewRoomManager(registry *ConnectionManager, rng *rand.Rand, log *zap.Logger) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*roomEntry),
		keys:     make(map[string]string),
		connRoom: make(map[string]string),
		registry: registry,
		rng:      rng,
		log:      log.Named("rooms"),
	}
}

// CreateRoom registers a new room under a fresh, unused key.
func (rm *RoomManager) CreateRoom(mode engine.Mode, playlistID string, now time.Time) Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	taken := func(key string) bool {
		_, ok := rm.keys[key]
		return ok
	}
	room := Room{
		ID:         uuid.NewString(),
		Key:        NewRoomKey(rm.rng, taken),
		Mode:       mode,
		PlaylistID: playlistID,
		CreatedAt:  now,
	}
	rm.addRoomLocked(room)
	return room
}

// AddRoom registers an existing room, e.g. one restored from storage.
func (rm *RoomManager) AddRoom(room Room) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.rooms[room.ID]; ok {
		return
	}
	rm.addRoomLocked(room)
}

func (rm *RoomManager) addRoomLocked(room Room) {
	rm.rooms[room.ID] = &roomEntry{
		room:     room,
		members:  make(map[string]struct{}),
		presence: make(map[string]*Presence),
	}
	rm.keys[room.Key] = room.ID
}

func (rm *RoomManager) Room(roomID string) (Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	entry, ok := rm.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return entry.room, true
}

func (rm *RoomManager) RoomByKey(key string) (Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	id, ok := rm.keys[NormalizeRoomKey(key)]
	if !ok {
		return Room{}, false
	}
	return rm.rooms[id].room, true
}

func (rm *RoomManager) Rooms() []Room {
	rm.mu.RLock()
	out := make([]Room, 0, len(rm.rooms))
	for _, entry := range rm.rooms {
		out = append(out, entry.room)
	}
	rm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (rm *RoomManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

func (rm *RoomManager) SetPlaylist(roomID, playlistID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if entry, ok := rm.rooms[roomID]; ok {
		entry.room.PlaylistID = playlistID
	}
}

// RemoveRoom drops the room and disassociates every member connection.
func (rm *RoomManager) RemoveRoom(roomID string) {
	rm.mu.Lock()
	entry, ok := rm.rooms[roomID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	members := make([]string, 0, len(entry.members))
	for connID := range entry.members {
		members = append(members, connID)
		delete(rm.connRoom, connID)
	}
	delete(rm.keys, entry.room.Key)
	delete(rm.rooms, roomID)
	rm.mu.Unlock()

	for _, connID := range members {
		rm.registry.SetRoom(connID, "")
	}
}

// Associate binds connID to roomID, leaving any previous room first.
func (rm *RoomManager) Associate(connID, roomID string) bool {
	rm.mu.Lock()
	entry, ok := rm.rooms[roomID]
	if !ok {
		rm.mu.Unlock()
		return false
	}
	if prev, ok := rm.connRoom[connID]; ok && prev != roomID {
		rm.detachLocked(connID, prev)
	}
	entry.members[connID] = struct{}{}
	rm.connRoom[connID] = roomID
	rm.mu.Unlock()

	rm.registry.SetRoom(connID, roomID)
	return true
}

// Disassociate is a no-op for connections not in a room.
func (rm *RoomManager) Disassociate(connID string) {
	rm.mu.Lock()
	roomID, ok := rm.connRoom[connID]
	if ok {
		rm.detachLocked(connID, roomID)
	}
	rm.mu.Unlock()

	if ok {
		rm.registry.SetRoom(connID, "")
	}
}

func (rm *RoomManager) detachLocked(connID, roomID string) {
	delete(rm.connRoom, connID)
	entry, ok := rm.rooms[roomID]
	if !ok {
		return
	}
	delete(entry.members, connID)
	if entry.hostConn == connID {
		entry.hostConn = ""
	}
}

func (rm *RoomManager) RoomForConnection(connID string) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	id, ok := rm.connRoom[connID]
	return id, ok
}

func (rm *RoomManager) ConnectionsInRoom(roomID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	entry, ok := rm.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.members))
	for connID := range entry.members {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// RegisterHostDevice makes connID the playback target of roomID.
func (rm *RoomManager) RegisterHostDevice(roomID, connID, deviceID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	entry, ok := rm.rooms[roomID]
	if !ok {
		return false
	}
	entry.room.HostDeviceID = deviceID
	entry.hostConn = connID
	return true
}

func (rm *RoomManager) HostConnection(roomID string) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	entry, ok := rm.rooms[roomID]
	if !ok || entry.hostConn == "" {
		return "", false
	}
	return entry.hostConn, true
}

// SetPresence records a player's connection state.
func (rm *RoomManager) SetPresence(roomID string, p Presence) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if entry, ok := rm.rooms[roomID]; ok {
		cp := p
		entry.presence[p.PlayerID] = &cp
	}
}

func (rm *RoomManager) Presence(roomID, playerID string) (Presence, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	entry, ok := rm.rooms[roomID]
	if !ok {
		return Presence{}, false
	}
	p, ok := entry.presence[playerID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

func (rm *RoomManager) RemovePresence(roomID, playerID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if entry, ok := rm.rooms[roomID]; ok {
		delete(entry.presence, playerID)
	}
}

// OfflineSince lists players of roomID disconnected before cutoff.
func (rm *RoomManager) OfflineSince(roomID string, cutoff time.Time) []Presence {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	entry, ok := rm.rooms[roomID]
	if !ok {
		return nil
	}
	var out []Presence
	for _, p := range entry.presence {
		if !p.Connected && p.LastSeen.Before(cutoff) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// BroadcastToRoom delivers msg to every member. A failed delivery is
// logged and does not stop the fan-out.
func (rm *RoomManager) BroadcastToRoom(roomID string, msg ServerMessage) {
	for _, connID := range rm.ConnectionsInRoom(roomID) {
		t, ok := rm.registry.GetConnection(connID)
		if !ok {
			continue
		}
		if err := t.Send(msg); err != nil {
			rm.log.Warn("broadcast delivery failed",
				zap.String("room", roomID),
				zap.String("conn", connID),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

// SendToConnection is a no-op when the connection is gone.
func (rm *RoomManager) SendToConnection(connID string, msg ServerMessage) {
	t, ok := rm.registry.GetConnection(connID)
	if !ok {
		return
	}
	if err := t.Send(msg); err != nil {
		rm.log.Warn("send failed",
			zap.String("conn", connID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

func (rm *RoomManager) SendError(connID, code, message string, details ...string) {
	rm.SendToConnection(connID, errorMessage(code, message, details...))
}
