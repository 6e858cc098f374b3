package server

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Transport is the outbound half of a live connection. Send must not
// block; implementations queue the message or fail.
type Transport interface {
	Send(msg ServerMessage) error
	Close(reason string)
}

// ConnectionInfo is the denormalized view of one connection.
type ConnectionInfo struct {
	ID          string
	ConnectedAt time.Time
	RoomID      string
	PlayerID    string
}

type connectionEntry struct {
	transport Transport
	info      ConnectionInfo
}

type ConnectionManager struct {
	connections map[string]*connectionEntry // connectionID → entry
	players     map[string]string           // playerID → connectionID
	now         func() time.Time
	mu          sync.RWMutex
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*connectionEntry),
		players:     make(map[string]string),
		now:         time.Now,
	}
}

func (cm *ConnectionManager) AddConnection(id string, t Transport) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[id] = &connectionEntry{
		transport: t,
		info:      ConnectionInfo{ID: id, ConnectedAt: cm.now()},
	}
}

func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	entry, ok := cm.connections[id]
	if !ok {
		return
	}
	if pid := entry.info.PlayerID; pid != "" && cm.players[pid] == id {
		delete(cm.players, pid)
	}
	delete(cm.connections, id)
}

// GetConnection returns the transport for id.
func (cm *ConnectionManager) GetConnection(id string) (Transport, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	entry, ok := cm.connections[id]
	if !ok {
		return nil, false
	}
	return entry.transport, true
}

func (cm *ConnectionManager) ConnectionInfo(id string) (ConnectionInfo, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	entry, ok := cm.connections[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return entry.info, true
}

// Connections lists every live connection, oldest first.
func (cm *ConnectionManager) Connections() []ConnectionInfo {
	cm.mu.RLock()
	out := make([]ConnectionInfo, 0, len(cm.connections))
	for _, entry := range cm.connections {
		out = append(out, entry.info)
	}
	cm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// SetRoom records the room binding. An empty roomID clears both the
// room and the player binding.
func (cm *ConnectionManager) SetRoom(id, roomID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	entry, ok := cm.connections[id]
	if !ok {
		return
	}
	entry.info.RoomID = roomID
	if roomID == "" {
		cm.unbindPlayerLocked(entry)
	}
}

// BindPlayer ties playerID to connection id. A previous connection of the
// same player loses its player binding but keeps its room.
func (cm *ConnectionManager) BindPlayer(id, roomID, playerID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	entry, ok := cm.connections[id]
	if !ok {
		return
	}
	if prev, ok := cm.players[playerID]; ok && prev != id {
		if other, ok := cm.connections[prev]; ok {
			other.info.PlayerID = ""
		}
	}
	cm.unbindPlayerLocked(entry)

	entry.info.RoomID = roomID
	entry.info.PlayerID = playerID
	cm.players[playerID] = id
}

func (cm *ConnectionManager) UnbindPlayer(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entry, ok := cm.connections[id]; ok {
		cm.unbindPlayerLocked(entry)
	}
}

func (cm *ConnectionManager) unbindPlayerLocked(entry *connectionEntry) {
	pid := entry.info.PlayerID
	if pid == "" {
		return
	}
	if cm.players[pid] == entry.info.ID {
		delete(cm.players, pid)
	}
	entry.info.PlayerID = ""
}

// ConnectionForPlayer returns the connection currently bound to playerID.
func (cm *ConnectionManager) ConnectionForPlayer(playerID string) (string, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	id, ok := cm.players[playerID]
	return id, ok
}
