package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"popster-server/internal/engine"
)

type cachedState struct {
	state     engine.GameState
	updatedAt time.Time
}

// StateManager holds the authoritative game state of every room and the
// per-room queue of tracks still to be played. Writes land in memory
// first; the durable copy follows through the Persister.
type StateManager struct {
	states map[string]*cachedState   // roomID → state
	queues map[string][]engine.Track // roomID → remaining tracks, next first
	years  map[string]map[string]int // roomID → trackURI → release year
	mu     sync.RWMutex

	store     Store
	persister *Persister
	rng       *rand.Rand
	now       func() time.Time
	log       *zap.Logger
}

func NewStateManager(store Store, persister *Persister, rng *rand.Rand, now func() time.Time, log *zap.Logger) *StateManager {
	return &StateManager{
		states:    make(map[string]*cachedState),
		queues:    make(map[string][]engine.Track),
		years:     make(map[string]map[string]int),
		store:     store,
		persister: persister,
		rng:       rng,
		now:       now,
		log:       log.Named("state"),
	}
}

// GetGameState reads from memory and falls back to the durable copy.
// Store failures are logged and reported as a miss.
func (sm *StateManager) GetGameState(ctx context.Context, roomID string) (engine.GameState, bool) {
	if s, ok := sm.Peek(roomID); ok {
		return s, true
	}

	rec, found, err := sm.store.RoomByID(ctx, roomID)
	if err != nil {
		sm.log.Error("load game state failed", zap.String("room", roomID), zap.Error(err))
		return engine.GameState{}, false
	}
	if !found {
		return engine.GameState{}, false
	}
	state, err := decodeGameState(rec.GameState)
	if err != nil {
		sm.log.Error("stored game state is unreadable", zap.String("room", roomID), zap.Error(err))
		return engine.GameState{}, false
	}

	sm.cache(roomID, state, rec.UpdatedAt)
	return state, true
}

// Peek reads the in-memory state only.
func (sm *StateManager) Peek(roomID string) (engine.GameState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	c, ok := sm.states[roomID]
	if !ok {
		return engine.GameState{}, false
	}
	return c.state, true
}

// SetGameState commits state in memory and schedules the durable write.
func (sm *StateManager) SetGameState(roomID string, state engine.GameState) {
	sm.cache(roomID, state, sm.now())
	sm.PersistGameState(roomID, state)
}

func (sm *StateManager) cache(roomID string, state engine.GameState, at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.states[roomID] = &cachedState{state: state, updatedAt: at}
}

// PersistGameState schedules a write of state. Pending writes for the
// same room collapse into the latest one.
func (sm *StateManager) PersistGameState(roomID string, state engine.GameState) {
	sm.persist(roomID, state, sm.now())
}

func (sm *StateManager) persist(roomID string, state engine.GameState, at time.Time) {
	data, err := json.Marshal(state)
	if err != nil {
		sm.log.Error("encode game state failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	sm.persister.Enqueue("state:"+roomID, "save game state", func(ctx context.Context, st Store) error {
		return st.UpdateGameState(ctx, roomID, state.Status, data, at)
	})
}

// CreateGameState caches the first state of a new room and schedules
// the room row insert.
func (sm *StateManager) CreateGameState(room Room, state engine.GameState) {
	now := sm.now()
	sm.cache(room.ID, state, now)

	data, err := json.Marshal(state)
	if err != nil {
		sm.log.Error("encode game state failed", zap.String("room", room.ID), zap.Error(err))
		return
	}
	rec := RoomRecord{
		ID:         room.ID,
		Key:        room.Key,
		Mode:       room.Mode,
		Status:     state.Status,
		GameState:  data,
		PlaylistID: room.PlaylistID,
		CreatedAt:  room.CreatedAt,
		UpdatedAt:  now,
	}
	sm.persister.Enqueue("", "create room", func(ctx context.Context, st Store) error {
		return st.CreateRoom(ctx, rec)
	})
}

// DeleteGameState forgets the room and schedules removal of its rows.
func (sm *StateManager) DeleteGameState(roomID string) {
	sm.mu.Lock()
	delete(sm.states, roomID)
	delete(sm.queues, roomID)
	delete(sm.years, roomID)
	sm.mu.Unlock()

	sm.persister.Enqueue("", "delete room", func(ctx context.Context, st Store) error {
		return st.DeleteRoom(ctx, roomID)
	})
}

// SaveAll schedules a write of every cached state. Each row keeps the
// time of its last transition. The cache stays locked until every write
// is queued, so a newer commit always queues after the snapshot it
// replaces.
func (sm *StateManager) SaveAll() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for id, c := range sm.states {
		sm.persist(id, c.state, c.updatedAt)
	}
	return len(sm.states)
}

// FinishedBefore lists rooms whose game finished and has not changed
// since cutoff.
func (sm *StateManager) FinishedBefore(cutoff time.Time) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var ids []string
	for id, c := range sm.states {
		if c.state.Status == engine.StatusFinished && c.updatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// InitializePlaylistTracks replaces the room's queue with the scorable
// tracks in shuffled order and returns the queue length.
func (sm *StateManager) InitializePlaylistTracks(roomID string, tracks []engine.Track) int {
	queue := engine.ScorableTracks(tracks)
	engine.Shuffle(queue, sm.rng)

	years := make(map[string]int, len(queue))
	for _, t := range queue {
		years[t.TrackURI] = *t.ReleaseYear
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.queues[roomID] = queue
	sm.years[roomID] = years
	return len(queue)
}

// GetNextTrack peeks at the head of the queue.
func (sm *StateManager) GetNextTrack(roomID string) (engine.Track, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	q := sm.queues[roomID]
	if len(q) == 0 {
		return engine.Track{}, false
	}
	return q[0], true
}

// ConsumeTrack pops the head of the queue. There is no way back.
func (sm *StateManager) ConsumeTrack(roomID string) (engine.Track, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	q := sm.queues[roomID]
	if len(q) == 0 {
		return engine.Track{}, false
	}
	sm.queues[roomID] = q[1:]
	return q[0], true
}

func (sm *StateManager) RemainingTracks(roomID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.queues[roomID])
}

// TrackYear is the release year of a track loaded into the room.
func (sm *StateManager) TrackYear(roomID, trackURI string) (int, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	y, ok := sm.years[roomID][trackURI]
	return y, ok
}

// LoadAllGameStates warms the cache from the store and returns the rooms
// that loaded. A room whose state does not parse is logged and skipped.
func (sm *StateManager) LoadAllGameStates(ctx context.Context) ([]RoomRecord, error) {
	recs, err := sm.store.AllRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}

	loaded := make([]RoomRecord, 0, len(recs))
	for _, rec := range recs {
		state, err := decodeGameState(rec.GameState)
		if err != nil {
			sm.log.Warn("skipping room with unreadable game state",
				zap.String("room", rec.ID), zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		sm.cache(rec.ID, state, rec.UpdatedAt)
		loaded = append(loaded, rec)
	}
	return loaded, nil
}

// LoadRoomByKey fetches a room missing from memory and caches its state.
func (sm *StateManager) LoadRoomByKey(ctx context.Context, key string) (RoomRecord, bool) {
	rec, found, err := sm.store.RoomByKey(ctx, key)
	if err != nil {
		sm.log.Error("load room failed", zap.String("key", key), zap.Error(err))
		return RoomRecord{}, false
	}
	if !found {
		return RoomRecord{}, false
	}
	state, err := decodeGameState(rec.GameState)
	if err != nil {
		sm.log.Error("stored game state is unreadable", zap.String("room", rec.ID), zap.Error(err))
		return RoomRecord{}, false
	}
	sm.cache(rec.ID, state, rec.UpdatedAt)
	return rec, true
}

func decodeGameState(data []byte) (engine.GameState, error) {
	var s engine.GameState
	if err := json.Unmarshal(data, &s); err != nil {
		return engine.GameState{}, fmt.Errorf("decode game state: %w", err)
	}
	if !s.Mode.Valid() {
		return engine.GameState{}, fmt.Errorf("decode game state: %w", engine.ErrUnknownMode)
	}
	return s, nil
}
