package server

import (
	"time"

	"popster-server/internal/engine"
)

// ============================================================================
// ERROR (ERROR)
// ============================================================================
// tygo:generate
type ErrorPayload struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// ============================================================================
// ROOM LIFECYCLE (ROOM_CREATED, JOINED)
// ============================================================================
// tygo:generate
type RoomCreatedPayload struct {
	RoomKey string      `json:"roomKey"`
	RoomID  string      `json:"roomId"`
	Mode    engine.Mode `json:"mode"`
}

// tygo:generate
type JoinedPayload struct {
	RoomKey  string `json:"roomKey"`
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

// ============================================================================
// ROOM STATE (ROOM_STATE broadcast)
// ============================================================================
// tygo:generate
type RoomStatePayload struct {
	RoomKey   string        `json:"roomKey"`
	RoomID    string        `json:"roomId"`
	Players   []PlayerView  `json:"players"`
	GameState GameStateView `json:"gameState"`
}

// tygo:generate
type PlayerView struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Avatar    string     `json:"avatar,omitempty"`
	Tokens    int        `json:"tokens"`
	Score     int        `json:"score"`
	Connected bool       `json:"connected"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

// tygo:generate
type GameStateView struct {
	Status          engine.Status      `json:"status"`
	Mode            engine.Mode        `json:"mode"`
	CurrentRound    int                `json:"currentRound"`
	RoundNumber     int                `json:"roundNumber"`
	CurrentTrack    string             `json:"currentTrack,omitempty"`
	CurrentPlayerID string             `json:"currentPlayerId,omitempty"`
	Winner          *string            `json:"winner,omitempty"`
	Placements      []engine.Placement `json:"placements"`
	Challenges      []engine.Challenge `json:"challenges"`
}

// ============================================================================
// PLAYBACK (START_SONG, DEVICE_REGISTERED, PLAYLIST_LOADED)
// ============================================================================
// tygo:generate
type StartSongPayload struct {
	TrackURI   string `json:"trackUri"`
	PositionMs int    `json:"positionMs"`
}

// tygo:generate
type DeviceRegisteredPayload struct {
	DeviceID string `json:"deviceId"`
	Success  bool   `json:"success"`
}

// tygo:generate
type PlaylistLoadedPayload struct {
	PlaylistID string `json:"playlistId"`
	Count      int    `json:"count"`
}

// ============================================================================
// ROUND SUMMARY (ROUND_SUMMARY broadcast)
// ============================================================================
// tygo:generate
type RoundSummaryPayload struct {
	RoundNumber int                           `json:"roundNumber"`
	ActualYear  int                           `json:"actualYear"`
	Timeline    []engine.Placement            `json:"timeline"`
	Timelines   map[string][]engine.Placement `json:"timelines"`
	Scores      map[string]int                `json:"scores"`
	Winner      *string                       `json:"winner,omitempty"`
}

// ============================================================================
// HTTP (GET /rooms/{key})
// ============================================================================
// tygo:generate
type JoinInfoResponse struct {
	RoomKey     string        `json:"roomKey"`
	RoomID      string        `json:"roomId"`
	Mode        engine.Mode   `json:"mode"`
	Status      engine.Status `json:"status"`
	PlayerCount int           `json:"playerCount"`
	JoinURL     string        `json:"joinUrl"`
}
