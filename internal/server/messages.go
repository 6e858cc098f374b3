package server

import "encoding/json"

// ClientMessage is the inbound envelope. Payload is decoded per type.
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ServerMessage struct {
	Type    OutboundType `json:"type"`
	Payload any          `json:"payload"`
}

type OutboundType string

const (
	OutRoomCreated      OutboundType = "ROOM_CREATED"
	OutJoined           OutboundType = "JOINED"
	OutRoomState        OutboundType = "ROOM_STATE"
	OutStartSong        OutboundType = "START_SONG"
	OutRoundSummary     OutboundType = "ROUND_SUMMARY"
	OutPlaylistLoaded   OutboundType = "PLAYLIST_LOADED"
	OutDeviceRegistered OutboundType = "DEVICE_REGISTERED"
	OutError            OutboundType = "ERROR"
	OutPong             OutboundType = "PONG"
)

// Error codes sent in ERROR payloads.
const (
	CodeNotInRoom         = "NOT_IN_ROOM"
	CodeNoGameState       = "NO_GAME_STATE"
	CodeInvalidGameStatus = "INVALID_GAME_STATUS"
	CodeNoPlayers         = "NO_PLAYERS"
	CodePlayerNotFound    = "PLAYER_NOT_FOUND"
	CodeChallengerUnknown = "CHALLENGER_NOT_FOUND"
	CodeStartRoundFailed  = "START_ROUND_FAILED"
	CodePlaceFailed       = "PLACE_FAILED"
	CodeChallengeFailed   = "CHALLENGE_FAILED"
	CodeRevealFailed      = "REVEAL_FAILED"
	CodeInvalidJSON       = "INVALID_JSON"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeUnhandledMessage  = "UNHANDLED_MESSAGE"
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeJoinFailed        = "JOIN_FAILED"
	CodeLeaveFailed       = "LEAVE_FAILED"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeSessionReplaced   = "SESSION_REPLACED"
)

func errorMessage(code, message string, details ...string) ServerMessage {
	return ServerMessage{
		Type:    OutError,
		Payload: ErrorPayload{Code: code, Message: message, Details: details},
	}
}
