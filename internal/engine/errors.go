package engine

// RuleError is returned by every transition that refuses an action.
// Sentinels compare by identity, so callers use errors.Is.
type RuleError struct {
	Code    string
	Message string
}

func (e *RuleError) Error() string {
	return e.Code + ": " + e.Message
}

func newRuleError(code, msg string) *RuleError {
	return &RuleError{Code: code, Message: msg}
}

var (
	ErrUnknownMode       = newRuleError("UNKNOWN_MODE", "unknown game mode")
	ErrNotInLobby        = newRuleError("NOT_IN_LOBBY", "players can only join or leave in the lobby")
	ErrDuplicatePlayer   = newRuleError("DUPLICATE_PLAYER", "player already in game")
	ErrPlayerNotFound    = newRuleError("PLAYER_NOT_FOUND", "player not found")
	ErrGameFinished      = newRuleError("GAME_FINISHED", "game is finished")
	ErrNoPlayers         = newRuleError("NO_PLAYERS", "game has no players")
	ErrRoundInProgress   = newRuleError("ROUND_IN_PROGRESS", "current round has not been revealed")
	ErrNoOpenRound       = newRuleError("NO_OPEN_ROUND", "no round is open")
	ErrNotPlaying        = newRuleError("NOT_PLAYING", "game is not in a playing round")
	ErrAlreadyPlaced     = newRuleError("ALREADY_PLACED", "player already placed a card this round")
	ErrInvalidSlot       = newRuleError("INVALID_SLOT", "slot index outside player's timeline")
	ErrSelfChallenge     = newRuleError("SELF_CHALLENGE", "cannot challenge your own placement")
	ErrChallengerUnknown = newRuleError("CHALLENGER_NOT_FOUND", "challenger not found")
	ErrNoSuchPlacement   = newRuleError("NO_SUCH_PLACEMENT", "target has no placement at that slot")
	ErrAlreadyChallenged = newRuleError("ALREADY_CHALLENGED", "target already challenged by this player this round")
	ErrNoTokens          = newRuleError("NO_TOKENS", "not enough tokens")
	ErrAlreadyRevealed   = newRuleError("ALREADY_REVEALED", "round already revealed")
)
