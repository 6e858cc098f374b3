package engine

import "slices"

type Mode string

const (
	ModeOriginal Mode = "original"
	ModePro      Mode = "pro"
	ModeExpert   Mode = "expert"
	ModeCoop     Mode = "coop"
)

type Status string

const (
	StatusLobby        Status = "lobby"
	StatusPlaying      Status = "playing"
	StatusRoundSummary Status = "round_summary"
	StatusFinished     Status = "finished"
)

type modeRules struct {
	startingTokens int
	winThreshold   int
}

var rulesByMode = map[Mode]modeRules{
	ModeOriginal: {startingTokens: 2, winThreshold: 10},
	ModePro:      {startingTokens: 3, winThreshold: 10},
	ModeExpert:   {startingTokens: 3, winThreshold: 10},
	ModeCoop:     {startingTokens: 5, winThreshold: 20},
}

func (m Mode) Valid() bool {
	_, ok := rulesByMode[m]
	return ok
}

func (m Mode) StartingTokens() int {
	return rulesByMode[m].startingTokens
}

func (m Mode) WinThreshold() int {
	return rulesByMode[m].winThreshold
}

type GameState struct {
	Mode           Mode     `json:"mode"`
	Status         Status   `json:"status"`
	Players        []Player `json:"players"`
	CurrentRound   int      `json:"currentRound"`
	Rounds         []Round  `json:"rounds"`
	Winner         *string  `json:"winner,omitempty"`
	StartingTokens int      `json:"startingTokens"`
}

type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Tokens int    `json:"tokens"`
	Score  int    `json:"score"`
}

type Card struct {
	TrackURI string `json:"trackUri"`
	Revealed bool   `json:"revealed"`
	Year     *int   `json:"year,omitempty"`
}

type Placement struct {
	Card      Card   `json:"card"`
	PlayerID  string `json:"playerId"`
	SlotIndex int    `json:"slotIndex"`
}

type ChallengeOutcome string

const (
	ChallengePending ChallengeOutcome = "pending"
	ChallengeWon     ChallengeOutcome = "won"
	ChallengeLost    ChallengeOutcome = "lost"
)

type Challenge struct {
	ChallengerID string           `json:"challengerId"`
	TargetID     string           `json:"targetId"`
	SlotIndex    int              `json:"slotIndex"`
	Outcome      ChallengeOutcome `json:"outcome"`
}

type Round struct {
	RoundNumber     int         `json:"roundNumber"`
	CurrentCard     Card        `json:"currentCard"`
	CurrentPlayerID string      `json:"currentPlayerId"`
	Placements      []Placement `json:"placements"`
	Challenges      []Challenge `json:"challenges"`
	Revealed        bool        `json:"revealed"`
	ActualYear      *int        `json:"actualYear,omitempty"`
}

// Clone returns a deep copy; transitions modify the clone only.
func (s GameState) Clone() GameState {
	out := s
	out.Players = slices.Clone(s.Players)
	out.Rounds = make([]Round, len(s.Rounds))
	for i, r := range s.Rounds {
		out.Rounds[i] = r.clone()
	}
	if s.Rounds == nil {
		out.Rounds = nil
	}
	out.Winner = clonePtr(s.Winner)
	return out
}

func (r Round) clone() Round {
	out := r
	out.CurrentCard = r.CurrentCard.clone()
	out.ActualYear = clonePtr(r.ActualYear)
	if r.Placements != nil {
		out.Placements = make([]Placement, len(r.Placements))
		for i, p := range r.Placements {
			p.Card = p.Card.clone()
			out.Placements[i] = p
		}
	}
	out.Challenges = slices.Clone(r.Challenges)
	return out
}

func (c Card) clone() Card {
	out := c
	out.Year = clonePtr(c.Year)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s GameState) playerIndex(id string) int {
	return slices.IndexFunc(s.Players, func(p Player) bool { return p.ID == id })
}

func (s GameState) HasPlayer(id string) bool {
	return s.playerIndex(id) >= 0
}

func (s GameState) Player(id string) (Player, bool) {
	i := s.playerIndex(id)
	if i < 0 {
		return Player{}, false
	}
	return s.Players[i], true
}

// OpenRound returns the last round when it has not been revealed yet.
func (s GameState) OpenRound() (Round, bool) {
	if len(s.Rounds) == 0 {
		return Round{}, false
	}
	last := s.Rounds[len(s.Rounds)-1]
	if last.Revealed {
		return Round{}, false
	}
	return last, true
}

func (s GameState) LastRound() (Round, bool) {
	if len(s.Rounds) == 0 {
		return Round{}, false
	}
	return s.Rounds[len(s.Rounds)-1], true
}
