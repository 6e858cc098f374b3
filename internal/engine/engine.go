package engine

// NewGame returns a fresh lobby for the given mode.
func NewGame(mode Mode) (GameState, error) {
	if !mode.Valid() {
		return GameState{}, ErrUnknownMode
	}
	return GameState{
		Mode:           mode,
		Status:         StatusLobby,
		Players:        []Player{},
		CurrentRound:   -1,
		Rounds:         []Round{},
		StartingTokens: mode.StartingTokens(),
	}, nil
}

func JoinPlayer(s GameState, p Player) (GameState, error) {
	if s.Status != StatusLobby {
		return s, ErrNotInLobby
	}
	if s.HasPlayer(p.ID) {
		return s, ErrDuplicatePlayer
	}

	next := s.Clone()
	p.Tokens = s.StartingTokens
	p.Score = 0
	next.Players = append(next.Players, p)
	return next, nil
}

func RemovePlayer(s GameState, playerID string) (GameState, error) {
	if s.Status != StatusLobby {
		return s, ErrNotInLobby
	}
	i := s.playerIndex(playerID)
	if i < 0 {
		return s, ErrPlayerNotFound
	}

	next := s.Clone()
	next.Players = append(next.Players[:i], next.Players[i+1:]...)
	return next, nil
}

// StartRound opens a new round for card. An empty playerID picks the
// acting player round robin over the join order.
func StartRound(s GameState, card Card, playerID string) (GameState, error) {
	if s.Status == StatusFinished {
		return s, ErrGameFinished
	}
	if len(s.Players) == 0 {
		return s, ErrNoPlayers
	}
	if _, open := s.OpenRound(); open {
		return s, ErrRoundInProgress
	}

	if playerID == "" {
		playerID = s.Players[len(s.Rounds)%len(s.Players)].ID
	} else if !s.HasPlayer(playerID) {
		return s, ErrPlayerNotFound
	}

	next := s.Clone()
	next.Rounds = append(next.Rounds, Round{
		RoundNumber:     len(s.Rounds) + 1,
		CurrentCard:     Card{TrackURI: card.TrackURI},
		CurrentPlayerID: playerID,
		Placements:      []Placement{},
		Challenges:      []Challenge{},
	})
	next.CurrentRound = len(next.Rounds) - 1
	next.Status = StatusPlaying
	return next, nil
}

// PlaceCard records where playerID inserts the current card in their own
// timeline. Correctness is only known once the year is revealed.
func PlaceCard(s GameState, playerID string, slotIndex int) (GameState, error) {
	round, open := s.OpenRound()
	if !open {
		return s, ErrNoOpenRound
	}
	if s.Status != StatusPlaying {
		return s, ErrNotPlaying
	}
	if !s.HasPlayer(playerID) {
		return s, ErrPlayerNotFound
	}
	if _, placed := findPlacement(round, playerID); placed {
		return s, ErrAlreadyPlaced
	}
	if slotIndex < 0 || slotIndex > len(Timeline(s, playerID)) {
		return s, ErrInvalidSlot
	}

	next := s.Clone()
	r := &next.Rounds[len(next.Rounds)-1]
	r.Placements = append(r.Placements, Placement{
		Card:      r.CurrentCard.clone(),
		PlayerID:  playerID,
		SlotIndex: slotIndex,
	})
	return next, nil
}

// ChallengePlacement spends one of the challenger's tokens now; the
// challenge is settled in RevealYear.
func ChallengePlacement(s GameState, challengerID, targetID string, slotIndex int) (GameState, error) {
	round, open := s.OpenRound()
	if !open {
		return s, ErrNoOpenRound
	}
	if s.Status != StatusPlaying {
		return s, ErrNotPlaying
	}
	if challengerID == targetID {
		return s, ErrSelfChallenge
	}
	if !s.HasPlayer(challengerID) {
		return s, ErrChallengerUnknown
	}
	if !s.HasPlayer(targetID) {
		return s, ErrPlayerNotFound
	}
	p, placed := findPlacement(round, targetID)
	if !placed || p.SlotIndex != slotIndex {
		return s, ErrNoSuchPlacement
	}
	for _, c := range round.Challenges {
		if c.ChallengerID == challengerID && c.TargetID == targetID {
			return s, ErrAlreadyChallenged
		}
	}

	next, err := SpendToken(s, challengerID)
	if err != nil {
		return s, err
	}
	r := &next.Rounds[len(next.Rounds)-1]
	r.Challenges = append(r.Challenges, Challenge{
		ChallengerID: challengerID,
		TargetID:     targetID,
		SlotIndex:    slotIndex,
		Outcome:      ChallengePending,
	})
	return next, nil
}

// RevealYear closes the open round: every placement is scored against the
// placing player's own timeline, challenges are settled and the win
// threshold is checked.
func RevealYear(s GameState, year int) (GameState, error) {
	last, ok := s.LastRound()
	if !ok {
		return s, ErrNoOpenRound
	}
	if last.Revealed {
		return s, ErrAlreadyRevealed
	}

	correct := make(map[string]bool, len(last.Placements))
	for _, p := range last.Placements {
		correct[p.PlayerID] = IsCorrectPlacement(TimelineYears(s, p.PlayerID), p.SlotIndex, year)
	}

	next := s.Clone()
	r := &next.Rounds[len(next.Rounds)-1]
	r.Revealed = true
	r.ActualYear = &year
	r.CurrentCard.Revealed = true
	r.CurrentCard.Year = clonePtr(&year)
	for i := range r.Placements {
		r.Placements[i].Card = r.CurrentCard.clone()
		if correct[r.Placements[i].PlayerID] {
			next.Players[next.playerIndex(r.Placements[i].PlayerID)].Score++
		}
	}

	for i := range r.Challenges {
		c := &r.Challenges[i]
		challenger := next.playerIndex(c.ChallengerID)
		target := next.playerIndex(c.TargetID)
		if correct[c.TargetID] {
			c.Outcome = ChallengeLost
			if target >= 0 {
				next.credit(target)
			}
			continue
		}
		c.Outcome = ChallengeWon
		if challenger >= 0 {
			next.credit(challenger)
			next.Players[challenger].Score++
		}
	}

	if winner, ok := checkWinner(next); ok {
		next.Winner = &winner
		next.Status = StatusFinished
	} else {
		next.Status = StatusRoundSummary
	}
	return next, nil
}

// SpendToken fails when the balance is already zero or below.
func SpendToken(s GameState, playerID string) (GameState, error) {
	i := s.playerIndex(playerID)
	if i < 0 {
		return s, ErrPlayerNotFound
	}
	if s.Players[i].Tokens <= 0 {
		return s, ErrNoTokens
	}
	next := s.Clone()
	next.Players[i].Tokens--
	return next, nil
}

func AwardToken(s GameState, playerID string) (GameState, error) {
	i := s.playerIndex(playerID)
	if i < 0 {
		return s, ErrPlayerNotFound
	}
	next := s.Clone()
	next.credit(i)
	return next, nil
}

// credit is the only place a token balance grows.
func (s *GameState) credit(i int) {
	s.Players[i].Tokens++
}

// checkWinner picks the first player in join order at or above the mode
// threshold.
func checkWinner(s GameState) (string, bool) {
	threshold := s.Mode.WinThreshold()
	for _, p := range s.Players {
		if p.Score >= threshold {
			return p.ID, true
		}
	}
	return "", false
}

func findPlacement(r Round, playerID string) (Placement, bool) {
	for _, p := range r.Placements {
		if p.PlayerID == playerID {
			return p, true
		}
	}
	return Placement{}, false
}
