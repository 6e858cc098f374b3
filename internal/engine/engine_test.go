package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popster-server/internal/engine"
)

func newLobby(t *testing.T, mode engine.Mode, ids ...string) engine.GameState {
	t.Helper()
	s, err := engine.NewGame(mode)
	require.NoError(t, err)
	for _, id := range ids {
		s, err = engine.JoinPlayer(s, engine.Player{ID: id, Name: id})
		require.NoError(t, err)
	}
	return s
}

// playRound starts a round, appends the card to the end of each placer's
// timeline and reveals year.
func playRound(t *testing.T, s engine.GameState, uri string, year int, placers ...string) engine.GameState {
	t.Helper()
	s, err := engine.StartRound(s, engine.Card{TrackURI: uri}, "")
	require.NoError(t, err)
	for _, id := range placers {
		s, err = engine.PlaceCard(s, id, len(engine.Timeline(s, id)))
		require.NoError(t, err)
	}
	s, err = engine.RevealYear(s, year)
	require.NoError(t, err)
	return s
}

func TestNewGame(t *testing.T) {
	s, err := engine.NewGame(engine.ModeOriginal)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusLobby, s.Status)
	assert.Empty(t, s.Players)
	assert.Equal(t, 2, s.StartingTokens)
	assert.Equal(t, -1, s.CurrentRound)
	assert.Nil(t, s.Winner)

	coop, err := engine.NewGame(engine.ModeCoop)
	require.NoError(t, err)
	assert.Equal(t, 5, coop.StartingTokens)

	_, err = engine.NewGame("speedrun")
	assert.ErrorIs(t, err, engine.ErrUnknownMode)
}

func TestJoinPlayer(t *testing.T) {
	s := newLobby(t, engine.ModePro, "alice")

	assert.Equal(t, 3, s.Players[0].Tokens)
	assert.Equal(t, 0, s.Players[0].Score)

	_, err := engine.JoinPlayer(s, engine.Player{ID: "alice"})
	assert.ErrorIs(t, err, engine.ErrDuplicatePlayer)

	s = playRound(t, s, "t1", 2000, "alice")
	_, err = engine.JoinPlayer(s, engine.Player{ID: "bob"})
	assert.ErrorIs(t, err, engine.ErrNotInLobby)
}

func TestRemovePlayerKeepsOrder(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p0", "p1", "p2")

	next, err := engine.RemovePlayer(s, "p1")
	require.NoError(t, err)
	require.Len(t, next.Players, 2)
	assert.Equal(t, "p0", next.Players[0].ID)
	assert.Equal(t, "p2", next.Players[1].ID)
	assert.Len(t, s.Players, 3)

	_, err = engine.RemovePlayer(s, "ghost")
	assert.ErrorIs(t, err, engine.ErrPlayerNotFound)
}

func TestStartRoundPreconditions(t *testing.T) {
	empty := newLobby(t, engine.ModeOriginal)
	_, err := engine.StartRound(empty, engine.Card{TrackURI: "t1"}, "")
	assert.ErrorIs(t, err, engine.ErrNoPlayers)

	s := newLobby(t, engine.ModeOriginal, "alice")
	s, err = engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPlaying, s.Status)
	assert.Equal(t, 0, s.CurrentRound)
	assert.Equal(t, 1, s.Rounds[0].RoundNumber)
	assert.False(t, s.Rounds[0].Revealed)

	_, err = engine.StartRound(s, engine.Card{TrackURI: "t2"}, "")
	assert.ErrorIs(t, err, engine.ErrRoundInProgress)

	_, err = engine.StartRound(newLobby(t, engine.ModeOriginal, "alice"), engine.Card{TrackURI: "t1"}, "bob")
	assert.ErrorIs(t, err, engine.ErrPlayerNotFound)
}

func TestStartRoundRoundRobin(t *testing.T) {
	ids := []string{"p0", "p1", "p2"}
	s := newLobby(t, engine.ModeOriginal, ids...)

	for k := range 7 {
		var err error
		s, err = engine.StartRound(s, engine.Card{TrackURI: "t"}, "")
		require.NoError(t, err)
		assert.Equal(t, ids[k%len(ids)], s.Rounds[k].CurrentPlayerID, "round %d", k)
		s, err = engine.RevealYear(s, 1990)
		require.NoError(t, err)
	}
}

func TestStartRoundExplicitPlayer(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p0", "p1")
	s, err := engine.StartRound(s, engine.Card{TrackURI: "t1"}, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", s.Rounds[0].CurrentPlayerID)
}

func TestPlaceCard(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "alice", "bob")

	_, err := engine.PlaceCard(s, "alice", 0)
	assert.ErrorIs(t, err, engine.ErrNoOpenRound)

	s, err = engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)

	s, err = engine.PlaceCard(s, "alice", 0)
	require.NoError(t, err)
	require.Len(t, s.Rounds[0].Placements, 1)
	assert.Equal(t, "t1", s.Rounds[0].Placements[0].Card.TrackURI)

	_, err = engine.PlaceCard(s, "alice", 0)
	assert.ErrorIs(t, err, engine.ErrAlreadyPlaced)

	_, err = engine.PlaceCard(s, "bob", 1)
	assert.ErrorIs(t, err, engine.ErrInvalidSlot)

	_, err = engine.PlaceCard(s, "bob", -1)
	assert.ErrorIs(t, err, engine.ErrInvalidSlot)

	_, err = engine.PlaceCard(s, "carol", 0)
	assert.ErrorIs(t, err, engine.ErrPlayerNotFound)
}

func TestPlaceCardSlotRangeGrowsWithTimeline(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "alice")
	s = playRound(t, s, "t1", 2000, "alice")
	s = playRound(t, s, "t2", 2010, "alice")

	s, err := engine.StartRound(s, engine.Card{TrackURI: "t3"}, "")
	require.NoError(t, err)

	_, err = engine.PlaceCard(s, "alice", 3)
	assert.ErrorIs(t, err, engine.ErrInvalidSlot)

	_, err = engine.PlaceCard(s, "alice", 2)
	assert.NoError(t, err)
}

func TestFullRoundScenario(t *testing.T) {
	s, err := engine.NewGame(engine.ModeOriginal)
	require.NoError(t, err)
	s, err = engine.JoinPlayer(s, engine.Player{ID: "alice", Name: "Alice"})
	require.NoError(t, err)
	s, err = engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "alice", 0)
	require.NoError(t, err)
	s, err = engine.RevealYear(s, 2000)
	require.NoError(t, err)

	assert.True(t, s.Rounds[0].Revealed)
	require.NotNil(t, s.Rounds[0].ActualYear)
	assert.Equal(t, 2000, *s.Rounds[0].ActualYear)
	assert.True(t, s.Rounds[0].CurrentCard.Revealed)
	assert.Equal(t, 1, s.Players[0].Score)
	assert.Equal(t, engine.StatusRoundSummary, s.Status)
}

func TestRevealYearScoresAgainstOwnTimeline(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "alice", "bob")
	s = playRound(t, s, "t1", 2000, "alice")
	s = playRound(t, s, "t2", 2010, "alice")

	s, err := engine.StartRound(s, engine.Card{TrackURI: "t3"}, "")
	require.NoError(t, err)
	// alice's timeline is [2000, 2010]; bob's is empty.
	s, err = engine.PlaceCard(s, "alice", 1)
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "bob", 0)
	require.NoError(t, err)

	revealed, err := engine.RevealYear(s, 2015)
	require.NoError(t, err)
	assert.Equal(t, 2, revealed.Players[0].Score, "2015 does not fit between 2000 and 2010")
	assert.Equal(t, 1, revealed.Players[1].Score, "first card always fits")

	revealed, err = engine.RevealYear(s, 2005)
	require.NoError(t, err)
	assert.Equal(t, 3, revealed.Players[0].Score)
}

func TestRevealYearErrors(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "alice")

	_, err := engine.RevealYear(s, 2000)
	assert.ErrorIs(t, err, engine.ErrNoOpenRound)

	s = playRound(t, s, "t1", 2000)
	_, err = engine.RevealYear(s, 2001)
	assert.ErrorIs(t, err, engine.ErrAlreadyRevealed)
}

func TestChallengeSpendsTokenImmediately(t *testing.T) {
	s := newLobby(t, engine.ModePro, "p1", "p2")
	s, err := engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "p2", 0)
	require.NoError(t, err)

	require.Equal(t, 3, s.Players[0].Tokens)
	s, err = engine.ChallengePlacement(s, "p1", "p2", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Players[0].Tokens)
	require.Len(t, s.Rounds[0].Challenges, 1)
	assert.Equal(t, engine.ChallengePending, s.Rounds[0].Challenges[0].Outcome)

	_, err = engine.ChallengePlacement(s, "p1", "p2", 0)
	assert.ErrorIs(t, err, engine.ErrAlreadyChallenged)
}

func TestChallengePreconditions(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p1", "p2")

	_, err := engine.ChallengePlacement(s, "p1", "p2", 0)
	assert.ErrorIs(t, err, engine.ErrNoOpenRound)

	s, err = engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "p2", 0)
	require.NoError(t, err)

	tests := []struct {
		name       string
		challenger string
		target     string
		slot       int
		want       error
	}{
		{"self", "p2", "p2", 0, engine.ErrSelfChallenge},
		{"unknown challenger", "ghost", "p2", 0, engine.ErrChallengerUnknown},
		{"unknown target", "p1", "ghost", 0, engine.ErrPlayerNotFound},
		{"wrong slot", "p1", "p2", 1, engine.ErrNoSuchPlacement},
		{"target without placement", "p2", "p1", 0, engine.ErrNoSuchPlacement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ChallengePlacement(s, tt.challenger, tt.target, tt.slot)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChallengeWithoutTokens(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p1", "p2", "p3")
	s, err := engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "p2", 0)
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "p3", 0)
	require.NoError(t, err)

	s, err = engine.ChallengePlacement(s, "p1", "p2", 0)
	require.NoError(t, err)
	s, err = engine.ChallengePlacement(s, "p1", "p3", 0)
	require.NoError(t, err)
	require.Equal(t, 0, s.Players[0].Tokens)

	s, err = engine.RevealYear(s, 2000)
	require.NoError(t, err)
	s, err = engine.StartRound(s, engine.Card{TrackURI: "t2"}, "")
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "p2", 0)
	require.NoError(t, err)

	// both targets were right, so p1's tokens are gone
	before := s.Clone()
	_, err = engine.ChallengePlacement(s, "p1", "p2", 0)
	assert.ErrorIs(t, err, engine.ErrNoTokens)
	assert.Equal(t, before, s)
}

func TestChallengeSettlement(t *testing.T) {
	setup := func(t *testing.T) engine.GameState {
		s := newLobby(t, engine.ModeOriginal, "p1", "p2")
		s = playRound(t, s, "t0", 2000, "p2")
		s, err := engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
		require.NoError(t, err)
		// p2 claims the new card is older than 2000
		s, err = engine.PlaceCard(s, "p2", 0)
		require.NoError(t, err)
		s, err = engine.ChallengePlacement(s, "p1", "p2", 0)
		require.NoError(t, err)
		return s
	}

	t.Run("challenger wins", func(t *testing.T) {
		s, err := engine.RevealYear(setup(t), 2010)
		require.NoError(t, err)

		p1, _ := s.Player("p1")
		p2, _ := s.Player("p2")
		assert.Equal(t, engine.ChallengeWon, s.Rounds[1].Challenges[0].Outcome)
		assert.Equal(t, 2, p1.Tokens, "token refunded")
		assert.Equal(t, 1, p1.Score)
		assert.Equal(t, 2, p2.Tokens)
		assert.Equal(t, 1, p2.Score)
	})

	t.Run("challenger loses", func(t *testing.T) {
		s, err := engine.RevealYear(setup(t), 1990)
		require.NoError(t, err)

		p1, _ := s.Player("p1")
		p2, _ := s.Player("p2")
		assert.Equal(t, engine.ChallengeLost, s.Rounds[1].Challenges[0].Outcome)
		assert.Equal(t, 1, p1.Tokens)
		assert.Equal(t, 0, p1.Score)
		assert.Equal(t, 3, p2.Tokens)
		assert.Equal(t, 2, p2.Score)
	})
}

func TestTokenEconomy(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p1")

	s, err := engine.AwardToken(s, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Players[0].Tokens)

	for range 3 {
		s, err = engine.SpendToken(s, "p1")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.Players[0].Tokens)

	before := s.Clone()
	next, err := engine.SpendToken(s, "p1")
	assert.ErrorIs(t, err, engine.ErrNoTokens)
	assert.Equal(t, before, next)
	assert.Equal(t, before, s)

	_, err = engine.AwardToken(s, "ghost")
	assert.ErrorIs(t, err, engine.ErrPlayerNotFound)
}

func TestWinCondition(t *testing.T) {
	tests := []struct {
		mode      engine.Mode
		threshold int
	}{
		{engine.ModeOriginal, 10},
		{engine.ModeExpert, 10},
		{engine.ModeCoop, 20},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			s := newLobby(t, tt.mode, "alice", "bob")
			for k := 1; k <= tt.threshold; k++ {
				// ascending years always fit at the end of alice's timeline
				var err error
				s, err = engine.StartRound(s, engine.Card{TrackURI: "t"}, "")
				require.NoError(t, err)
				s, err = engine.PlaceCard(s, "alice", k-1)
				require.NoError(t, err)
				s, err = engine.RevealYear(s, 1900+k)
				require.NoError(t, err)

				if k < tt.threshold {
					assert.Equal(t, engine.StatusRoundSummary, s.Status, "round %d", k)
					assert.Nil(t, s.Winner)
				}
			}
			assert.Equal(t, engine.StatusFinished, s.Status)
			require.NotNil(t, s.Winner)
			assert.Equal(t, "alice", *s.Winner)

			_, err := engine.StartRound(s, engine.Card{TrackURI: "t"}, "")
			assert.ErrorIs(t, err, engine.ErrGameFinished)
		})
	}
}

func TestWinTieBrokenByJoinOrder(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "alice", "bob")
	for k := 1; k <= 10; k++ {
		var err error
		s, err = engine.StartRound(s, engine.Card{TrackURI: "t"}, "")
		require.NoError(t, err)
		s, err = engine.PlaceCard(s, "bob", k-1)
		require.NoError(t, err)
		s, err = engine.PlaceCard(s, "alice", k-1)
		require.NoError(t, err)
		s, err = engine.RevealYear(s, 1900+k)
		require.NoError(t, err)
	}
	require.NotNil(t, s.Winner)
	assert.Equal(t, "alice", *s.Winner)
}

func TestTransitionsDoNotMutateInput(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p1", "p2")
	s = playRound(t, s, "t0", 2000, "p1", "p2")

	steps := []func(engine.GameState) (engine.GameState, error){
		func(s engine.GameState) (engine.GameState, error) {
			return engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
		},
		func(s engine.GameState) (engine.GameState, error) { return engine.PlaceCard(s, "p2", 1) },
		func(s engine.GameState) (engine.GameState, error) { return engine.PlaceCard(s, "p1", 0) },
		func(s engine.GameState) (engine.GameState, error) { return engine.ChallengePlacement(s, "p1", "p2", 1) },
		func(s engine.GameState) (engine.GameState, error) { return engine.RevealYear(s, 1995) },
		func(s engine.GameState) (engine.GameState, error) { return engine.AwardToken(s, "p2") },
		func(s engine.GameState) (engine.GameState, error) { return engine.SpendToken(s, "p2") },
	}
	for i, step := range steps {
		before := s.Clone()
		next, err := step(s)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, before, s, "step %d mutated its input", i)
		assert.NotEqual(t, s, next, "step %d", i)
		s = next
	}

	lobby := newLobby(t, engine.ModeOriginal, "a", "b", "c")
	before := lobby.Clone()
	_, err := engine.RemovePlayer(lobby, "a")
	require.NoError(t, err)
	_, err = engine.JoinPlayer(lobby, engine.Player{ID: "d"})
	require.NoError(t, err)
	assert.Equal(t, before, lobby)
}

func TestSettlementCreditsLikeAwardToken(t *testing.T) {
	s := newLobby(t, engine.ModeOriginal, "p1", "p2")
	s = playRound(t, s, "t0", 2000, "p2")
	s, err := engine.StartRound(s, engine.Card{TrackURI: "t1"}, "")
	require.NoError(t, err)
	s, err = engine.PlaceCard(s, "p2", 1)
	require.NoError(t, err)
	s, err = engine.ChallengePlacement(s, "p1", "p2", 1)
	require.NoError(t, err)

	awarded, err := engine.AwardToken(s, "p1")
	require.NoError(t, err)
	wantChallenger, _ := awarded.Player("p1")
	awarded, err = engine.AwardToken(s, "p2")
	require.NoError(t, err)
	wantTarget, _ := awarded.Player("p2")

	// p2 is wrong about 1990, so p1 wins the challenge
	won, err := engine.RevealYear(s, 1990)
	require.NoError(t, err)
	p1, _ := won.Player("p1")
	assert.Equal(t, wantChallenger.Tokens, p1.Tokens)

	// p2 is right about 2010, so p2 collects the token
	lost, err := engine.RevealYear(s, 2010)
	require.NoError(t, err)
	p2, _ := lost.Player("p2")
	assert.Equal(t, wantTarget.Tokens, p2.Tokens)
}
