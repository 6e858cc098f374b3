package engine

import (
	"cmp"
	"slices"
)

// Timeline is derived on every call from the player's placements in
// revealed rounds, oldest year first. It is never stored.
func Timeline(s GameState, playerID string) []Placement {
	timeline := []Placement{}
	for _, r := range s.Rounds {
		if !r.Revealed || r.ActualYear == nil {
			continue
		}
		for _, p := range r.Placements {
			if p.PlayerID == playerID {
				timeline = append(timeline, Placement{
					Card:      p.Card.clone(),
					PlayerID:  p.PlayerID,
					SlotIndex: p.SlotIndex,
				})
			}
		}
	}
	slices.SortStableFunc(timeline, func(a, b Placement) int {
		return cmp.Compare(yearOf(a.Card), yearOf(b.Card))
	})
	return timeline
}

func TimelineYears(s GameState, playerID string) []int {
	timeline := Timeline(s, playerID)
	years := make([]int, len(timeline))
	for i, p := range timeline {
		years[i] = yearOf(p.Card)
	}
	return years
}

// IsCorrectPlacement reports whether year fits between the neighbours of
// slot in a sorted timeline. Equal years on either side count as correct.
func IsCorrectPlacement(timeline []int, slot int, year int) bool {
	if slot < 0 || slot > len(timeline) {
		return false
	}
	if slot > 0 && year < timeline[slot-1] {
		return false
	}
	if slot < len(timeline) && year > timeline[slot] {
		return false
	}
	return true
}

func Scores(s GameState) map[string]int {
	scores := make(map[string]int, len(s.Players))
	for _, p := range s.Players {
		scores[p.ID] = p.Score
	}
	return scores
}

// CurrentTrack is the track URI of the last started round, if any.
func CurrentTrack(s GameState) string {
	if r, ok := s.LastRound(); ok {
		return r.CurrentCard.TrackURI
	}
	return ""
}

func yearOf(c Card) int {
	if c.Year == nil {
		return 0
	}
	return *c.Year
}
