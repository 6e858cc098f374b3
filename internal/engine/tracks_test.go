package engine_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popster-server/internal/engine"
)

// constSource feeds rand.Rand the same word forever.
type constSource uint64

func (c constSource) Uint64() uint64 { return uint64(c) }

func uris(tracks []engine.Track) []string {
	out := make([]string, len(tracks))
	for i, t := range tracks {
		out[i] = t.TrackURI
	}
	return out
}

func deck(n int) []engine.Track {
	tracks := make([]engine.Track, n)
	for i := range tracks {
		year := 1960 + i
		tracks[i] = engine.Track{TrackURI: string(rune('a' + i)), ReleaseYear: &year}
	}
	return tracks
}

func TestShuffleSameSeedSameOrder(t *testing.T) {
	a, b := deck(12), deck(12)
	engine.Shuffle(a, rand.New(rand.NewPCG(7, 11)))
	engine.Shuffle(b, rand.New(rand.NewPCG(7, 11)))

	assert.Equal(t, uris(a), uris(b))
	assert.ElementsMatch(t, uris(deck(12)), uris(a))
}

func TestShuffleScansFromTheEnd(t *testing.T) {
	got := deck(8)
	engine.Shuffle(got, rand.New(rand.NewPCG(3, 5)))

	// Replay the draws: one IntN(i+1) per position, last position first.
	want := deck(8)
	rng := rand.New(rand.NewPCG(3, 5))
	for i := len(want) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		require.LessOrEqual(t, j, i)
		want[i], want[j] = want[j], want[i]
	}
	assert.Equal(t, uris(want), uris(got))
}

func TestShuffleDrawBounds(t *testing.T) {
	// The largest word maps to j == i at every step: nothing moves.
	high := deck(5)
	engine.Shuffle(high, rand.New(constSource(math.MaxUint64)))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, uris(high))

	// With two tracks the only draw is IntN(2); a zero word picks j == 0.
	pair := deck(2)
	engine.Shuffle(pair, rand.New(constSource(0)))
	assert.Equal(t, []string{"b", "a"}, uris(pair))
}

func TestShuffleShortSlices(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	engine.Shuffle(nil, rng)

	one := deck(1)
	engine.Shuffle(one, rng)
	assert.Equal(t, []string{"a"}, uris(one))
}

func TestScorableTracks(t *testing.T) {
	tracks := deck(3)
	tracks[1].ReleaseYear = nil

	assert.Equal(t, []string{"a", "c"}, uris(engine.ScorableTracks(tracks)))
}
