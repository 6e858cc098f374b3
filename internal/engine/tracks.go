package engine

import "math/rand/v2"

// Track is a playlist entry as supplied by the playback provider.
type Track struct {
	TrackURI    string `json:"trackUri" validate:"required"`
	Name        string `json:"name"`
	Artist      string `json:"artist"`
	ReleaseYear *int   `json:"releaseYear"`
	AlbumArt    string `json:"albumArt,omitempty"`
}

// ScorableTracks drops tracks without a release year; they can't be scored.
func ScorableTracks(tracks []Track) []Track {
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t.ReleaseYear == nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Shuffle is an in-place Fisher-Yates pass from the end of the slice,
// swapping position i with a uniform j in [0, i].
func Shuffle(tracks []Track, rng *rand.Rand) {
	for i := len(tracks) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		tracks[i], tracks[j] = tracks[j], tracks[i]
	}
}
