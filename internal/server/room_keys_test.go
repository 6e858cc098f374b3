package server_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"popster-server/internal/server"
)

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestNewRoomKey_Shape(t *testing.T) {
	rng := seeded()
	for range 100 {
		key := server.NewRoomKey(rng, nil)
		assert.Len(t, key, server.RoomKeyLength)
		assert.NoError(t, server.CheckRoomKey(key))
	}
}

func TestNewRoomKey_SkipsTakenKeys(t *testing.T) {
	rng := seeded()
	issued := make(map[string]bool)
	taken := func(key string) bool { return issued[key] }

	for range 1000 {
		key := server.NewRoomKey(rng, taken)
		assert.False(t, issued[key], "key %s issued twice", key)
		issued[key] = true
	}
	assert.Len(t, issued, 1000)
}

func TestNewRoomKey_SameSeedSameKey(t *testing.T) {
	first := server.NewRoomKey(seeded(), nil)
	assert.Equal(t, first, server.NewRoomKey(seeded(), nil))

	other := server.NewRoomKey(seeded(), func(key string) bool { return key == first })
	assert.NotEqual(t, first, other)
}

func TestCheckRoomKey(t *testing.T) {
	tests := []struct {
		key  string
		want error
	}{
		{"BEAR", nil},
		{"play", nil},
		{"ZZZZ", nil},
		{"", server.ErrRoomKeyLength},
		{"ABC", server.ErrRoomKeyLength},
		{"ABCDE", server.ErrRoomKeyLength},
		{"1234", server.ErrRoomKeyCharset},
		{"A-B!", server.ErrRoomKeyCharset},
		{"A BC", server.ErrRoomKeyCharset},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, server.CheckRoomKey(tt.key), "key %q", tt.key)
	}
}

func TestNormalizeRoomKey(t *testing.T) {
	assert.Equal(t, "ABCD", server.NormalizeRoomKey(" abcd "))
}
