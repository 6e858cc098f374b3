package server

import (
	"errors"
	"math/rand/v2"
	"strings"
)

// RoomKeyLength is the number of letters in a room key.
const RoomKeyLength = 4

var (
	ErrRoomKeyLength  = errors.New("room key must be exactly 4 characters")
	ErrRoomKeyCharset = errors.New("room key must contain only letters A-Z")
)

// NewRoomKey draws uppercase keys from rng until taken reports one as free.
func NewRoomKey(rng *rand.Rand, taken func(key string) bool) string {
	var buf [RoomKeyLength]byte
	for {
		for i := range buf {
			buf[i] = 'A' + byte(rng.IntN(26))
		}
		if key := string(buf[:]); taken == nil || !taken(key) {
			return key
		}
	}
}

// CheckRoomKey accepts keys in either case.
func CheckRoomKey(key string) error {
	if len(key) != RoomKeyLength {
		return ErrRoomKeyLength
	}
	for _, ch := range strings.ToUpper(key) {
		if ch < 'A' || ch > 'Z' {
			return ErrRoomKeyCharset
		}
	}
	return nil
}

func NormalizeRoomKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
