package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"popster-server/internal/engine"
)

type MessageType string

const (
	TypeCreateRoom       MessageType = "CREATE_ROOM"
	TypeJoinRoom         MessageType = "JOIN_ROOM"
	TypeLeave            MessageType = "LEAVE"
	TypeRequestRoomState MessageType = "REQUEST_ROOM_STATE"
	TypeReconnect        MessageType = "RECONNECT"
	TypeLoadPlaylist     MessageType = "LOAD_PLAYLIST"
	TypeStartRound       MessageType = "START_ROUND"
	TypePlace            MessageType = "PLACE"
	TypeChallenge        MessageType = "CHALLENGE"
	TypeReveal           MessageType = "REVEAL"
	TypeRegisterDevice   MessageType = "REGISTER_DEVICE"
	TypePing             MessageType = "PING"
)

// Message is one decoded and validated inbound message.
type Message interface {
	Type() MessageType
}

type CreateRoom struct {
	Mode       engine.Mode `json:"mode" validate:"required,oneof=original pro expert coop"`
	PlaylistID string      `json:"playlistId,omitempty" validate:"omitempty,max=128"`
}

type JoinRoom struct {
	RoomKey string `json:"roomKey" validate:"required,len=4,alpha"`
	Name    string `json:"name" validate:"required,max=32"`
	Avatar  string `json:"avatar,omitempty" validate:"omitempty,max=64"`
}

type Leave struct{}

type RequestRoomState struct {
	RoomKey string `json:"roomKey" validate:"required,len=4,alpha"`
}

type Reconnect struct {
	RoomKey  string `json:"roomKey" validate:"required,len=4,alpha"`
	PlayerID string `json:"playerId" validate:"required,uuid"`
}

type LoadPlaylist struct {
	PlaylistID string         `json:"playlistId" validate:"required,max=128"`
	Tracks     []engine.Track `json:"tracks" validate:"required,min=1,dive"`
}

type StartRound struct {
	TrackURI string `json:"trackUri,omitempty"`
}

type Place struct {
	PlayerID  string `json:"playerId" validate:"required"`
	SlotIndex *int   `json:"slotIndex" validate:"required,min=0"`
}

type Challenge struct {
	PlayerID       string `json:"playerId" validate:"required"`
	TargetPlayerID string `json:"targetPlayerId" validate:"required"`
	SlotIndex      *int   `json:"slotIndex" validate:"required,min=0"`
}

// Reveal without a year falls back to the track's known release year.
type Reveal struct {
	Year *int `json:"year,omitempty" validate:"omitempty,min=1000,max=9999"`
}

type RegisterDevice struct {
	DeviceID string `json:"deviceId" validate:"required,max=256"`
}

type Ping struct{}

func (CreateRoom) Type() MessageType       { return TypeCreateRoom }
func (JoinRoom) Type() MessageType         { return TypeJoinRoom }
func (Leave) Type() MessageType            { return TypeLeave }
func (RequestRoomState) Type() MessageType { return TypeRequestRoomState }
func (Reconnect) Type() MessageType        { return TypeReconnect }
func (LoadPlaylist) Type() MessageType     { return TypeLoadPlaylist }
func (StartRound) Type() MessageType       { return TypeStartRound }
func (Place) Type() MessageType            { return TypePlace }
func (Challenge) Type() MessageType        { return TypeChallenge }
func (Reveal) Type() MessageType           { return TypeReveal }
func (RegisterDevice) Type() MessageType   { return TypeRegisterDevice }
func (Ping) Type() MessageType             { return TypePing }

type decodeFunc func(payload json.RawMessage) (Message, error)

// decoders lists every inbound type. A type missing here is unknown to
// the router and answered with UNHANDLED_MESSAGE.
var decoders = map[MessageType]decodeFunc{
	TypeCreateRoom:       decodeAs[CreateRoom],
	TypeJoinRoom:         decodeAs[JoinRoom],
	TypeLeave:            decodeAs[Leave],
	TypeRequestRoomState: decodeAs[RequestRoomState],
	TypeReconnect:        decodeAs[Reconnect],
	TypeLoadPlaylist:     decodeAs[LoadPlaylist],
	TypeStartRound:       decodeAs[StartRound],
	TypePlace:            decodeAs[Place],
	TypeChallenge:        decodeAs[Challenge],
	TypeReveal:           decodeAs[Reveal],
	TypeRegisterDevice:   decodeAs[RegisterDevice],
	TypePing:             decodeAs[Ping],
}

// roomFree types are accepted before the connection is bound to a room.
var roomFree = map[MessageType]bool{
	TypeCreateRoom:       true,
	TypeJoinRoom:         true,
	TypeRequestRoomState: true,
	TypeReconnect:        true,
	TypePing:             true,
}

var (
	ErrInvalidJSON        = errors.New("frame is not valid JSON")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// ValidationError lists every schema violation of one message.
type ValidationError struct {
	Type       MessageType
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s message: %s", e.Type, strings.Join(e.Violations, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report violations by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeMessage parses one frame into its typed message.
func DecodeMessage(raw []byte) (Message, error) {
	var env ClientMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidJSON
	}
	if env.Type == "" {
		return nil, &ValidationError{Violations: []string{"type: required"}}
	}

	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}
	return decode(env.Payload)
}

func decodeAs[T Message](payload json.RawMessage) (Message, error) {
	var msg T
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &ValidationError{Type: msg.Type(), Violations: []string{payloadViolation(err)}}
		}
	}

	if err := validate.Struct(msg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, &ValidationError{Type: msg.Type(), Violations: []string{err.Error()}}
		}
		violations := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			violations = append(violations, violation(fe))
		}
		return nil, &ValidationError{Type: msg.Type(), Violations: violations}
	}
	return msg, nil
}

func violation(fe validator.FieldError) string {
	// Namespace carries the struct name first; drop it.
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: %s", field, fe.Tag())
}

func payloadViolation(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s: expected %s", typeErr.Field, typeErr.Type)
	}
	return "payload: " + err.Error()
}
