package server

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// Context carries what the router resolved about the sender.
type Context struct {
	ConnID   string
	RoomID   string // empty for room-free messages from unbound connections
	PlayerID string // empty unless the connection joined or reconnected as a player
}

type HandlerFunc func(ctx context.Context, c *Context, msg Message)

// Router validates frames and dispatches them by message type. Every
// failure is answered to the sender only.
type Router struct {
	handlers map[MessageType]HandlerFunc
	rooms    *RoomManager
	registry *ConnectionManager
	log      *zap.Logger
}

func NewRouter(rooms *RoomManager, registry *ConnectionManager, log *zap.Logger) *Router {
	return &Router{
		handlers: make(map[MessageType]HandlerFunc),
		rooms:    rooms,
		registry: registry,
		log:      log.Named("router"),
	}
}

// On registers fn for the message type T.
func On[T Message](r *Router, fn func(ctx context.Context, c *Context, msg T)) {
	var zero T
	r.handlers[zero.Type()] = func(ctx context.Context, c *Context, msg Message) {
		fn(ctx, c, msg.(T))
	}
}

func (r *Router) Route(ctx context.Context, connID string, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		r.reject(connID, err)
		return
	}

	c := &Context{ConnID: connID}
	if roomID, ok := r.rooms.RoomForConnection(connID); ok {
		c.RoomID = roomID
	} else if !roomFree[msg.Type()] {
		r.rooms.SendError(connID, CodeNotInRoom, "join a room first")
		return
	}
	if info, ok := r.registry.ConnectionInfo(connID); ok {
		c.PlayerID = info.PlayerID
	}

	h, ok := r.handlers[msg.Type()]
	if !ok {
		r.rooms.SendError(connID, CodeUnhandledMessage, "no handler for "+string(msg.Type()))
		return
	}

	r.log.Debug("dispatch",
		zap.String("conn", connID),
		zap.String("room", c.RoomID),
		zap.String("type", string(msg.Type())))
	h(ctx, c, msg)
}

func (r *Router) reject(connID string, err error) {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrInvalidJSON):
		r.rooms.SendError(connID, CodeInvalidJSON, "message is not valid JSON")
	case errors.As(err, &verr):
		r.rooms.SendError(connID, CodeInvalidMessage, strings.Join(verr.Violations, "; "), verr.Violations...)
	case errors.Is(err, ErrUnknownMessageType):
		r.rooms.SendError(connID, CodeUnhandledMessage, err.Error())
	default:
		r.rooms.SendError(connID, CodeInvalidMessage, err.Error())
	}
	r.log.Debug("rejected frame", zap.String("conn", connID), zap.Error(err))
}
