package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"popster-server/internal/engine"
)

const qrSize = 320

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/ws", s.websocketHandler)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.log.Named("http")))
		r.Get("/health", s.healthHandler)
		r.Get("/rooms/{key}", s.joinInfoHandler)
		r.Get("/rooms/{key}/qr", s.qrHandler)
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	db := s.db.Health(r.Context())
	status := http.StatusOK
	if db["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"database":    db,
		"connections": s.registry.Count(),
		"rooms":       s.rooms.Count(),
		"pending":     s.persister.Pending(),
	})
}

func (s *Server) joinInfoHandler(w http.ResponseWriter, r *http.Request) {
	room, state, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, JoinInfoResponse{
		RoomKey:     room.Key,
		RoomID:      room.ID,
		Mode:        room.Mode,
		Status:      state.Status,
		PlayerCount: len(state.Players),
		JoinURL:     s.joinURL(r, room.Key),
	})
}

func (s *Server) qrHandler(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	png, err := qrcode.Encode(s.joinURL(r, room.Key), qrcode.Medium, qrSize)
	if err != nil {
		s.log.Error("qr encode failed", zap.String("room", room.ID), zap.Error(err))
		http.Error(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.log.Debug("write qr response", zap.Error(err))
	}
}

// lookupRoom resolves {key} on the event loop and writes the error
// response itself when there is no such room.
func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request) (Room, engine.GameState, bool) {
	key := chi.URLParam(r, "key")
	if err := CheckRoomKey(key); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorPayload{Code: CodeInvalidPayload, Message: err.Error()})
		return Room{}, engine.GameState{}, false
	}

	var (
		room  Room
		state engine.GameState
		found bool
	)
	err := s.loop.Do(r.Context(), func(ctx context.Context) {
		if room, found = s.handlers.resolveRoom(ctx, key); found {
			state, found = s.state.Peek(room.ID)
		}
	})
	if err != nil {
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return Room{}, engine.GameState{}, false
	}
	if !found {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Code: CodeRoomNotFound, Message: "no room with key " + NormalizeRoomKey(key)})
		return Room{}, engine.GameState{}, false
	}
	return room, state, true
}

func (s *Server) joinURL(r *http.Request, key string) string {
	base := strings.TrimRight(s.cfg.Server.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s/join/%s", base, key)
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.WebSocket.OriginPatterns,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	if s.cfg.WebSocket.MaxMessageSize > 0 {
		socket.SetReadLimit(s.cfg.WebSocket.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connectionID := uuid.NewString()
	log := s.log.With(zap.String("conn", connectionID))
	transport := newWSTransport(connectionID, socket,
		s.cfg.WebSocket.SendBuffer, s.cfg.WebSocket.WriteTimeout, s.cfg.WebSocket.PingInterval,
		s.health, log)
	go transport.writePump(ctx)

	if !s.loop.Submit(connOpened{id: connectionID, transport: transport}) {
		transport.Close("server shutting down")
		return
	}
	log.Info("connection opened", zap.String("remote", r.RemoteAddr))

	defer func() {
		transport.Close("")
		s.loop.Submit(connClosed{id: connectionID})
		log.Info("connection closed")
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.Debug("read ended", zap.Error(err))
			return
		}
		if msgType != websocket.MessageText {
			reject(transport, errorMessage(CodeInvalidJSON, "binary frames are not supported"), log)
			continue
		}

		s.health.UpdateActivity(connectionID)
		if !s.limiter.Allow(connectionID) {
			reject(transport, errorMessage(CodeRateLimited, "too many messages, slow down"), log)
			continue
		}
		if !s.loop.Submit(frameReceived{id: connectionID, data: data}) {
			return
		}
	}
}

// reject answers a frame the loop never sees.
func reject(t Transport, msg ServerMessage, log *zap.Logger) {
	if err := t.Send(msg); err != nil {
		log.Debug("send failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
