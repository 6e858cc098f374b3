package server

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"popster-server/internal/config"
	"popster-server/internal/database"
	"popster-server/internal/engine"
)

// fakeTransport records what would have been written to the socket.
type fakeTransport struct {
	mu      sync.Mutex
	msgs    []ServerMessage
	failErr error
	closed  bool
}

func (f *fakeTransport) Send(msg ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) messages() []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerMessage(nil), f.msgs...)
}

func (f *fakeTransport) last() ServerMessage {
	msgs := f.messages()
	if len(msgs) == 0 {
		return ServerMessage{}
	}
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) types() []OutboundType {
	var out []OutboundType
	for _, m := range f.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

func seededRand() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestDB(t *testing.T) database.Service {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    "file::memory:?_foreign_keys=on",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *PersistenceManager {
	t.Helper()
	db := newTestDB(t)
	return NewPersistenceManager(db.DB(), db.Driver())
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080, ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "file::memory:?_foreign_keys=on",
		},
		WebSocket: config.WebSocketConfig{
			PingInterval:   time.Minute,
			ReadTimeout:    time.Minute,
			WriteTimeout:   2 * time.Second,
			SendBuffer:     64,
			MaxMessageSize: 64 * 1024,
			OriginPatterns: []string{"*"},
		},
		Game: config.GameConfig{
			DisconnectGrace: 10 * time.Minute,
			SweepInterval:   time.Hour,
			SaveInterval:    0,
			FinishedRoomTTL: 24 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{PerSecond: 1000, Burst: 1000},
	}
}

// sessionHarness drives Handlers through the router without sockets.
type sessionHarness struct {
	t         *testing.T
	clock     *fakeClock
	store     *PersistenceManager
	persister *Persister
	registry  *ConnectionManager
	rooms     *RoomManager
	state     *StateManager
	handlers  *Handlers
	router    *Router
	conns     map[string]*fakeTransport
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	clock := newFakeClock()
	log := zap.NewNop()
	store := newTestStore(t)
	persister := NewPersister(store, 0, log)
	registry := NewConnectionManager()
	registry.now = clock.Now
	rng := seededRand()
	rooms := NewRoomManager(registry, rng, log)
	state := NewStateManager(store, persister, rng, clock.Now, log)
	handlers := NewHandlers(registry, rooms, state, store, persister, testConfig().Game, clock.Now, log)
	router := NewRouter(rooms, registry, log)
	handlers.Register(router)

	return &sessionHarness{
		t:         t,
		clock:     clock,
		store:     store,
		persister: persister,
		registry:  registry,
		rooms:     rooms,
		state:     state,
		handlers:  handlers,
		router:    router,
		conns:     make(map[string]*fakeTransport),
	}
}

func (h *sessionHarness) connect(id string) *fakeTransport {
	ft := &fakeTransport{}
	h.registry.AddConnection(id, ft)
	h.conns[id] = ft
	return ft
}

func (h *sessionHarness) send(connID string, typ MessageType, payload any) {
	h.t.Helper()
	h.router.Route(context.Background(), connID, frame(h.t, typ, payload))
}

func (h *sessionHarness) disconnect(connID string) {
	h.handlers.Disconnect(context.Background(), connID)
}

func (h *sessionHarness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.persister.Flush(context.Background()))
}

// createRoom returns the key and id of a new room owned by connID.
func (h *sessionHarness) createRoom(connID string, mode engine.Mode) (string, string) {
	h.t.Helper()
	ft := h.conns[connID]
	ft.reset()
	h.send(connID, TypeCreateRoom, CreateRoom{Mode: mode})
	msgs := ft.messages()
	require.NotEmpty(h.t, msgs)
	require.Equal(h.t, OutRoomCreated, msgs[0].Type)
	p := msgs[0].Payload.(RoomCreatedPayload)
	return p.RoomKey, p.RoomID
}

// join returns the new player's id.
func (h *sessionHarness) join(connID, key, name string) string {
	h.t.Helper()
	ft := h.conns[connID]
	ft.reset()
	h.send(connID, TypeJoinRoom, JoinRoom{RoomKey: key, Name: name})
	for _, m := range ft.messages() {
		if m.Type == OutJoined {
			return m.Payload.(JoinedPayload).PlayerID
		}
	}
	h.t.Fatalf("no JOINED for %s, got %v", name, ft.types())
	return ""
}

func (h *sessionHarness) gameState(roomID string) engine.GameState {
	h.t.Helper()
	s, ok := h.state.Peek(roomID)
	require.True(h.t, ok)
	return s
}

func lastError(t *testing.T, ft *fakeTransport) ErrorPayload {
	t.Helper()
	m := ft.last()
	require.Equal(t, OutError, m.Type, "expected an ERROR, got %s", m.Type)
	return m.Payload.(ErrorPayload)
}

// errorCodes lists the codes of every ERROR ft received.
func errorCodes(ft *fakeTransport) []string {
	var codes []string
	for _, m := range ft.messages() {
		if e, ok := m.Payload.(ErrorPayload); ok && m.Type == OutError {
			codes = append(codes, e.Code)
		}
	}
	return codes
}

func frame(t *testing.T, typ MessageType, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(ClientMessage{Type: typ, Payload: raw})
	require.NoError(t, err)
	return data
}

func intPtr(v int) *int { return &v }

func track(uri string, year int) engine.Track {
	return engine.Track{TrackURI: uri, Name: uri, Artist: "Artist", ReleaseYear: intPtr(year)}
}

// ============================================================================
// END-TO-END HELPERS (real sockets)
// ============================================================================

// wireMessage is ServerMessage as a client sees it.
type wireMessage struct {
	Type    OutboundType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (m wireMessage) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(m.Payload, v))
}

type testServer struct {
	srv    *Server
	http   *httptest.Server
	wsURL  string
	cancel context.CancelFunc
	done   chan error
}

func startTestServer(t *testing.T, db database.Service) *testServer {
	t.Helper()
	if db == nil {
		db = newTestDB(t)
	}
	srv, err := New(Deps{Config: testConfig(), DB: db, Logger: zap.NewNop(), Rand: seededRand()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	hs := httptest.NewServer(srv.Handler())
	ts := &testServer{
		srv:    srv,
		http:   hs,
		wsURL:  "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(ts.stop)
	return ts
}

// stop is safe to call more than once.
func (ts *testServer) stop() {
	if ts.cancel == nil {
		return
	}
	ts.http.CloseClientConnections()
	ts.http.Close()
	ts.cancel()
	<-ts.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ts.srv.Shutdown(ctx)
	ts.cancel = nil
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *testServer) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ MessageType, payload any) {
	c.t.Helper()
	c.sendRaw(frame(c.t, typ, payload))
}

func (c *client) sendRaw(data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *client) read() wireMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var m wireMessage
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m
}

// expect reads until a message of type typ arrives.
func (c *client) expect(typ OutboundType) wireMessage {
	c.t.Helper()
	for range 20 {
		m := c.read()
		if m.Type == typ {
			return m
		}
	}
	c.t.Fatalf("no %s within 20 messages", typ)
	return wireMessage{}
}

func (c *client) close() {
	c.conn.Close(websocket.StatusNormalClosure, "bye")
}
