package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"popster-server/internal/config"
	"popster-server/internal/database"
)

const inboxSize = 1024

type Deps struct {
	Config *config.Config
	DB     database.Service
	Logger *zap.Logger
	// Rand drives room keys and playlist shuffles. Defaults to a
	// time-seeded PCG.
	Rand *rand.Rand
	Now  func() time.Time
}

type Server struct {
	cfg *config.Config
	db  database.Service
	log *zap.Logger
	now func() time.Time

	registry  *ConnectionManager
	rooms     *RoomManager
	state     *StateManager
	store     Store
	persister *Persister
	router    *Router
	handlers  *Handlers
	loop      *EventLoop
	limiter   *RateLimiter
	health    *ConnectionHealth
}

// New wires the session layer and restores persisted rooms.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.DB == nil {
		return nil, errors.New("server: config and database are required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	rng := deps.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}

	cfg := deps.Config
	store := NewPersistenceManager(deps.DB.DB(), deps.DB.Driver())
	persister := NewPersister(store, 0, log)
	registry := NewConnectionManager()
	registry.now = now
	rooms := NewRoomManager(registry, rng, log)
	state := NewStateManager(store, persister, rng, now, log)
	handlers := NewHandlers(registry, rooms, state, store, persister, cfg.Game, now, log)
	router := NewRouter(rooms, registry, log)
	handlers.Register(router)
	limiter := NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	health := NewConnectionHealth(now)

	s := &Server{
		cfg:       cfg,
		db:        deps.DB,
		log:       log,
		now:       now,
		registry:  registry,
		rooms:     rooms,
		state:     state,
		store:     store,
		persister: persister,
		router:    router,
		handlers:  handlers,
		loop:      NewEventLoop(inboxSize, registry, router, handlers, limiter, health, log),
		limiter:   limiter,
		health:    health,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.loadPersistedState(ctx); err != nil {
		// Start empty rather than not at all.
		log.Warn("failed to load persisted state", zap.Error(err))
	}
	return s, nil
}

// loadPersistedState runs before the event loop starts.
func (s *Server) loadPersistedState(ctx context.Context) error {
	recs, err := s.state.LoadAllGameStates(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		s.handlers.AdoptRoom(ctx, rec)
	}
	s.log.Info("restored rooms", zap.Int("rooms", len(recs)))
	return nil
}

// Run drives the event loop, the persister and the periodic tasks until
// ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop.Run(gctx) })
	g.Go(func() error { return s.persister.Run(gctx) })
	g.Go(func() error {
		s.sweepTask(gctx)
		return nil
	})
	g.Go(func() error {
		s.periodicSaveTask(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown flushes pending durable writes and then closes every
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.saveAll(ctx)
	flushErr := s.persister.Flush(ctx)

	// A close handshake may wait on an unresponsive peer.
	var wg sync.WaitGroup
	for _, info := range s.registry.Connections() {
		t, ok := s.registry.GetConnection(info.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Close("server shutting down")
		}()
	}
	wg.Wait()

	if flushErr != nil {
		return fmt.Errorf("flush persister: %w", flushErr)
	}
	s.log.Info("session layer stopped", zap.Int("rooms", n))
	return nil
}

// sweepTask closes silent connections and hands the room sweep to the
// event loop.
func (s *Server) sweepTask(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Game.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.closeInactive()
			s.loop.Submit(sweepTick{now: s.now()})
		}
	}
}

func (s *Server) closeInactive() {
	timeout := s.cfg.WebSocket.ReadTimeout
	if timeout <= 0 {
		return
	}
	for _, id := range s.health.InactiveConnections(timeout) {
		if t, ok := s.registry.GetConnection(id); ok {
			s.log.Info("closing silent connection", zap.String("conn", id))
			t.Close("heartbeat timeout")
		}
	}
}

// periodicSaveTask re-persists every room so that a failed write is
// repaired by the next pass.
func (s *Server) periodicSaveTask(ctx context.Context) {
	if s.cfg.Game.SaveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Game.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.saveAll(ctx)
			s.log.Debug("periodic save queued", zap.Int("rooms", n))
		}
	}
}

// saveAll queues a write of every cached room from the event loop. Once
// the loop has stopped nothing else commits, so the caller saves directly.
func (s *Server) saveAll(ctx context.Context) int {
	saved := make(chan int, 1)
	err := s.loop.Do(ctx, func(context.Context) {
		select {
		case saved <- s.state.SaveAll():
		default:
		}
	})
	if errors.Is(err, errLoopStopped) {
		return s.state.SaveAll()
	}
	if err != nil {
		s.log.Warn("save skipped", zap.Error(err))
		return 0
	}
	return <-saved
}
