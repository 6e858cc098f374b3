package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// loopEvent is the closed set of things the event loop processes.
type loopEvent interface {
	isLoopEvent()
}

type connOpened struct {
	id        string
	transport Transport
}

type frameReceived struct {
	id   string
	data []byte
}

type connClosed struct {
	id string
}

type sweepTick struct {
	now time.Time
}

// callEvent runs fn on the loop and closes done afterwards.
type callEvent struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

func (connOpened) isLoopEvent()    {}
func (frameReceived) isLoopEvent() {}
func (connClosed) isLoopEvent()    {}
func (sweepTick) isLoopEvent()     {}
func (callEvent) isLoopEvent()     {}

// EventLoop is the only goroutine that touches room and game state. One
// event is handled to completion, broadcasts included, before the next
// one starts.
type EventLoop struct {
	inbox chan loopEvent
	done  chan struct{}

	registry *ConnectionManager
	router   *Router
	handlers *Handlers
	limiter  *RateLimiter
	health   *ConnectionHealth
	log      *zap.Logger
}

func NewEventLoop(size int, registry *ConnectionManager, router *Router, handlers *Handlers, limiter *RateLimiter, health *ConnectionHealth, log *zap.Logger) *EventLoop {
	return &EventLoop{
		inbox:    make(chan loopEvent, size),
		done:     make(chan struct{}),
		registry: registry,
		router:   router,
		handlers: handlers,
		limiter:  limiter,
		health:   health,
		log:      log.Named("loop"),
	}
}

// Submit queues ev. It reports false once the loop has stopped.
func (l *EventLoop) Submit(ev loopEvent) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- ev:
		return true
	case <-l.done:
		return false
	}
}

var errLoopStopped = errors.New("event loop stopped")

// Do runs fn on the loop and waits for it.
func (l *EventLoop) Do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	if !l.Submit(callEvent{fn: fn, done: done}) {
		return errLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-l.done:
		return errLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.inbox:
			l.handle(ctx, ev)
		}
	}
}

func (l *EventLoop) handle(ctx context.Context, ev loopEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	switch ev := ev.(type) {
	case connOpened:
		l.registry.AddConnection(ev.id, ev.transport)
		l.health.UpdateActivity(ev.id)
	case frameReceived:
		l.router.Route(ctx, ev.id, ev.data)
	case connClosed:
		l.handlers.Disconnect(ctx, ev.id)
		l.limiter.RemoveConnection(ev.id)
		l.health.RemoveConnection(ev.id)
	case sweepTick:
		l.handlers.Sweep(ctx, ev.now)
	case callEvent:
		defer close(ev.done)
		ev.fn(ctx)
	}
}
