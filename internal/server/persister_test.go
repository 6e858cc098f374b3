package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type jobLog struct {
	mu   sync.Mutex
	runs []string
}

func (l *jobLog) job(name string) func(context.Context, Store) error {
	return func(context.Context, Store) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.runs = append(l.runs, name)
		return nil
	}
}

func (l *jobLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.runs...)
}

func TestPersister_FlushRunsInOrder(t *testing.T) {
	p := NewPersister(nil, 0, zap.NewNop())
	var log jobLog

	p.Enqueue("", "a", log.job("a"))
	p.Enqueue("", "b", log.job("b"))
	p.Enqueue("", "c", log.job("c"))
	assert.Equal(t, 3, p.Pending())

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, log.all())
	assert.Equal(t, 0, p.Pending())
}

func TestPersister_CoalescesPendingKey(t *testing.T) {
	assert := assert.New(t)
	p := NewPersister(nil, 0, zap.NewNop())
	var log jobLog

	p.Enqueue("state:r1", "save", log.job("r1-v1"))
	p.Enqueue("state:r2", "save", log.job("r2-v1"))
	p.Enqueue("state:r1", "save", log.job("r1-v2"))
	p.Enqueue("state:r1", "save", log.job("r1-v3"))

	assert.Equal(2, p.Pending())
	require.NoError(t, p.Flush(context.Background()))

	// The latest r1 job keeps the queue position of the first one
	assert.Equal([]string{"r1-v3", "r2-v1"}, log.all())
}

func TestPersister_KeyReusableAfterRun(t *testing.T) {
	p := NewPersister(nil, 0, zap.NewNop())
	var log jobLog

	p.Enqueue("k", "first", log.job("first"))
	require.NoError(t, p.Flush(context.Background()))
	p.Enqueue("k", "second", log.job("second"))
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, []string{"first", "second"}, log.all())
}

func TestPersister_FailedJobDoesNotStopQueue(t *testing.T) {
	p := NewPersister(nil, 0, zap.NewNop())
	var log jobLog

	p.Enqueue("", "broken", func(context.Context, Store) error { return errors.New("disk full") })
	p.Enqueue("", "ok", log.job("ok"))

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, []string{"ok"}, log.all())
}

func TestPersister_JobsGetDeadline(t *testing.T) {
	p := NewPersister(nil, 50*time.Millisecond, zap.NewNop())
	var deadline time.Time
	var hasDeadline bool

	p.Enqueue("", "check", func(ctx context.Context, _ Store) error {
		deadline, hasDeadline = ctx.Deadline()
		return nil
	})
	require.NoError(t, p.Flush(context.Background()))

	assert.True(t, hasDeadline)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)
}

func TestPersister_RunDrainsInBackground(t *testing.T) {
	p := NewPersister(nil, 0, zap.NewNop())
	var log jobLog

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Enqueue("", "a", log.job("a"))
	p.Enqueue("", "b", log.job("b"))

	assert.Eventually(t, func() bool { return len(log.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestPersister_FlushStopsOnCancelledContext(t *testing.T) {
	p := NewPersister(nil, 0, zap.NewNop())
	var log jobLog
	p.Enqueue("", "a", log.job("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Flush(ctx), context.Canceled)
	assert.Empty(t, log.all())
	assert.Equal(t, 1, p.Pending())
}
