package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type persistJob struct {
	key  string
	desc string
	run  func(ctx context.Context, store Store) error
}

// Persister applies store writes in enqueue order on its own goroutine.
// A job enqueued under a key that is still pending replaces the pending
// one in place, so bursts of snapshots for one room collapse into one
// write.
type Persister struct {
	store        Store
	log          *zap.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	queue   []*persistJob
	pending map[string]*persistJob

	runMu sync.Mutex // serializes job execution between Run and Flush
	wake  chan struct{}
}

func NewPersister(store Store, writeTimeout time.Duration, log *zap.Logger) *Persister {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Persister{
		store:        store,
		log:          log.Named("persister"),
		writeTimeout: writeTimeout,
		pending:      make(map[string]*persistJob),
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue schedules fn. An empty key never coalesces.
func (p *Persister) Enqueue(key, desc string, fn func(ctx context.Context, store Store) error) {
	p.mu.Lock()
	if key != "" {
		if job, ok := p.pending[key]; ok {
			job.desc = desc
			job.run = fn
			p.mu.Unlock()
			return
		}
	}
	job := &persistJob{key: key, desc: desc, run: fn}
	p.queue = append(p.queue, job)
	if key != "" {
		p.pending[key] = job
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending reports the number of queued jobs.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run drains the queue until ctx is done.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			p.drain(context.WithoutCancel(ctx))
		}
	}
}

// Flush synchronously applies every queued job, e.g. during shutdown.
func (p *Persister) Flush(ctx context.Context) error {
	p.drain(ctx)
	return ctx.Err()
}

func (p *Persister) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.runMu.Lock()
		job := p.pop()
		if job == nil {
			p.runMu.Unlock()
			return
		}
		p.execute(ctx, job)
		p.runMu.Unlock()
	}
}

func (p *Persister) pop() *persistJob {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if job.key != "" && p.pending[job.key] == job {
		delete(p.pending, job.key)
	}
	return job
}

func (p *Persister) execute(ctx context.Context, job *persistJob) {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	if err := job.run(ctx, p.store); err != nil {
		p.log.Error("durable write failed",
			zap.String("job", job.desc),
			zap.String("key", job.key),
			zap.Error(err))
	}
}
