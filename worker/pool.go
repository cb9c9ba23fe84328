// Package worker runs store operations on a small fixed set of goroutines so that callers on
// the capture or UI side never block on the database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

const (
	defaultWorkerNum = 2
	defaultQueueSize = 256
)

type job func(ctx context.Context)

// Pool executes submitted jobs in FIFO order on a bounded number of goroutines. Jobs run with
// the pool's context, never the submitter's, so a job is not interrupted once started.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	queue  chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *zap.SugaredLogger
}

type optionFunc func(*Pool)

func WithLogger(l *zap.SugaredLogger) optionFunc {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithQueueSize(size int) optionFunc {
	return func(p *Pool) {
		if size > 0 {
			p.queue = make(chan job, size)
		}
	}
}

// New starts size workers; size <= 0 means two.
func New(size int, opts ...optionFunc) *Pool {
	if size <= 0 {
		size = defaultWorkerNum
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan job, defaultQueueSize),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for fn := range p.queue {
		p.run(id, fn)
	}
}

func (p *Pool) run(id int, fn job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("worker job panicked", "worker", id, "panic", r)
		}
	}()
	fn(p.ctx)
}

// Go enqueues fn without waiting for it. It blocks while the queue is full.
func (p *Pool) Go(fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.queue <- fn
	return nil
}

// Close stops accepting jobs, runs what is already queued and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Future is the pending result of a Submit.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait returns the result, or ctx.Err() if ctx ends first. The job keeps running in that
// case and its result is simply not observed.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit runs fn on the pool and returns its future. A panic inside fn is reported as an
// error on the future.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	err := p.Go(func(ctx context.Context) {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("worker job panicked: %v", r)
			}
		}()
		f.val, f.err = fn(ctx)
	})
	if err != nil {
		f.err = err
		close(f.done)
	}
	return f
}
