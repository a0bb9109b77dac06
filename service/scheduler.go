package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler decides where a handler runs. Schedule must eventually run task
// exactly once when it returns nil, and never run it when it returns an error.
type Scheduler interface {
	Schedule(ctx context.Context, task func()) error
}

type inline struct{}

func (inline) Schedule(_ context.Context, task func()) error {
	task()
	return nil
}

// Inline runs handlers on the goroutine the connection started for the request,
// so requests are handled concurrently.
var Inline Scheduler = inline{}

// SerialScheduler runs handlers one at a time, in arrival order, on a single
// worker goroutine. It suits endpoints whose receiver is not safe for concurrent use.
type SerialScheduler struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	quit   chan struct{}
	exited chan struct{}
}

func NewSerialScheduler(queue int) *SerialScheduler {
	s := &SerialScheduler{
		tasks:  make(chan func(), queue),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SerialScheduler) Schedule(ctx context.Context, task func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	select {
	case s.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run; Close returns
// once the worker has finished them.
func (s *SerialScheduler) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	<-s.exited
	return nil
}

func (s *SerialScheduler) run() {
	defer close(s.exited)
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.quit:
			for {
				select {
				case task := <-s.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// PoolScheduler bounds how many handlers of an endpoint run at once.
// Requests over the bound wait for a slot, or give up when their context ends.
type PoolScheduler struct {
	sem *semaphore.Weighted
}

func NewPoolScheduler(size int64) *PoolScheduler {
	return &PoolScheduler{sem: semaphore.NewWeighted(size)}
}

func (p *PoolScheduler) Schedule(ctx context.Context, task func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		task()
	}()
	return nil
}
