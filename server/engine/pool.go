package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/s00inx/goserver/server/locker"
)

var ErrPoolSize = errors.New("engine: workers and queue size must be positive")

// readiness event handed to a worker
type job struct {
	fd int
}

// fixed set of workers over a bounded fifo of jobs
// items counts queued jobs, mu guards the queue, drained is signaled when the pool goes idle
type Pool struct {
	workers int
	max     int
	handle  func(job)

	mu      locker.Mutex
	items   *locker.Semaphore
	drained *locker.Cond
	queue   []job
	busy    int
	stopped bool
}

func NewPool(workers, maxQueue int, handle func(job)) (*Pool, error) {
	if workers <= 0 || maxQueue <= 0 {
		return nil, ErrPoolSize
	}
	items, err := locker.NewSemaphore(0)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		workers: workers,
		max:     maxQueue,
		handle:  handle,
		items:   items,
		queue:   make([]job, 0, maxQueue),
	}
	if p.drained, err = locker.NewCond(&p.mu); err != nil {
		return nil, err
	}
	return p, nil
}

// enqueue j, false if the queue is full or the pool is stopped
func (p *Pool) Submit(j job) bool {
	p.mu.Lock()
	if p.stopped || len(p.queue) >= p.max {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, j)
	p.mu.Unlock()

	p.items.Post()
	return true
}

// queued plus running jobs
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.busy
}

// run workers until ctx is done, queued jobs are still handled before return
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work()
		}()
	}

	<-ctx.Done()
	p.stop()
	wg.Wait()
	return nil
}

func (p *Pool) work() {
	for {
		p.items.Wait()

		p.mu.Lock()
		if len(p.queue) == 0 {
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			continue
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.busy++
		p.mu.Unlock()

		p.handle(j)

		p.mu.Lock()
		p.busy--
		if p.busy == 0 && len(p.queue) == 0 {
			p.drained.Broadcast()
		}
		p.mu.Unlock()
	}
}

// one extra token per worker, each worker leaves once it takes a token on an empty queue
func (p *Pool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.items.Post()
	}
}

// wait until nothing is queued or running, false on deadline
func (p *Pool) Drain(deadline time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.busy > 0 || len(p.queue) > 0 {
		if !p.drained.WaitUntil(deadline) {
			return p.busy == 0 && len(p.queue) == 0
		}
	}
	return true
}
