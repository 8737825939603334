package locker

import (
	"sync"
	"time"
)

// condition variable bound to a Mutex
// unlike sync.Cond it supports waiting with a deadline,
// so waiters are kept as a fifo of channels
type Cond struct {
	L *Mutex

	mu      sync.Mutex
	waiters []chan struct{}
}

func NewCond(m *Mutex) (*Cond, error) {
	if m == nil {
		return nil, ErrNilMutex
	}
	return &Cond{L: m}, nil
}

func (c *Cond) enqueue() chan struct{} {
	ch := make(chan struct{})

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

// remove waiter, false if it was already woken up
func (c *Cond) dequeue(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// caller must hold c.L; it is released while waiting and held again on return
func (c *Cond) Wait() {
	ch := c.enqueue()
	_ = c.L.Unlock()
	<-ch
	c.L.Lock()
}

// same as Wait but gives up at deadline, returns false on timeout
func (c *Cond) WaitUntil(deadline time.Time) bool {
	ch := c.enqueue()
	_ = c.L.Unlock()
	defer c.L.Lock()

	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()

	select {
	case <-ch:
		return true
	case <-t.C:
		// signal may race with the timer, in that case we consumed it
		return !c.dequeue(ch)
	}
}

func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.waiters) == 0 {
		return
	}
	close(c.waiters[0])
	c.waiters = c.waiters[1:]
}

func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}
