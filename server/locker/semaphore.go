package locker

import "sync"

// counting semaphore
// wait blocks until count > 0 and decrements it, post increments it and wakes one waiter
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func NewSemaphore(n int) (*Semaphore, error) {
	if n < 0 {
		return nil, ErrNegativeCount
	}

	s := &Semaphore{count: n}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *Semaphore) Wait() {
	s.mu.Lock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

// non-blocking wait, false if count is 0
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

func (s *Semaphore) Post() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
