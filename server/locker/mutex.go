// thin wrappers over go sync primitives
// construction and misuse are reported as errors instead of panics
package locker

import (
	"sync"

	"go.uber.org/atomic"
)

// mutex, zero value is unlocked and ready to use
type Mutex struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (m *Mutex) Lock() {
	m.mu.Lock()
	m.held.Store(true)
}

func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.held.Store(true)
	return true
}

// unlock returns ErrNotLocked instead of crashing the process
func (m *Mutex) Unlock() error {
	if !m.held.CompareAndSwap(true, false) {
		return ErrNotLocked
	}
	m.mu.Unlock()
	return nil
}
