package locker

import "errors"

var (
	ErrNegativeCount = errors.New("locker: negative semaphore count")
	ErrNilMutex      = errors.New("locker: cond needs a mutex")
	ErrNotLocked     = errors.New("locker: unlock of unlocked mutex")
)
