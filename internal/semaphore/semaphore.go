// Package semaphore provides a small counting semaphore built on a buffered
// channel, used by the MMU and scheduler to coordinate the swap lock.
package semaphore

// Semaphore is a counting semaphore with a non-blocking TryWait.
type Semaphore struct {
	c chan struct{}
}

// New creates a semaphore with the given capacity. Capacities below 1 are
// clamped to 1.
func New(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{c: make(chan struct{}, capacity)}
}

// Wait (P) acquires a slot, blocking if none is free.
func (s *Semaphore) Wait() {
	s.c <- struct{}{}
}

// Signal (V) releases a slot. A Signal with no matching Wait is a no-op.
func (s *Semaphore) Signal() {
	select {
	case <-s.c:
	default:
	}
}

// TryWait attempts to acquire a slot without blocking.
func (s *Semaphore) TryWait() bool {
	select {
	case s.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// Free reports whether a slot is currently available, without acquiring it.
// It inspects channel occupancy directly rather than performing a
// TryWait/Signal round trip, so it never transiently toggles the lock state
// for a concurrent Wait to observe; it is still only a momentary snapshot,
// not a guarantee that a following Wait will succeed.
func (s *Semaphore) Free() bool {
	return len(s.c) < cap(s.c)
}
