package stream

import (
	"context"
	"sync"
)

// Signal is a single-shot completion marker. It resolves exactly once,
// either successfully (nil) or with an error, and replays that outcome to
// every observer regardless of when it attaches.
type Signal struct {
	done chan struct{}

	mu         sync.Mutex
	resolved   bool
	err        error
	pending    []func(error) // attach order; drained once resolved
	delivering bool
}

// NewSignal creates an unresolved signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Resolve settles the signal with err (nil for success). Only the first
// call has an effect; it reports whether this call resolved the signal.
func (s *Signal) Resolve(err error) bool {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.resolved = true
	s.err = err
	close(s.done)
	s.deliver()
	return true
}

// Then registers fn to receive the outcome exactly once, in attach order.
// If the signal is already resolved and no delivery is in progress, fn runs
// on the calling goroutine before Then returns. Otherwise fn is queued
// behind the callbacks being delivered, so Then is safe to call from inside
// a callback. fn must not block.
func (s *Signal) Then(fn func(error)) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	if !s.resolved {
		s.mu.Unlock()
		return
	}
	s.deliver()
}

// deliver runs pending callbacks one at a time with the lock released.
// Must be called with mu held; returns with mu released. A goroutine that
// finds delivery already in progress leaves its callback to that goroutine.
func (s *Signal) deliver() {
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		fn := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		err := s.err
		s.mu.Unlock()
		fn(err)
		s.mu.Lock()
	}
	s.pending = nil
	s.delivering = false
	s.mu.Unlock()
}

// Done is closed once the signal resolves.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Resolved reports whether the signal has settled.
func (s *Signal) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Err returns the failure, or nil if unresolved or successful.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the signal resolves or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
