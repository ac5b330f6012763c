package framerelay

import (
	"fmt"
	"sync"
)

// Disposer is implemented by relay clients and servers.
type Disposer interface {
	Dispose()
}

// Shared owns a single relay instance on behalf of several consumers. The
// instance is created by the first Acquire and disposed by the Release that
// drops the count to zero; a later Acquire creates a fresh instance.
//
// Use it instead of package-level singletons when the same component may be
// mounted more than once.
type Shared[T Disposer] struct {
	mu      sync.Mutex
	factory func() (T, error)
	value   T
	refs    int
}

// NewShared creates a handle that builds its instance with factory.
func NewShared[T Disposer](factory func() (T, error)) *Shared[T] {
	return &Shared[T]{factory: factory}
}

// Acquire returns the shared instance, creating it if there are no other
// holders, and increments the reference count.
func (s *Shared[T]) Acquire() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		value, err := s.factory()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("failed to create shared relay: %w", err)
		}
		s.value = value
	}

	s.refs++
	return s.value, nil
}

// Release drops one reference and disposes the instance when none remain.
// Releasing more times than acquired is a no-op.
func (s *Shared[T]) Release() {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}

	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return
	}

	value := s.value
	var zero T
	s.value = zero
	s.mu.Unlock()

	value.Dispose()
}

// Refs returns the current number of holders.
func (s *Shared[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
