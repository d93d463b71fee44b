package dispatch

import "sync"

// slot limits concurrent in-flight adapter calls for one source. Capacity
// is adjustable live for config hot reload; shrinking takes effect as
// in-flight calls drain.
type slot struct {
	mu       sync.Mutex
	capacity int
	inFlight int
}

func (s *slot) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight >= s.capacity {
		return false
	}
	s.inFlight++
	return true
}

func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
}

func (s *slot) setCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
}

func (s *slot) load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
