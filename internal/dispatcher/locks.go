package dispatcher

import "sync"

// symbolLocks hands out one mutex per symbol so orders on the same
// instrument execute one at a time while distinct symbols run concurrently.
// Locks are created lazily and never removed; the symbol universe is small.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for symbol and returns its release func.
func (s *symbolLocks) lock(symbol string) func() {
	s.mu.Lock()
	m, ok := s.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		s.locks[symbol] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
