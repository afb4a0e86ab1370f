package events

import "sync"

// listenerSet is the registry shared by CallbackEvent and ChannelEvent.
// L is the listener type, T the event value type.
type listenerSet[L any, T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]L
	order     []uint64
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

func newListenerSet[L any, T any](replay bool) *listenerSet[L, T] {
	return &listenerSet[L, T]{
		listeners: make(map[uint64]L),
		replay:    replay,
	}
}

// add registers l and returns its id plus the value to replay, if any
func (s *listenerSet[L, T]) add(l L) (uint64, T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.order = append(s.order, id)
	return id, s.last, s.replay && s.hasLast
}

func (s *listenerSet[L, T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return
	}
	delete(s.listeners, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshot records value for replay and returns the listeners in registration order
func (s *listenerSet[L, T]) snapshot(value T) []L {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replay {
		s.last = value
		s.hasLast = true
	}
	out := make([]L, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *listenerSet[L, T]) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *listenerSet[L, T]) lastValue() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}
