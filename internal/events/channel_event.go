package events

import "sync"

// ChannelEvent fans values out to registered channels. Sends never block: a
// listener whose buffer is full misses that value.
type ChannelEvent[T any] struct {
	set *listenerSet[chan<- T, T]
}

// NewChannelEvent creates a ChannelEvent. With replayLast set, the latest value is
// offered to a channel as soon as it registers.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{set: newListenerSet[chan<- T, T](replayLast)}
}

// Listen registers ch and returns a function that removes it
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("events: channel cannot be nil")
	}

	id, last, replay := e.set.add(ch)
	if replay {
		offer(ch, last)
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.set.remove(id) })
	}
}

// Notify offers value to every registered channel
func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.set.snapshot(value) {
		offer(ch, value)
	}
}

// Last returns the most recent notified value when replay is enabled
func (e *ChannelEvent[T]) Last() (T, bool) {
	return e.set.lastValue()
}

// ListenerCount returns the number of registered channels
func (e *ChannelEvent[T]) ListenerCount() int {
	return e.set.count()
}

func offer[T any](ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
	}
}
