package events

import "sync"

// CallbackEvent is a typed pub/sub point. Listeners run synchronously on the
// notifying goroutine, in registration order, outside the registry lock.
type CallbackEvent[T any] struct {
	set *listenerSet[func(T), T]
}

// NewCallbackEvent creates a CallbackEvent. With replayLast set, a listener that
// registers after the first Notify is immediately called with the latest value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{set: newListenerSet[func(T), T](replayLast)}
}

// Listen registers callback and returns a function that removes it.
// The returned function may be called any number of times.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("events: callback cannot be nil")
	}

	id, last, replay := e.set.add(callback)
	if replay {
		callback(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.set.remove(id) })
	}
}

// Notify calls every registered listener with value
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.set.snapshot(value) {
		callback(value)
	}
}

// Last returns the most recent notified value when replay is enabled
func (e *CallbackEvent[T]) Last() (T, bool) {
	return e.set.lastValue()
}

// ListenerCount returns the number of registered listeners
func (e *CallbackEvent[T]) ListenerCount() int {
	return e.set.count()
}
