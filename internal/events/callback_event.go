package events

import "sync"

// CallbackEvent is the callback flavour of ChannelEvent: listeners are
// plain functions invoked synchronously on the notifier's goroutine.
// Callbacks run outside the internal lock, so a listener may register or
// deregister other listeners without deadlocking.
type CallbackEvent[T any] struct {
	mu         sync.Mutex
	listeners  map[uint64]func(T)
	nextID     uint64
	replayLast bool
	last       *T
}

// NewCallbackEvent creates an event. With replayLast set, a listener that
// subscribes after the first Notify is called immediately with the most
// recent value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers callback and returns its deregistration function.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	replay := e.last
	e.mu.Unlock()

	if replay != nil {
		callback(*replay)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify invokes every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		v := value
		e.last = &v
	}
	targets := make([]func(T), 0, len(e.listeners))
	for _, callback := range e.listeners {
		targets = append(targets, callback)
	}
	e.mu.Unlock()

	for _, callback := range targets {
		callback(value)
	}
}

// ListenerCount returns the number of registered callbacks.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
