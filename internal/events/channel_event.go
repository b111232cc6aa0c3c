package events

import "sync"

// ChannelEvent is a pub/sub fan-out over channels. Sends never block: a
// listener whose channel is full misses that event, which is the right
// trade for telemetry-style streams where only the latest value matters.
type ChannelEvent[T any] struct {
	mu         sync.Mutex
	channels   map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       *T
}

// NewChannelEvent creates an event stream. With replayLast set, a listener
// that subscribes after the first Notify immediately receives the most
// recent value.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:   make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch and returns its deregistration function.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	replay := e.last
	e.mu.Unlock()

	if replay != nil {
		select {
		case ch <- *replay:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify fans value out to every registered channel without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		v := value
		e.last = &v
	}
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	// Send outside the lock so a slow listener cannot stall Listen calls.
	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered channels.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}
