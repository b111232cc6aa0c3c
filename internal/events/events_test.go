package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEventFanOut(t *testing.T) {
	e := NewChannelEvent[int](false)
	require.NotNil(t, e)

	ch1 := make(chan int, 4)
	ch2 := make(chan int, 4)
	stop1 := e.Listen(ch1)
	e.Listen(ch2)
	assert.Equal(t, 2, e.ListenerCount())

	e.Notify(42)
	assert.Equal(t, 42, <-ch1)
	assert.Equal(t, 42, <-ch2)

	stop1()
	assert.Equal(t, 1, e.ListenerCount())
	e.Notify(7)
	assert.Equal(t, 7, <-ch2)
	assert.Empty(t, ch1)
}

func TestChannelEventFullListenerSkipped(t *testing.T) {
	e := NewChannelEvent[int](false)
	full := make(chan int, 1)
	e.Listen(full)

	e.Notify(1)
	e.Notify(2) // dropped, channel holds one value

	assert.Equal(t, 1, <-full)
	assert.Empty(t, full)
}

func TestChannelEventReplaysLastValue(t *testing.T) {
	e := NewChannelEvent[string](true)
	e.Notify("first")
	e.Notify("second")

	ch := make(chan string, 1)
	e.Listen(ch)
	assert.Equal(t, "second", <-ch)
}

func TestCallbackEventFanOut(t *testing.T) {
	e := NewCallbackEvent[int](false)

	var got []int
	stop := e.Listen(func(v int) { got = append(got, v) })
	e.Notify(1)
	e.Notify(2)
	stop()
	e.Notify(3)

	assert.Equal(t, []int{1, 2}, got)
	assert.Zero(t, e.ListenerCount())
}

func TestCallbackEventReplaysLastValue(t *testing.T) {
	e := NewCallbackEvent[int](true)

	var got int
	e.Listen(func(v int) { got = v })
	assert.Zero(t, got, "nothing notified yet")

	e.Notify(9)
	var late int
	e.Listen(func(v int) { late = v })
	assert.Equal(t, 9, late)
}

func TestCallbackMayDeregisterDuringNotify(t *testing.T) {
	e := NewCallbackEvent[int](false)

	var stop func()
	calls := 0
	stop = e.Listen(func(int) {
		calls++
		stop()
	})

	e.Notify(1)
	e.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestNilListenerPanics(t *testing.T) {
	assert.Panics(t, func() { NewCallbackEvent[int](false).Listen(nil) })
	assert.Panics(t, func() { NewChannelEvent[int](false).Listen(nil) })
}
