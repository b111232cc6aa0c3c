package gpio

import (
	"fmt"
	"sync"
)

// MockChip is an in-memory Chip for tests and for running the firmware off
// the bench with --mock. Levels are set from the test side with SetLevel,
// edges are injected with FireRising, and every output write is recorded.
type MockChip struct {
	mu     sync.Mutex
	lines  map[int]*MockLine
	closed bool
}

func NewMockChip() *MockChip {
	return &MockChip{lines: make(map[int]*MockLine)}
}

func (c *MockChip) Output(offset int) (OutputLine, error) {
	return c.request(offset, nil)
}

func (c *MockChip) Input(offset int) (InputLine, error) {
	return c.request(offset, nil)
}

func (c *MockChip) InputWithRisingEdge(offset int, handler func()) (InputLine, error) {
	return c.request(offset, handler)
}

func (c *MockChip) request(offset int, handler func()) (*MockLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("mock chip is closed")
	}
	if _, ok := c.lines[offset]; ok {
		return nil, fmt.Errorf("line %d already requested", offset)
	}
	line := &MockLine{offset: offset, handler: handler}
	c.lines[offset] = line
	return line, nil
}

// Line returns the line previously requested at offset, for inspection.
func (c *MockChip) Line(offset int) *MockLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[offset]
}

func (c *MockChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type MockLine struct {
	mu      sync.Mutex
	offset  int
	level   int
	writes  []int
	closed  bool
	handler func()
}

func (l *MockLine) Set(value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("line %d is closed", l.offset)
	}
	l.level = value
	l.writes = append(l.writes, value)
	return nil
}

func (l *MockLine) Value() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("line %d is closed", l.offset)
	}
	return l.level, nil
}

func (l *MockLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// SetLevel sets the level seen by Value without recording a write. Used by
// tests to simulate the sensor side of the line.
func (l *MockLine) SetLevel(value int) {
	l.mu.Lock()
	l.level = value
	l.mu.Unlock()
}

// FireRising simulates a rising edge: the level goes high and the edge
// handler, if any, runs synchronously on the caller's goroutine.
func (l *MockLine) FireRising() {
	l.mu.Lock()
	l.level = 1
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// Writes returns a copy of every value written with Set, in order.
func (l *MockLine) Writes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.writes))
	copy(out, l.writes)
	return out
}

// LastWrite returns the most recent Set value, or -1 if nothing was written.
func (l *MockLine) LastWrite() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.writes) == 0 {
		return -1
	}
	return l.writes[len(l.writes)-1]
}

var _ Chip = (*MockChip)(nil)
var _ OutputLine = (*MockLine)(nil)
var _ InputLine = (*MockLine)(nil)
