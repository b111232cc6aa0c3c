package gpio

// OutputLine is a single digital output, e.g. one leg of the H-bridge.
type OutputLine interface {
	Set(value int) error
	Close() error
}

// InputLine is a single digital input. Lines requested with a rising-edge
// handler deliver each edge to the handler on the library's event goroutine;
// Value reads the instantaneous level either way.
type InputLine interface {
	Value() (int, error)
	Close() error
}

// Chip hands out individual lines by offset. There are two implementations:
// the Linux GPIO character device (real hardware) and MockChip (tests and
// --mock runs).
type Chip interface {
	Output(offset int) (OutputLine, error)
	Input(offset int) (InputLine, error)
	// InputWithRisingEdge requests the line with edge detection enabled.
	// handler must be O(1) and must not block: it is the interrupt-service
	// analogue for this process.
	InputWithRisingEdge(offset int, handler func()) (InputLine, error)
	Close() error
}
