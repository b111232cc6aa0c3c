//go:build linux

package gpio

import (
	"fmt"
	"log"

	"github.com/warthog618/go-gpiocdev"
)

const consumerName = "trainer-firmware"

type cdevChip struct {
	logger *log.Logger
	chip   *gpiocdev.Chip
}

// OpenChip opens the GPIO character device at path, e.g. "/dev/gpiochip0".
// An empty path tries the usual candidates in order and returns the first
// chip that opens.
func OpenChip(logger *log.Logger, path string) (Chip, error) {
	if logger == nil {
		panic("logger is nil")
	}

	candidates := []string{path}
	if path == "" {
		candidates = []string{"/dev/gpiochip0", "/dev/gpiochip1", "/dev/gpiochip2", "/dev/gpiochip4"}
	}

	var lastErr error
	for _, candidate := range candidates {
		chip, err := gpiocdev.NewChip(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		logger.Printf("gpio: using chip %s (%s)", candidate, chip.Label)
		return &cdevChip{logger: logger, chip: chip}, nil
	}
	return nil, fmt.Errorf("no usable gpio chip: %w", lastErr)
}

func (c *cdevChip) Output(offset int) (OutputLine, error) {
	line, err := c.chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumerName))
	if err != nil {
		return nil, fmt.Errorf("requesting output line %d: %w", offset, err)
	}
	return &cdevOutput{line: line}, nil
}

func (c *cdevChip) Input(offset int) (InputLine, error) {
	line, err := c.chip.RequestLine(offset, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithConsumer(consumerName))
	if err != nil {
		return nil, fmt.Errorf("requesting input line %d: %w", offset, err)
	}
	return &cdevInput{line: line}, nil
}

func (c *cdevChip) InputWithRisingEdge(offset int, handler func()) (InputLine, error) {
	line, err := c.chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithConsumer(consumerName),
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { handler() }))
	if err != nil {
		return nil, fmt.Errorf("requesting edge line %d: %w", offset, err)
	}
	return &cdevInput{line: line}, nil
}

func (c *cdevChip) Close() error {
	return c.chip.Close()
}

type cdevOutput struct {
	line *gpiocdev.Line
}

func (o *cdevOutput) Set(value int) error {
	return o.line.SetValue(value)
}

// Close drives the line low before releasing it so the motor is never left
// energized by a restart.
func (o *cdevOutput) Close() error {
	_ = o.line.SetValue(0)
	return o.line.Close()
}

type cdevInput struct {
	line *gpiocdev.Line
}

func (i *cdevInput) Value() (int, error) {
	return i.line.Value()
}

func (i *cdevInput) Close() error {
	return i.line.Close()
}
