//go:build !linux

package gpio

import (
	"errors"
	"log"
)

// OpenChip requires the Linux GPIO character device. On other platforms run
// with the mock chip instead.
func OpenChip(logger *log.Logger, path string) (Chip, error) {
	if logger == nil {
		panic("logger is nil")
	}
	return nil, errors.New("gpio character device is only available on linux")
}
