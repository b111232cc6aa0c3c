package go_func_utils

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on its own goroutine with panic containment. A panic in a
// background helper (signal watcher, telemetry logger) is logged with its
// stack and swallowed: crashing the whole process from a diagnostics
// goroutine could leave the motor energized, which is the one thing the
// firmware must never do.
func SafeGo(logger *log.Logger, name string, fn func()) {
	if logger == nil {
		panic("logger is nil")
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
