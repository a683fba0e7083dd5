//go:build debug

// Package check provides invariant assertions that panic in debug builds
// and compile away in release builds.
package check

import "fmt"

// Assert panics if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
