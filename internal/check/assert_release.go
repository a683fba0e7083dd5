//go:build !debug

// Package check provides invariant assertions that panic in debug builds
// and compile away in release builds.
package check

// Assert is a no-op in release builds.
func Assert(_ bool, _ string) {}

// Assertf is a no-op in release builds.
func Assertf(_ bool, _ string, _ ...any) {}
