// Package testutil provides testing utilities for geodoc
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext creates a context that is cancelled after timeout or when the test
// completes, whichever comes first.
func TestContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Receive waits up to timeout for a value on ch. It fails the test if ch is closed or
// nothing arrives in time.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for a value")
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("no value received within %v", timeout)
	}
	var zero T
	return zero
}

// AssertClosed waits up to timeout for ch to be closed, discarding any values still
// buffered on it.
func AssertClosed[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed within %v: %s", timeout, msg)
		}
	}
}
