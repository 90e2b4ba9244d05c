// Package testing provides test helpers for the volstream application.
//
// Using t.Fatal() or t.FailNow() in goroutines causes undefined behavior because
// these methods call runtime.Goexit() which only terminates the current goroutine,
// not the test goroutine. Request bodies run on pool goroutines, so assertions
// inside them go through TestHelper.
package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// TestHelper manages error collection from goroutines.
//
// Usage:
//
//	func TestConcurrent(t *testing.T) {
//	    h := NewTestHelper(t)
//	    defer h.Wait()
//
//	    for i := 0; i < 10; i++ {
//	        h.Add(1)
//	        go func(id int) {
//	            defer h.Done()
//	            if err := doSomething(); err != nil {
//	                h.Errorf("goroutine %d: %v", id, err)
//	            }
//	        }(i)
//	    }
//	}
type TestHelper struct {
	t      *testing.T
	wg     sync.WaitGroup
	mu     sync.Mutex
	errors []error
}

// NewTestHelper creates a new test helper.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// Add increments the goroutine counter.
func (h *TestHelper) Add(delta int) {
	h.wg.Add(delta)
}

// Done decrements the goroutine counter.
func (h *TestHelper) Done() {
	h.wg.Done()
}

// Errorf records a test error from a goroutine.
// This is safe to call from any goroutine.
func (h *TestHelper) Errorf(format string, args ...interface{}) {
	h.Error(fmt.Errorf(format, args...))
}

// Error records a test error from a goroutine.
func (h *TestHelper) Error(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.errors = append(h.errors, err)
	h.mu.Unlock()
}

// Errors returns the errors recorded so far.
func (h *TestHelper) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]error, len(h.errors))
	copy(out, h.errors)
	return out
}

// Wait waits for all goroutines and reports any errors.
// Must be called (typically via defer) to ensure errors are reported.
func (h *TestHelper) Wait() {
	h.t.Helper()
	h.wg.Wait()

	errs := h.Errors()
	for _, err := range errs {
		h.t.Errorf("goroutine error: %v", err)
	}
	if len(errs) > 0 {
		h.t.FailNow()
	}
}

// =============================================================================
// Timeout Helper
// =============================================================================

// RunWithTimeout runs a function with a timeout.
// Returns error if function doesn't complete in time.
func RunWithTimeout(timeout time.Duration, fn func()) error {
	done := make(chan struct{})

	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %v", timeout)
	}
}

// Drain reads from ch until it has n values or timeout expires.
func Drain[T any](ch <-chan T, n int, timeout time.Duration) ([]T, error) {
	out := make([]T, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out, fmt.Errorf("channel closed after %d of %d values", len(out), n)
			}
			out = append(out, v)
		case <-deadline:
			return out, fmt.Errorf("timeout after %v with %d of %d values", timeout, len(out), n)
		}
	}
	return out, nil
}
