package testing

import (
	"testing"
	"time"
)

func TestRunWithTimeout(t *testing.T) {
	if err := RunWithTimeout(time.Second, func() {}); err != nil {
		t.Fatalf("RunWithTimeout() error = %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	if err := RunWithTimeout(10*time.Millisecond, func() { <-block }); err == nil {
		t.Fatal("RunWithTimeout() expected timeout error")
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2

	got, err := Drain(ch, 2, time.Second)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Drain() = %v, want [1 2]", got)
	}

	if _, err := Drain(ch, 1, 10*time.Millisecond); err == nil {
		t.Error("Drain() on empty channel expected timeout error")
	}

	close(ch)
	if _, err := Drain(ch, 1, time.Second); err == nil {
		t.Error("Drain() on closed channel expected error")
	}
}

func TestHelperCollectsErrors(t *testing.T) {
	h := NewTestHelper(t)
	h.Add(2)
	go func() {
		defer h.Done()
		h.Error(nil)
	}()
	go func() {
		defer h.Done()
	}()
	h.Wait()

	if n := len(h.Errors()); n != 0 {
		t.Errorf("Errors() = %d, want 0", n)
	}
}
