package event

import (
	"sync"
	"testing"
	"time"
)

// Collector stores values received from callbacks.
type Collector[T any] struct {
	mu     sync.Mutex
	values []T
	signal chan struct{}
}

func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{signal: make(chan struct{}, 1)}
}

func (collector *Collector[T]) Collect(value T) {
	if collector == nil {
		return
	}
	collector.mu.Lock()
	collector.values = append(collector.values, value)
	collector.mu.Unlock()
	select {
	case collector.signal <- struct{}{}:
	default:
	}
}

func (collector *Collector[T]) Values() []T {
	if collector == nil {
		return nil
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	out := make([]T, len(collector.values))
	copy(out, collector.values)
	return out
}

func (collector *Collector[T]) Len() int {
	if collector == nil {
		return 0
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	return len(collector.values)
}

// WaitFor blocks until at least count values were collected or fails the test.
func (collector *Collector[T]) WaitFor(t *testing.T, count int, timeout time.Duration) []T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if values := collector.Values(); len(values) >= count {
			return values
		}
		select {
		case <-collector.signal:
		case <-deadline:
			t.Fatalf("timed out after %s waiting for %d values, got %d", timeout, count, collector.Len())
			return nil
		}
	}
}

// ReceiveWithTimeout waits for a single value or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for value after %s", timeout)
	}
	var zero T
	return zero
}
