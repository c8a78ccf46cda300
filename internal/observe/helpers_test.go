package observe_test

import (
	"sync"
	"testing"
	"time"

	"kvbind/internal/logging"
	"kvbind/internal/metrics"
	"kvbind/internal/observe"
)

type recorder struct {
	mutex   sync.Mutex
	changes []observe.Change
}

func (target *recorder) record(change observe.Change) {
	target.mutex.Lock()
	defer target.mutex.Unlock()
	target.changes = append(target.changes, change)
}

func (target *recorder) all() []observe.Change {
	target.mutex.Lock()
	defer target.mutex.Unlock()
	return append([]observe.Change(nil), target.changes...)
}

func (target *recorder) len() int {
	target.mutex.Lock()
	defer target.mutex.Unlock()
	return len(target.changes)
}

func recordChange(target *recorder, change observe.Change) {
	target.record(change)
}

func recordAgain(target *recorder, change observe.Change) {
	target.record(change)
}

func newRegistry(t *testing.T) (*observe.Registry, *metrics.Registry) {
	t.Helper()
	counters := &metrics.Registry{}
	registry := observe.NewRegistry(observe.Options{
		Logger:  logging.Discard(),
		Metrics: counters,
	})
	t.Cleanup(registry.Close)
	return registry, counters
}

func newValue(t *testing.T, change observe.Change) any {
	t.Helper()
	value, _ := change.NewValue()
	return value
}

func oldValue(t *testing.T, change observe.Change) any {
	t.Helper()
	value, _ := change.OldValue()
	return value
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newCounters() *metrics.Registry {
	return &metrics.Registry{}
}
