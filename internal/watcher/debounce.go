package watcher

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// burst collects the raw events seen for one file until its quiet period
// ends.
type burst struct {
	timer *time.Timer
	ops   fsnotify.Op
	first time.Time
	count int
}

// debouncer folds bursts of events per path into one Event carrying the
// union of their operations. Callers serialize access.
type debouncer struct {
	quiet  time.Duration
	bursts map[string]*burst
}

func newDebouncer(quiet time.Duration) *debouncer {
	return &debouncer{
		quiet:  quiet,
		bursts: make(map[string]*burst),
	}
}

// add records op for path and restarts the quiet period. It reports whether
// the event joined a pending burst.
func (debounce *debouncer) add(path string, op fsnotify.Op, at time.Time, fire func(string)) bool {
	if debounce == nil || debounce.bursts == nil {
		return false
	}
	pending, ok := debounce.bursts[path]
	if ok {
		pending.ops |= op
		pending.count++
		pending.timer.Reset(debounce.quiet)
		return true
	}
	debounce.bursts[path] = &burst{
		timer: time.AfterFunc(debounce.quiet, func() { fire(path) }),
		ops:   op,
		first: at,
		count: 1,
	}
	return false
}

// take removes the burst for path and returns it as an Event.
func (debounce *debouncer) take(path string) (Event, bool) {
	if debounce == nil {
		return Event{}, false
	}
	pending, ok := debounce.bursts[path]
	if !ok {
		return Event{}, false
	}
	delete(debounce.bursts, path)
	return Event{Path: path, Op: pending.ops, Timestamp: pending.first, Count: pending.count}, true
}

func (debounce *debouncer) stop() {
	if debounce == nil {
		return
	}
	for _, pending := range debounce.bursts {
		pending.timer.Stop()
	}
	debounce.bursts = nil
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	// Permission and timestamp changes never alter document content.
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || len(watcher.callbacks[path]) == 0 {
		return
	}
	if watcher.debouncer.add(path, event.Op, time.Now().UTC(), watcher.fire) {
		atomic.AddUint64(&watcher.eventsCoalesced, 1)
	}
}

func (watcher *Watcher) fire(path string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.debouncer.take(path)
	callbacks := watcher.callbacksForPathLocked(path)
	watcher.mutex.Unlock()
	if !ok {
		return
	}

	watcher.logDebug("file changed", path, "events", event.Count)
	for _, callback := range callbacks {
		callback(event)
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}
