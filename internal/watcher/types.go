package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"kvbind/internal/logging"
)

// Event reports a settled change to a watched file. Op is the union of the
// operations seen during the debounce window and Count their number.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
	Count     int
}

// Handle releases watcher resources for a registration.
type Handle interface {
	Close() error
}

// Watch registers a callback for filesystem events on a path.
type Watch interface {
	Watch(path string, callback func(Event)) (Handle, error)
}

// Options controls watcher behavior.
type Options struct {
	Logger       *logging.Logger
	Debounce     time.Duration
	ErrorHandler func(error)
}

// Metrics is a point-in-time view of watcher activity.
type Metrics struct {
	ActiveFiles       int
	ActiveDirectories int
	EventsDelivered   uint64
	EventsCoalesced   uint64
	Errors            uint64
}

// Watcher is the concrete fsnotify-backed implementation.
type Watcher struct {
	watcher         *fsnotify.Watcher
	mutex           sync.Mutex
	callbacks       map[string][]callbackEntry
	directories     map[string]int
	debouncer       *debouncer
	done            chan struct{}
	closed          bool
	logger          *logging.Logger
	errorHandler    func(error)
	nextID          uint64
	eventsDelivered uint64
	eventsCoalesced uint64
	errorCount      uint64
}
