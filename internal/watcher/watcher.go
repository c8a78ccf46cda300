package watcher

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"kvbind/internal/logging"
)

const defaultDebounce = 100 * time.Millisecond

var ErrClosed = errors.New("watcher is closed")

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	instance := &Watcher{
		watcher:      source,
		callbacks:    make(map[string][]callbackEntry),
		directories:  make(map[string]int),
		debouncer:    newDebouncer(debounce),
		done:         make(chan struct{}),
		logger:       logger.With(map[string]string{"component": "watcher"}),
		errorHandler: options.ErrorHandler,
	}
	go instance.run()
	return instance, nil
}

// Close shuts down the watcher and stops event processing.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.debouncer.stop()
	watcher.mutex.Unlock()

	close(watcher.done)
	return watcher.watcher.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			watcher.handleEvent(event)
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.handleError(err)
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	watcher.logger.Warn("watch error", map[string]string{"error": err.Error()})
	watcher.mutex.Lock()
	handler := watcher.errorHandler
	watcher.mutex.Unlock()
	if handler != nil {
		handler(err)
	}
}

// SetErrorHandler configures a callback for fsnotify errors.
func (watcher *Watcher) SetErrorHandler(handler func(error)) {
	if watcher == nil {
		return
	}
	watcher.mutex.Lock()
	watcher.errorHandler = handler
	watcher.mutex.Unlock()
}

func (watcher *Watcher) logDebug(message, path, key string, count int) {
	watcher.logger.Debug(message, map[string]string{
		"path": path,
		key:    strconv.Itoa(count),
	})
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	files := len(watcher.callbacks)
	directories := len(watcher.directories)
	watcher.mutex.Unlock()
	return Metrics{
		ActiveFiles:       files,
		ActiveDirectories: directories,
		EventsDelivered:   atomic.LoadUint64(&watcher.eventsDelivered),
		EventsCoalesced:   atomic.LoadUint64(&watcher.eventsCoalesced),
		Errors:            atomic.LoadUint64(&watcher.errorCount),
	}
}
