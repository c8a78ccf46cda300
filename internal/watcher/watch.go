package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type callbackEntry struct {
	id       uint64
	callback func(Event)
}

type watchHandle struct {
	watcher *Watcher
	path    string
	id      uint64
	once    sync.Once
}

func (handle *watchHandle) Close() error {
	if handle == nil || handle.watcher == nil {
		return nil
	}
	var err error
	handle.once.Do(func() {
		err = handle.watcher.removeCallback(handle.path, handle.id)
	})
	return err
}

// Watch registers a callback for events on a single file. The file's
// directory is watched so that replacing the file keeps the watch alive.
func (watcher *Watcher) Watch(path string, callback func(Event)) (Handle, error) {
	if watcher == nil {
		return nil, errors.New("watcher is nil")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", absolute)
	}
	directory := filepath.Dir(absolute)

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil, ErrClosed
	}
	needsAdd := watcher.directories[directory] == 0
	watcher.nextID++
	entry := callbackEntry{callback: callback, id: watcher.nextID}
	watcher.callbacks[absolute] = append(watcher.callbacks[absolute], entry)
	watcher.directories[directory]++
	activeCount := len(watcher.callbacks)
	watcher.mutex.Unlock()

	if needsAdd {
		if err := watcher.watcher.Add(directory); err != nil {
			_ = watcher.removeCallback(absolute, entry.id)
			watcher.logger.Warn("watch add failed", map[string]string{
				"path":  directory,
				"error": err.Error(),
			})
			return nil, err
		}
	}
	watcher.logDebug("watch added", absolute, "active_files", activeCount)
	return &watchHandle{watcher: watcher, path: absolute, id: entry.id}, nil
}

func (watcher *Watcher) removeCallback(path string, id uint64) error {
	if watcher == nil {
		return nil
	}

	directory := filepath.Dir(path)
	removeDirectory := false
	found := false
	watcher.mutex.Lock()
	callbacks := watcher.callbacks[path]
	for index, candidate := range callbacks {
		if candidate.id == id {
			callbacks = append(callbacks[:index], callbacks[index+1:]...)
			found = true
			break
		}
	}
	if found {
		if len(callbacks) == 0 {
			delete(watcher.callbacks, path)
		} else {
			watcher.callbacks[path] = callbacks
		}
		watcher.directories[directory]--
		if watcher.directories[directory] <= 0 {
			delete(watcher.directories, directory)
			removeDirectory = !watcher.closed
		}
	}
	activeCount := len(watcher.callbacks)
	watcher.mutex.Unlock()

	if !removeDirectory {
		return nil
	}
	if err := watcher.watcher.Remove(directory); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		watcher.logger.Warn("watch remove failed", map[string]string{
			"path":  directory,
			"error": err.Error(),
		})
		return err
	}
	watcher.logDebug("watch removed", path, "active_files", activeCount)
	return nil
}

func (watcher *Watcher) callbacksForPathLocked(path string) []func(Event) {
	entries := watcher.callbacks[path]
	callbacks := make([]func(Event), 0, len(entries))
	for _, entry := range entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}
