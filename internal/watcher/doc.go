// Package watcher delivers debounced filesystem events for individual files.
//
// Files are watched through their parent directory so that editors which
// replace a file by renaming over it keep producing events. Bursts of events
// for one file are collapsed into a single callback per debounce window.
package watcher
