// Package config loads kvbind settings: embedded defaults, an optional TOML
// file and command line overrides, in that order.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"kvbind/internal/config/tomlkeys"
)

type Settings struct {
	Log      LogSettings
	Feed     FeedSettings
	Queue    QueueSettings
	Document DocumentSettings
}

type LogSettings struct {
	Level      string
	BufferSize int64
}

type FeedSettings struct {
	Address        string
	AllowedOrigins []string
	BufferSize     int64
	HistorySize    int64
}

type QueueSettings struct {
	BufferSize int64
}

type DocumentSettings struct {
	DebounceMS int64
}

func (settings DocumentSettings) Debounce() time.Duration {
	return time.Duration(settings.DebounceMS) * time.Millisecond
}

// LoadSettings layers the file at path and overrides on top of
// defaultsPayload. A missing file is not an error. Invalid or non-positive
// sizes fall back to the defaults.
func LoadSettings(path string, defaultsPayload []byte, overrides map[string]any) (Settings, error) {
	defaults, err := tomlkeys.Decode(defaultsPayload)
	if err != nil {
		return Settings{}, err
	}
	store := defaults
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Settings{}, err
		default:
			file, err := tomlkeys.Decode(payload)
			if err != nil {
				return Settings{}, err
			}
			store = store.Overlay(file)
		}
	}
	store = store.Overlay(tomlkeys.FromMap(overrides))

	settings := Settings{}
	settings.Log.Level = stringSetting(store, defaults, "log.level")
	settings.Log.BufferSize = sizeSetting(store, defaults, "log.buffer-size")
	settings.Feed.Address, _ = store.String("feed.address")
	settings.Feed.AllowedOrigins, _ = store.Strings("feed.allowed-origins")
	settings.Feed.BufferSize = sizeSetting(store, defaults, "feed.buffer-size")
	settings.Feed.HistorySize, _ = store.Int("feed.history-size")
	if settings.Feed.HistorySize < 0 {
		settings.Feed.HistorySize = 0
	}
	settings.Queue.BufferSize = sizeSetting(store, defaults, "queue.buffer-size")
	settings.Document.DebounceMS = sizeSetting(store, defaults, "document.debounce-ms")
	return settings, nil
}

func stringSetting(store, defaults tomlkeys.Store, key string) string {
	if value, ok := store.String(key); ok && value != "" {
		return value
	}
	value, _ := defaults.String(key)
	return value
}

func sizeSetting(store, defaults tomlkeys.Store, key string) int64 {
	if value, ok := store.Int(key); ok && value > 0 {
		return value
	}
	value, _ := defaults.Int(key)
	return value
}
