// Package tomlkeys flattens TOML documents into normalized dotted keys, so
// that "[feed]\nbuffer_size = 1" and "feed.buffer-size = 1" read the same.
// Stores layer on top of each other: defaults, then a settings file, then
// command line overrides.
package tomlkeys

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"kvbind/internal/keypath"
)

// Store is an immutable set of normalized keys.
type Store struct {
	values map[string]any
}

// Decode parses a TOML payload.
func Decode(data []byte) (Store, error) {
	document := map[string]any{}
	if _, err := toml.Decode(string(data), &document); err != nil {
		return Store{}, err
	}
	return FromMap(document), nil
}

// FromMap builds a store from nested or dotted keys. When two spellings
// normalize to the same key the lexically first one wins.
func FromMap(document map[string]any) Store {
	flat := map[string]any{}
	flatten("", document, flat)

	spellings := make([]string, 0, len(flat))
	for spelling := range flat {
		spellings = append(spellings, spelling)
	}
	sort.Strings(spellings)

	values := make(map[string]any, len(flat))
	for _, spelling := range spellings {
		key := NormalizeKey(spelling)
		if key == "" {
			continue
		}
		if _, taken := values[key]; !taken {
			values[key] = flat[spelling]
		}
	}
	return Store{values: values}
}

// Overlay returns a store holding s with every key of top replacing it.
func (s Store) Overlay(top Store) Store {
	values := make(map[string]any, len(s.values)+len(top.values))
	for key, value := range s.values {
		values[key] = value
	}
	for key, value := range top.values {
		values[key] = value
	}
	return Store{values: values}
}

// Keys returns the normalized keys in order.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s Store) Has(key string) bool {
	_, ok := s.values[NormalizeKey(key)]
	return ok
}

// Int accepts any integer type and integral floats.
func (s Store) Int(key string) (int64, bool) {
	switch typed := s.values[NormalizeKey(key)].(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}

func (s Store) String(key string) (string, bool) {
	typed, ok := s.values[NormalizeKey(key)].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(typed), true
}

// Strings reads an array of strings or a comma separated string. Blank
// items are dropped.
func (s Store) Strings(key string) ([]string, bool) {
	var raw []string
	switch typed := s.values[NormalizeKey(key)].(type) {
	case []string:
		raw = typed
	case []any:
		for _, item := range typed {
			if text, ok := item.(string); ok {
				raw = append(raw, text)
			}
		}
	case string:
		raw = strings.Split(typed, ",")
	default:
		return nil, false
	}
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, true
}

// NormalizeKey lowercases each segment and turns underscores into hyphens.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, keypath.Separator)
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(strings.ToLower(part), "_", "-")
	}
	return keypath.Join(parts...)
}

func flatten(prefix string, document map[string]any, out map[string]any) {
	for key, value := range document {
		full := keypath.Join(prefix, key)
		if table, ok := value.(map[string]any); ok {
			flatten(full, table, out)
			continue
		}
		out[full] = value
	}
}
