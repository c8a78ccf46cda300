package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"kvbind/internal/observe"
)

var errUnknownTransform = errors.New("unknown transform")

var transforms = map[string]observe.Transform{
	"hex":    observe.TransformFunc(colorHex),
	"string": observe.TransformFunc(stringValue),
	"upper":  observe.TransformFunc(strings.ToUpper),
}

func lookupTransform(name string) (observe.Transform, error) {
	if name == "" {
		return observe.Transform{}, nil
	}
	transform, ok := transforms[name]
	if !ok {
		return observe.Transform{}, fmt.Errorf("%w %q", errUnknownTransform, name)
	}
	return transform, nil
}

func transformNames() []string {
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// colorHex renders an integer as #RRGGBB.
func colorHex(value any) string {
	switch typed := value.(type) {
	case int:
		return fmt.Sprintf("#%06X", typed&0xFFFFFF)
	case int64:
		return fmt.Sprintf("#%06X", typed&0xFFFFFF)
	case uint64:
		return fmt.Sprintf("#%06X", typed&0xFFFFFF)
	case float64:
		return fmt.Sprintf("#%06X", int64(typed)&0xFFFFFF)
	case string:
		return typed
	default:
		return ""
	}
}

func stringValue(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}
