package keypath

import (
	"errors"
	"strings"
)

const Separator = "."

var ErrEmptySegment = errors.New("key path has an empty segment")

// Path is a parsed dotted key path.
type Path []string

// Parse splits a dotted key path into its segments.
func Parse(value string) (Path, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptySegment
	}
	segments := strings.Split(value, Separator)
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" || segment != strings.TrimSpace(segment) {
			return nil, ErrEmptySegment
		}
	}
	return Path(segments), nil
}

// MustParse is Parse for constant key paths.
func MustParse(value string) Path {
	path, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return path
}

// Join builds a key path from individual property names.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		parts = append(parts, segment)
	}
	return strings.Join(parts, Separator)
}

func (path Path) String() string {
	return strings.Join(path, Separator)
}

func (path Path) Len() int {
	return len(path)
}

func (path Path) Last() string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

// Tail returns the segments after index.
func (path Path) Tail(index int) Path {
	if index+1 >= len(path) {
		return nil
	}
	return path[index+1:]
}
