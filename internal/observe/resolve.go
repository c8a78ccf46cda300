package observe

import (
	"fmt"

	"kvbind/internal/keypath"
)

// Resolve reads keyPath from object. A nil intermediate value resolves the
// whole path to nil; an unknown key or a non-object intermediate is an error.
func Resolve(object Object, keyPath string) (any, error) {
	if isNil(object) {
		return nil, fmt.Errorf("%w: nil object", ErrInvalidTarget)
	}
	path, err := keypath.Parse(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnresolvableKeyPath, err)
	}
	return resolvePath(object, path)
}

func resolvePath(object Object, path keypath.Path) (any, error) {
	var current any = object
	for index, segment := range path {
		if isNil(current) {
			return nil, nil
		}
		holder, ok := current.(Object)
		if !ok {
			return nil, fmt.Errorf("%w: %q is %T, not an object, in %q", ErrUnresolvableKeyPath, path[:index].String(), current, path.String())
		}
		value, err := holder.Value(segment)
		if err != nil {
			return nil, fmt.Errorf("%w: %q in %q: %w", ErrUnresolvableKeyPath, segment, path.String(), err)
		}
		current = value
	}
	return current, nil
}

// resolveTail follows the rest of a path from an intermediate value and
// swallows errors; a broken chain reads as nil.
func resolveTail(value any, tail keypath.Path) any {
	if len(tail) == 0 {
		return value
	}
	object, ok := asObject(value)
	if !ok {
		return nil
	}
	resolved, err := resolvePath(object, tail)
	if err != nil {
		return nil
	}
	return resolved
}
