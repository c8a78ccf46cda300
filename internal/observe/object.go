package observe

import (
	"context"
	"reflect"
)

// Object is implemented by every type that can be observed, bound to, or
// traversed by a key path.
type Object interface {
	Lifecycle() *Lifecycle
	// Value returns the current value for key or an error if the object has
	// no such key.
	Value(key string) (any, error)
	// SetValue writes key and notifies the key's observers with ctx.
	SetValue(ctx context.Context, key string, value any) error
	// ObserveKey calls observer after every write to key until cancel is
	// called. The cancel func must not retain the object.
	ObserveKey(key string, observer KeyObserver) (cancel func())
}

// TypedObject is implemented by objects that know the type a key accepts.
type TypedObject interface {
	KeyType(key string) (reflect.Type, bool)
}

type KeyObserver func(ctx context.Context, change PropertyChange)

// PropertyChange describes one write to a single key.
type PropertyChange struct {
	Key string
	Old any
	New any
}

func isNil(value any) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}

func asObject(value any) (Object, bool) {
	if isNil(value) {
		return nil, false
	}
	object, ok := value.(Object)
	return object, ok
}
