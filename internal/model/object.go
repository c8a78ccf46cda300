// Package model provides a map-backed observable object. Keys are declared
// when the object is created; a key declared with a non-nil value only
// accepts values of that type afterwards.
package model

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"kvbind/internal/observe"
)

var ErrUnknownKey = errors.New("unknown key")

type Object struct {
	lifecycle *observe.Lifecycle
	mutex     sync.RWMutex
	values    map[string]any
	types     map[string]reflect.Type
	observers *observerTable
}

// New creates an object with the given keys. Nil values declare untyped keys.
func New(values map[string]any, opts ...observe.LifecycleOption) *Object {
	object := &Object{
		values:    make(map[string]any, len(values)),
		types:     make(map[string]reflect.Type, len(values)),
		observers: newObserverTable(),
	}
	for key, value := range values {
		object.values[key] = value
		if value != nil {
			object.types[key] = reflect.TypeOf(value)
		}
	}
	object.lifecycle = observe.NewLifecycle(object, opts...)
	return object
}

func (object *Object) Lifecycle() *observe.Lifecycle {
	if object == nil {
		return nil
	}
	return object.lifecycle
}

func (object *Object) ID() uint64 {
	return object.Lifecycle().ID()
}

func (object *Object) Value(key string) (any, error) {
	if object == nil {
		return nil, fmt.Errorf("%w: %q on nil object", ErrUnknownKey, key)
	}
	object.mutex.RLock()
	defer object.mutex.RUnlock()
	value, ok := object.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return value, nil
}

// SetValue writes key and notifies its observers after the lock is released.
// Notifications for one object are delivered in write order; a write made by
// an observer of the same object is delivered once that observer returns.
func (object *Object) SetValue(ctx context.Context, key string, value any) error {
	return object.write(ctx, key, value, false)
}

// Replace writes key like SetValue but declares the key again with the type
// of value, so a key may change type. A nil value leaves the key untyped.
func (object *Object) Replace(ctx context.Context, key string, value any) error {
	return object.write(ctx, key, value, true)
}

func (object *Object) write(ctx context.Context, key string, value any, redeclare bool) error {
	if object == nil {
		return fmt.Errorf("%w: nil object", observe.ErrInvalidTarget)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	object.mutex.Lock()
	old, ok := object.values[key]
	if !ok {
		object.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	switch {
	case redeclare && value == nil:
		delete(object.types, key)
	case redeclare:
		object.types[key] = reflect.TypeOf(value)
	default:
		if expected := object.types[key]; expected != nil && value != nil && !reflect.TypeOf(value).AssignableTo(expected) {
			object.mutex.Unlock()
			return fmt.Errorf("%w: key %q holds %s, got %T", observe.ErrTypeMismatch, key, expected, value)
		}
	}
	object.values[key] = value
	object.observers.enqueue(ctx, observe.PropertyChange{Key: key, Old: old, New: value})
	object.mutex.Unlock()

	object.observers.drain()
	return nil
}

func (object *Object) ObserveKey(key string, observer observe.KeyObserver) func() {
	if object == nil || observer == nil {
		return func() {}
	}
	return object.observers.add(key, observer)
}

// KeyType returns the type a key was declared with.
func (object *Object) KeyType(key string) (reflect.Type, bool) {
	if object == nil {
		return nil, false
	}
	object.mutex.RLock()
	defer object.mutex.RUnlock()
	kind, ok := object.types[key]
	return kind, ok
}

// Define adds key when it is missing. It does not notify observers.
func (object *Object) Define(key string, value any) bool {
	if object == nil || key == "" {
		return false
	}
	object.mutex.Lock()
	defer object.mutex.Unlock()
	if _, ok := object.values[key]; ok {
		return false
	}
	object.values[key] = value
	if value != nil {
		object.types[key] = reflect.TypeOf(value)
	}
	return true
}

func (object *Object) Keys() []string {
	if object == nil {
		return nil
	}
	object.mutex.RLock()
	defer object.mutex.RUnlock()
	keys := make([]string, 0, len(object.values))
	for key := range object.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the current values. Nested objects are not expanded.
func (object *Object) Snapshot() map[string]any {
	if object == nil {
		return nil
	}
	object.mutex.RLock()
	defer object.mutex.RUnlock()
	values := make(map[string]any, len(object.values))
	for key, value := range object.values {
		values[key] = value
	}
	return values
}

// Destroy tears down every registration involving the object and drops its
// observers. The object still answers Value and SetValue afterwards.
func (object *Object) Destroy() {
	if object == nil {
		return
	}
	object.lifecycle.Destroy()
	object.observers.clear()
}

// Get reads key from object as a T.
func Get[T any](object observe.Object, key string) (T, bool) {
	var zero T
	if object == nil {
		return zero, false
	}
	value, err := object.Value(key)
	if err != nil {
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// ObserverCount reports how many observers are installed on key.
func (object *Object) ObserverCount(key string) int {
	if object == nil {
		return 0
	}
	return object.observers.count(key)
}
