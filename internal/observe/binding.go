package observe

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"kvbind/internal/keypath"
)

// Transform converts a foreign value before it is written to the receiver.
// The zero Transform passes values through unchanged.
type Transform struct {
	input  reflect.Type
	output reflect.Type
	apply  func(any) any
}

// TransformFunc builds a Transform from a typed function. Bind rejects
// foreign values that are not assignable to In; a nil foreign value is passed
// as the zero In.
func TransformFunc[In, Out any](fn func(In) Out) Transform {
	if fn == nil {
		return Transform{}
	}
	return Transform{
		input:  reflect.TypeFor[In](),
		output: reflect.TypeFor[Out](),
		apply: func(value any) any {
			typed, _ := value.(In)
			return fn(typed)
		},
	}
}

// Apply runs the transform on value.
func (transform Transform) Apply(value any) any {
	if transform.apply == nil {
		return value
	}
	return transform.apply(value)
}

func (transform Transform) Identity() bool {
	return transform.apply == nil
}

func (transform Transform) accepts(value any) bool {
	if transform.input == nil || isNil(value) {
		return true
	}
	return reflect.TypeOf(value).AssignableTo(transform.input)
}

type binding struct {
	receiver  *Lifecycle
	key       string
	foreign   *Lifecycle
	path      keypath.Path
	transform Transform

	// One writer at a time copies the foreign value; a change seen while
	// another writer runs sets dirty and that writer copies again.
	writing sync.Mutex
	dirty   atomic.Bool
}

// Bind keeps receiverKey on receiver equal to the transformed value of
// foreignKeyPath on foreign. Any earlier binding of the same receiver key is
// replaced, the current value is written at once, and every later change of
// the foreign key path is written synchronously with the writer's context,
// including inside Transaction and Coalesce scopes.
func (r *Registry) Bind(ctx context.Context, receiverKey string, receiver Object, foreignKeyPath string, foreign Object, transform Transform) (*Token, error) {
	if r == nil {
		r = Default
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if isNil(receiver) || receiver.Lifecycle() == nil {
		return nil, errMissing("receiver")
	}
	if isNil(foreign) || foreign.Lifecycle() == nil {
		return nil, errMissing("foreign object")
	}
	receiverPath, err := parsePath(receiverKey)
	if err != nil || len(receiverPath.segments) != 1 {
		return nil, fmt.Errorf("%w: receiver key %q must name a single property", ErrUnresolvableKeyPath, receiverKey)
	}
	if _, err := receiver.Value(receiverKey); err != nil {
		return nil, fmt.Errorf("%w: receiver key %q: %w", ErrUnresolvableKeyPath, receiverKey, err)
	}
	path, err := parsePath(foreignKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnresolvableKeyPath, foreignKeyPath, err)
	}
	value, err := resolvePath(foreign, path.segments)
	if err != nil {
		return nil, err
	}
	if !transform.accepts(value) {
		return nil, fmt.Errorf("%w: %q holds %T, transform expects %s", ErrTypeMismatch, foreignKeyPath, value, transform.input)
	}
	bound := transform.Apply(value)
	if err := checkAssignable(receiver, receiverKey, bound, transform); err != nil {
		return nil, err
	}

	lifecycle := receiver.Lifecycle()
	key := bindingKey{receiver: lifecycle, key: receiverKey}
	item := &entry{
		target: lifecycle,
		binding: &binding{
			receiver:  lifecycle,
			key:       receiverKey,
			foreign:   foreign.Lifecycle(),
			path:      path.segments,
			transform: transform,
		},
	}
	r.mutex.Lock()
	if previous := r.bindings[key]; previous != nil {
		r.removeEntriesLocked([]*entry{previous})
	}
	if _, err := r.addEntryLocked(foreign, path, item, r.lifecycleHook(lifecycle)); err != nil {
		r.mutex.Unlock()
		return nil, err
	}
	r.bindings[key] = item
	r.mutex.Unlock()

	// The entry is live before the first copy, so a foreign write racing
	// with Bind is copied by one of the two.
	if err := r.syncBinding(ctx, item); err != nil {
		r.removeEntries([]*entry{item})
		return nil, fmt.Errorf("bind %q: %w", receiverKey, err)
	}
	return &Token{registry: r, entries: []*entry{item}}, nil
}

// Unbind removes the binding of receiverKey only when it follows
// foreignKeyPath on foreign. It reports whether a binding was removed.
func (r *Registry) Unbind(receiverKey string, receiver Object, foreignKeyPath string, foreign Object) bool {
	if r == nil {
		r = Default
	}
	if isNil(receiver) || isNil(foreign) {
		return false
	}
	path, err := parsePath(foreignKeyPath)
	if err != nil {
		return false
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	item := r.bindings[bindingKey{receiver: receiver.Lifecycle(), key: receiverKey}]
	if item == nil || item.node != (nodeKey{subject: foreign.Lifecycle(), path: path.name}) {
		return false
	}
	r.removeEntriesLocked([]*entry{item})
	return true
}

// UnbindKey removes whatever binding targets receiverKey on receiver.
func (r *Registry) UnbindKey(receiverKey string, receiver Object) bool {
	if r == nil {
		r = Default
	}
	if isNil(receiver) {
		return false
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	item := r.bindings[bindingKey{receiver: receiver.Lifecycle(), key: receiverKey}]
	if item == nil {
		return false
	}
	r.removeEntriesLocked([]*entry{item})
	return true
}

func (r *Registry) applyBinding(ctx context.Context, item *entry, change Change) {
	if item.removed.Load() {
		return
	}
	if err := r.syncBinding(ctx, item); err != nil {
		r.bindingFailed(item, change.KeyPath(), err)
	}
}

// syncBinding copies the current foreign value to the receiver. It reads the
// foreign object again instead of trusting a change payload, so concurrent
// writers leave the receiver at the foreign object's latest value.
func (r *Registry) syncBinding(ctx context.Context, item *entry) error {
	bound := item.binding
	bound.dirty.Store(true)
	for bound.dirty.Load() {
		if !bound.writing.TryLock() {
			return nil
		}
		err := r.copyBinding(ctx, item)
		bound.writing.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) copyBinding(ctx context.Context, item *entry) error {
	bound := item.binding
	for bound.dirty.Swap(false) {
		if item.removed.Load() {
			return nil
		}
		receiver := bound.receiver.Object()
		if receiver == nil {
			r.removeEntries([]*entry{item})
			return nil
		}
		foreign := bound.foreign.Object()
		if foreign == nil {
			return nil
		}
		value, err := resolvePath(foreign, bound.path)
		if err != nil {
			return err
		}
		if !bound.transform.accepts(value) {
			return fmt.Errorf("%w: %T is not %s", ErrTypeMismatch, value, bound.transform.input)
		}
		applied, err := applyTransform(bound.transform, value)
		if err != nil {
			r.metrics.IncCallbackPanics()
			return err
		}
		// Equal values are not written again, which also ends binding cycles.
		if current, err := receiver.Value(bound.key); err == nil && reflect.DeepEqual(current, applied) {
			continue
		}
		if err := receiver.SetValue(ctx, bound.key, applied); err != nil {
			return err
		}
	}
	return nil
}

func applyTransform(transform Transform, value any) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("transform panicked: %v", recovered)
		}
	}()
	return transform.Apply(value), nil
}

func (r *Registry) bindingFailed(item *entry, keyPath string, err error) {
	r.metrics.IncBindingFailures()
	if !r.panicLimiter.Allow() {
		return
	}
	r.logger.Warn("binding update failed", map[string]string{
		"receiver_key": item.binding.key,
		"receiver":     strconv.FormatUint(item.binding.receiver.ID(), 10),
		"key_path":     keyPath,
		"error":        err.Error(),
	})
}

// checkAssignable rejects a bound value the receiver's key cannot hold.
func checkAssignable(receiver Object, key string, value any, transform Transform) error {
	typed, ok := receiver.(TypedObject)
	if !ok {
		return nil
	}
	expected, ok := typed.KeyType(key)
	if !ok || expected == nil {
		return nil
	}
	produced := transform.output
	if !isNil(value) {
		produced = reflect.TypeOf(value)
	}
	if produced == nil || produced.Kind() == reflect.Interface || produced.AssignableTo(expected) {
		return nil
	}
	return fmt.Errorf("%w: receiver key %q holds %s, binding produces %s", ErrTypeMismatch, key, expected, produced)
}

// Bind binds through the Default registry.
func Bind(ctx context.Context, receiverKey string, receiver Object, foreignKeyPath string, foreign Object, transform Transform) (*Token, error) {
	return Default.Bind(ctx, receiverKey, receiver, foreignKeyPath, foreign, transform)
}

// Unbind unbinds through the Default registry.
func Unbind(receiverKey string, receiver Object, foreignKeyPath string, foreign Object) bool {
	return Default.Unbind(receiverKey, receiver, foreignKeyPath, foreign)
}
