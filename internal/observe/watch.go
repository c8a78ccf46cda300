package observe

import (
	"fmt"
	"reflect"
	"runtime"
	"weak"

	"kvbind/internal/queue"
)

// Action is called with the target and the change. Two registrations use the
// same action when they pass the same function value.
type Action[T any] func(target *T, change Change)

type watchOptions struct {
	callImmediately bool
	queue           *queue.Queue
}

type WatchOption func(*watchOptions)

// CallImmediately delivers the current value of the key path as an initial
// change before AddTarget returns, or through the queue when one is set.
func CallImmediately() WatchOption {
	return func(options *watchOptions) {
		options.callImmediately = true
	}
}

// OnQueue runs the action on q instead of the goroutine that made the change.
func OnQueue(q *queue.Queue) WatchOption {
	return func(options *watchOptions) {
		options.queue = q
	}
}

type lifecycleParticipant interface {
	Lifecycle() *Lifecycle
}

// AddTarget calls action on target whenever keyPath changes on subject.
// Neither subject nor target is kept alive by the registration.
func AddTarget[T any](r *Registry, subject Object, keyPath string, target *T, action Action[T], opts ...WatchOption) (*Token, error) {
	options := watchOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return addTarget(registryOrDefault(r), subject, []string{keyPath}, target, action, options)
}

// AddTargetForKeyPaths registers action for each key path. The action is not
// called immediately.
func AddTargetForKeyPaths[T any](r *Registry, subject Object, keyPaths []string, target *T, action Action[T], opts ...WatchOption) (*Token, error) {
	options := watchOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.callImmediately = false
	return addTarget(registryOrDefault(r), subject, keyPaths, target, action, options)
}

// RemoveTarget removes the watchers of target on (subject, keyPath) that use
// action, or all of target's watchers there when action is nil.
func RemoveTarget[T any](r *Registry, subject Object, keyPath string, target *T, action Action[T]) {
	r = registryOrDefault(r)
	if isNil(subject) || target == nil {
		return
	}
	path, err := parsePath(keyPath)
	if err != nil {
		return
	}
	key := targetKey(target)
	var actionID uintptr
	if action != nil {
		actionID = reflect.ValueOf(action).Pointer()
	}
	r.removeMatching(nodeKey{subject: subject.Lifecycle(), path: path.name}, func(entry *entry) bool {
		return entry.binding == nil && entry.target == key && (actionID == 0 || entry.actionID == actionID)
	})
}

func addTarget[T any](r *Registry, subject Object, keyPaths []string, target *T, action Action[T], options watchOptions) (*Token, error) {
	if isNil(subject) || subject.Lifecycle() == nil {
		return nil, errMissing("subject")
	}
	if target == nil {
		return nil, errMissing("target")
	}
	if action == nil {
		return nil, errMissing("action")
	}
	if len(keyPaths) == 0 {
		return nil, fmt.Errorf("%w: no key paths", ErrUnresolvableKeyPath)
	}

	paths := make([]pathSpec, 0, len(keyPaths))
	initial := make([]any, 0, len(keyPaths))
	for _, keyPath := range keyPaths {
		path, err := parsePath(keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrUnresolvableKeyPath, keyPath, err)
		}
		value, err := resolvePath(subject, path.segments)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		initial = append(initial, value)
	}

	key := targetKey(target)
	alive := func() bool { return true }
	var attach func() (func(), bool)
	if participant, ok := any(target).(lifecycleParticipant); ok && participant.Lifecycle() != nil {
		lifecycle := participant.Lifecycle()
		alive = func() bool { return !lifecycle.Destroyed() }
		attach = r.lifecycleHook(lifecycle)
	} else {
		attach = plainTargetHook(r, target, key)
	}
	reference := weak.Make(target)
	deliver := func(change Change) bool {
		strong := reference.Value()
		if strong == nil || !alive() {
			return false
		}
		action(strong, change)
		return true
	}
	actionID := reflect.ValueOf(action).Pointer()

	token := &Token{registry: r}
	r.mutex.Lock()
	for _, path := range paths {
		item := &entry{
			target:   key,
			actionID: actionID,
			deliver:  deliver,
			queue:    options.queue,
		}
		if _, err := r.addEntryLocked(subject, path, item, attach); err != nil {
			r.removeEntriesLocked(token.entries)
			r.mutex.Unlock()
			return nil, err
		}
		token.entries = append(token.entries, item)
	}
	r.mutex.Unlock()

	if options.callImmediately {
		for index, entry := range token.entries {
			r.invoke(entry, newChange(subject, paths[index].name, nil, initial[index], true))
		}
	}
	return token, nil
}

// targetKey identifies target inside a registry: by lifecycle for objects,
// by weak pointer for anything else.
func targetKey[T any](target *T) any {
	if participant, ok := any(target).(lifecycleParticipant); ok && participant.Lifecycle() != nil {
		return participant.Lifecycle()
	}
	return weak.Make(target)
}

// plainTargetHook purges the target's watchers when it is collected.
func plainTargetHook[T any](r *Registry, target *T, key any) func() (func(), bool) {
	return func() (func(), bool) {
		if !r.automaticCleanup || reflect.TypeFor[T]().Size() == 0 {
			return func() {}, true
		}
		cleanup := runtime.AddCleanup(target, func(key any) {
			r.purge(key)
		}, key)
		return cleanup.Stop, true
	}
}
