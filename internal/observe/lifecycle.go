package observe

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

var lifecycleIDs atomic.Uint64

// Lifecycle identifies an Object to registries without keeping it alive and
// runs teardown hooks exactly once when the object is destroyed.
type Lifecycle struct {
	id        uint64
	owner     func() Object
	mutex     sync.Mutex
	destroyed bool
	hooks     []lifecycleHook
	nextHook  uint64
	automatic bool
	cleanup   runtime.Cleanup
}

type lifecycleHook struct {
	id uint64
	fn func()
}

type lifecycleOptions struct {
	automatic bool
}

type LifecycleOption func(*lifecycleOptions)

// WithAutomaticCleanup destroys the lifecycle when its owner is garbage
// collected, regardless of the build default.
func WithAutomaticCleanup() LifecycleOption {
	return func(options *lifecycleOptions) {
		options.automatic = true
	}
}

// WithoutAutomaticCleanup leaves teardown to explicit Destroy calls.
func WithoutAutomaticCleanup() LifecycleOption {
	return func(options *lifecycleOptions) {
		options.automatic = false
	}
}

// NewLifecycle creates the lifecycle for owner. Object implementations call
// it from their constructor and return it from Lifecycle().
func NewLifecycle[T any, P interface {
	*T
	Object
}](owner P, opts ...LifecycleOption) *Lifecycle {
	options := lifecycleOptions{automatic: AutomaticCleanup}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	pointer := weak.Make((*T)(owner))
	lifecycle := &Lifecycle{
		id: lifecycleIDs.Add(1),
		owner: func() Object {
			if strong := pointer.Value(); strong != nil {
				return P(strong)
			}
			return nil
		},
	}
	if options.automatic {
		lifecycle.automatic = true
		lifecycle.cleanup = runtime.AddCleanup((*T)(owner), func(target *Lifecycle) {
			target.Destroy()
		}, lifecycle)
	}
	return lifecycle
}

func (lifecycle *Lifecycle) ID() uint64 {
	if lifecycle == nil {
		return 0
	}
	return lifecycle.id
}

// Object returns the owner, or nil once it was destroyed or collected.
func (lifecycle *Lifecycle) Object() Object {
	if lifecycle == nil || lifecycle.Destroyed() || lifecycle.owner == nil {
		return nil
	}
	return lifecycle.owner()
}

func (lifecycle *Lifecycle) Destroyed() bool {
	if lifecycle == nil {
		return true
	}
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	return lifecycle.destroyed
}

func (lifecycle *Lifecycle) AutomaticCleanup() bool {
	if lifecycle == nil {
		return false
	}
	return lifecycle.automatic
}

// Destroy runs the teardown hooks in registration order. Later calls are
// no-ops.
func (lifecycle *Lifecycle) Destroy() {
	if lifecycle == nil {
		return
	}
	lifecycle.mutex.Lock()
	if lifecycle.destroyed {
		lifecycle.mutex.Unlock()
		return
	}
	lifecycle.destroyed = true
	hooks := lifecycle.hooks
	lifecycle.hooks = nil
	lifecycle.mutex.Unlock()

	if lifecycle.automatic {
		lifecycle.cleanup.Stop()
	}
	for _, hook := range hooks {
		hook.fn()
	}
}

// onDestroy registers fn to run on Destroy. It reports false when the
// lifecycle is already destroyed.
func (lifecycle *Lifecycle) onDestroy(fn func()) (func(), bool) {
	if lifecycle == nil || fn == nil {
		return func() {}, false
	}
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	if lifecycle.destroyed {
		return func() {}, false
	}
	lifecycle.nextHook++
	id := lifecycle.nextHook
	lifecycle.hooks = append(lifecycle.hooks, lifecycleHook{id: id, fn: fn})
	return func() {
		lifecycle.removeHook(id)
	}, true
}

func (lifecycle *Lifecycle) removeHook(id uint64) {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	for index, hook := range lifecycle.hooks {
		if hook.id == id {
			lifecycle.hooks = append(lifecycle.hooks[:index], lifecycle.hooks[index+1:]...)
			return
		}
	}
}

func (lifecycle *Lifecycle) hookCount() int {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	return len(lifecycle.hooks)
}
