package observe

import (
	"context"
	"sync/atomic"

	"kvbind/internal/keypath"
	"kvbind/internal/queue"
)

type pathSpec struct {
	name     string
	segments keypath.Path
}

func parsePath(value string) (pathSpec, error) {
	segments, err := keypath.Parse(value)
	if err != nil {
		return pathSpec{}, err
	}
	return pathSpec{name: segments.String(), segments: segments}, nil
}

// observation is the shared subscription for one (subject, key path). It
// observes every object along the path so that replacing an intermediate
// object is reported as a change of the whole path.
type observation struct {
	registry *Registry
	key      nodeKey
	path     keypath.Path
	links    []*link
	entries  []*entry
}

// link is the subscription on the object at one position of the path. The
// subject itself (index 0) is never held; later objects are held so the
// chain stays readable while it is wired.
type link struct {
	index     int
	object    Object
	lifecycle *Lifecycle
	cancel    func()
}

// entry is one registered watcher or binding.
type entry struct {
	id       uint64
	node     nodeKey
	target   any
	actionID uintptr
	deliver  func(Change) bool
	queue    *queue.Queue
	binding  *binding
	removed  atomic.Bool
}

func (node *observation) removeEntry(target *entry) {
	for index, entry := range node.entries {
		if entry == target {
			node.entries = append(node.entries[:index], node.entries[index+1:]...)
			return
		}
	}
}

func (node *observation) hasWatchers() bool {
	for _, entry := range node.entries {
		if entry.binding == nil {
			return true
		}
	}
	return false
}

// rewire replaces the links from index on with a chain starting at object.
// The registry lock must be held.
func (node *observation) rewire(from int, object Object) {
	node.detach(from)
	current := object
	for index := from; index < len(node.path); index++ {
		if isNil(current) {
			return
		}
		lifecycle := current.Lifecycle()
		item := &link{index: index, lifecycle: lifecycle}
		if index > 0 {
			if !node.registry.retainLocked(lifecycle, node.registry.lifecycleHook(lifecycle)) {
				return
			}
			item.object = current
		}
		item.cancel = current.ObserveKey(node.path[index], node.observer(item))
		node.links = append(node.links, item)
		if index == len(node.path)-1 {
			return
		}
		value, err := current.Value(node.path[index])
		if err != nil {
			return
		}
		next, ok := asObject(value)
		if !ok {
			return
		}
		current = next
	}
}

// detach cancels the links from index on. The registry lock must be held.
func (node *observation) detach(from int) {
	if from > len(node.links) {
		from = len(node.links)
	}
	for index := len(node.links) - 1; index >= from; index-- {
		item := node.links[index]
		if item.cancel != nil {
			item.cancel()
		}
		if index > 0 {
			node.registry.releaseLocked(item.lifecycle)
		}
		node.links[index] = nil
	}
	node.links = node.links[:from]
}

func (node *observation) current(item *link) bool {
	return node.registry.nodes[node.key] == node &&
		item.index < len(node.links) &&
		node.links[item.index] == item
}

func (node *observation) observer(item *link) KeyObserver {
	return func(ctx context.Context, change PropertyChange) {
		node.registry.linkChanged(ctx, node, item, change)
	}
}

// linkChanged turns a write to one link of the path into a change of the
// whole path, rewiring the tail when an intermediate object was replaced.
func (r *Registry) linkChanged(ctx context.Context, node *observation, item *link, change PropertyChange) {
	r.mutex.Lock()
	if !node.current(item) {
		r.mutex.Unlock()
		return
	}
	subject := node.key.subject.Object()
	if subject == nil {
		r.dropNodeLocked(node)
		r.mutex.Unlock()
		return
	}
	oldValue, newValue := change.Old, change.New
	if item.index < len(node.path)-1 {
		tail := node.path.Tail(item.index)
		oldValue = resolveTail(change.Old, tail)
		newValue = resolveTail(change.New, tail)
		holder := item.object
		if item.index == 0 {
			holder = subject
		}
		var next Object
		if value, err := holder.Value(node.path[item.index]); err == nil {
			next, _ = asObject(value)
		}
		node.rewire(item.index+1, next)
	}
	entries := append([]*entry(nil), node.entries...)
	r.mutex.Unlock()

	r.publish(ctx, node.key, newChange(subject, node.key.path, oldValue, newValue, false), entries)
}
