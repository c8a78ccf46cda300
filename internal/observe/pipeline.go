package observe

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
)

// publish runs one path change through the pipeline: bindings are applied
// at once, watchers are notified now or when the enclosing scope commits.
func (r *Registry) publish(ctx context.Context, key nodeKey, change Change, entries []*entry) {
	for _, entry := range entries {
		if entry.binding != nil {
			r.applyBinding(ctx, entry, change)
		}
	}
	r.notify(ctx, key, change)
}

func (r *Registry) notify(ctx context.Context, key nodeKey, change Change) {
	if scope := openScope(ctx); scope != nil && scope.merge(pendingKey{registry: r, node: key}, change) {
		r.metrics.IncChangesCoalesced()
		return
	}
	r.deliver(key, change)
}

// deliver calls every watcher of the node registered at delivery time.
func (r *Registry) deliver(key nodeKey, change Change) {
	r.mutex.Lock()
	node := r.nodes[key]
	var watchers []*entry
	if node != nil {
		for _, entry := range node.entries {
			if entry.binding == nil {
				watchers = append(watchers, entry)
			}
		}
	}
	r.mutex.Unlock()
	if len(watchers) == 0 {
		return
	}
	for _, entry := range watchers {
		r.invoke(entry, change)
	}
	r.feed.Publish(change)
}

func (r *Registry) invoke(entry *entry, change Change) {
	if entry.removed.Load() {
		return
	}
	if entry.queue == nil {
		r.call(entry, change)
		return
	}
	if err := entry.queue.Async(func() { r.call(entry, change) }); err != nil {
		r.logger.Warn("watcher queue rejected change", map[string]string{
			"queue":    entry.queue.Name(),
			"key_path": change.KeyPath(),
			"error":    err.Error(),
		})
	}
}

func (r *Registry) call(item *entry, change Change) {
	if item.removed.Load() {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.metrics.IncCallbackPanics()
			if r.panicLimiter.Allow() {
				r.logger.Error("watcher action panicked", map[string]string{
					"key_path": change.KeyPath(),
					"entry":    strconv.FormatUint(item.id, 10),
					"panic":    fmt.Sprint(recovered),
					"stack":    string(debug.Stack()),
				})
			}
		}
	}()
	if !item.deliver(change) {
		// The target was collected between lookup and delivery.
		r.removeEntries([]*entry{item})
		return
	}
	r.metrics.IncChangesDelivered()
}
