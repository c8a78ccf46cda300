package model

import (
	"context"
	"sync"

	"kvbind/internal/observe"
)

// observerTable is allocated apart from its Object so that cancel funcs can
// reach it without keeping the object alive.
type observerTable struct {
	mutex  sync.Mutex
	nextID uint64
	byKey  map[string][]keyObserver

	// Writes queue their change under the object lock; one caller at a
	// time drains the queue, so observers see changes in write order.
	dispatch sync.Mutex
	queued   []queuedChange
	draining bool
}

type queuedChange struct {
	ctx    context.Context
	change observe.PropertyChange
}

type keyObserver struct {
	id       uint64
	observer observe.KeyObserver
}

func newObserverTable() *observerTable {
	return &observerTable{byKey: make(map[string][]keyObserver)}
}

func (table *observerTable) add(key string, observer observe.KeyObserver) func() {
	table.mutex.Lock()
	table.nextID++
	id := table.nextID
	table.byKey[key] = append(table.byKey[key], keyObserver{id: id, observer: observer})
	table.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			table.remove(key, id)
		})
	}
}

func (table *observerTable) remove(key string, id uint64) {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	observers := table.byKey[key]
	for index, item := range observers {
		if item.id != id {
			continue
		}
		next := make([]keyObserver, 0, len(observers)-1)
		next = append(next, observers[:index]...)
		next = append(next, observers[index+1:]...)
		if len(next) == 0 {
			delete(table.byKey, key)
		} else {
			table.byKey[key] = next
		}
		return
	}
}

// enqueue records a write. Callers hold the object's write lock.
func (table *observerTable) enqueue(ctx context.Context, change observe.PropertyChange) {
	table.dispatch.Lock()
	table.queued = append(table.queued, queuedChange{ctx: ctx, change: change})
	table.dispatch.Unlock()
}

// drain delivers queued changes in order. When another call is already
// draining, including one further up this goroutine's stack, it returns at
// once and that call delivers the change.
func (table *observerTable) drain() {
	table.dispatch.Lock()
	if table.draining {
		table.dispatch.Unlock()
		return
	}
	table.draining = true
	for len(table.queued) > 0 {
		next := table.queued[0]
		table.queued[0] = queuedChange{}
		table.queued = table.queued[1:]
		table.dispatch.Unlock()
		table.deliver(next)
		table.dispatch.Lock()
	}
	table.draining = false
	table.dispatch.Unlock()
}

func (table *observerTable) deliver(next queuedChange) {
	defer func() {
		if recovered := recover(); recovered != nil {
			table.dispatch.Lock()
			table.draining = false
			table.dispatch.Unlock()
			panic(recovered)
		}
	}()
	table.notify(next.ctx, next.change)
}

// notify calls the observers registered when the write happened, outside the
// table lock.
func (table *observerTable) notify(ctx context.Context, change observe.PropertyChange) {
	table.mutex.Lock()
	observers := table.byKey[change.Key]
	table.mutex.Unlock()
	for _, item := range observers {
		item.observer(ctx, change)
	}
}

func (table *observerTable) count(key string) int {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	return len(table.byKey[key])
}

func (table *observerTable) clear() {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	table.byKey = make(map[string][]keyObserver)
}
