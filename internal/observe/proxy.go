package observe

import (
	"context"
	"reflect"
)

// batchProxy forwards to an object and wraps each write in a scope.
type batchProxy struct {
	object Object
	batch  Batch
}

// Proxy returns a view of object whose every SetValue runs in its own scope
// of this kind, so the watcher deliveries one write sets off (bindings
// rippling into other objects, replaced intermediates) arrive once the write
// has finished. Reads and registrations go to object itself, which stays the
// subject of every change.
func (batch Batch) Proxy(object Object) Object {
	if isNil(object) {
		return nil
	}
	if proxy, ok := object.(*batchProxy); ok && proxy.batch == batch {
		return proxy
	}
	return &batchProxy{object: object, batch: batch}
}

// CoalesceProxy is Coalesce.Proxy.
func CoalesceProxy(object Object) Object {
	return Coalesce.Proxy(object)
}

func (proxy *batchProxy) Lifecycle() *Lifecycle {
	return proxy.object.Lifecycle()
}

func (proxy *batchProxy) Value(key string) (any, error) {
	return proxy.object.Value(key)
}

func (proxy *batchProxy) SetValue(ctx context.Context, key string, value any) (err error) {
	proxy.batch.Run(ctx, func(ctx context.Context) {
		err = proxy.object.SetValue(ctx, key, value)
	})
	return err
}

func (proxy *batchProxy) ObserveKey(key string, observer KeyObserver) func() {
	return proxy.object.ObserveKey(key, observer)
}

func (proxy *batchProxy) KeyType(key string) (reflect.Type, bool) {
	typed, ok := proxy.object.(TypedObject)
	if !ok {
		return nil, false
	}
	return typed.KeyType(key)
}
