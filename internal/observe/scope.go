package observe

import (
	"context"
	"sync"
)

type scopeKind int

const (
	transactionScope scopeKind = iota + 1
	coalesceScope
)

func (kind scopeKind) String() string {
	switch kind {
	case transactionScope:
		return "transaction"
	case coalesceScope:
		return "coalesce"
	default:
		return "unknown"
	}
}

// Batch is a kind of notification scope. Both kinds defer watcher delivery
// until the outermost Begin of that kind is committed and merge repeated
// changes of one key path into a single delivery. Transaction groups writes
// that belong together; Coalesce only collapses bursts.
type Batch struct {
	kind scopeKind
}

var (
	Transaction = Batch{kind: transactionScope}
	Coalesce    = Batch{kind: coalesceScope}
)

type scopeContextKey struct{}

type scope struct {
	kind    scopeKind
	outer   *scope
	mutex   sync.Mutex
	depth   int
	pending []*pendingChange
	index   map[pendingKey]*pendingChange
}

type pendingKey struct {
	registry *Registry
	node     nodeKey
}

type pendingChange struct {
	key    pendingKey
	change Change
}

func (batch Batch) String() string {
	return batch.kind.String()
}

// Begin opens a scope. Inside an open scope of the same kind it only
// increments that scope's depth and returns ctx unchanged.
func (batch Batch) Begin(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	for current := scopeFrom(ctx); current != nil; current = current.outer {
		if current.kind == batch.kind && current.enter() {
			return ctx
		}
	}
	return context.WithValue(ctx, scopeContextKey{}, &scope{
		kind:  batch.kind,
		outer: scopeFrom(ctx),
		depth: 1,
		index: make(map[pendingKey]*pendingChange),
	})
}

// Commit closes one level of the innermost open scope of this kind in ctx.
// Closing the last level delivers the merged changes with ctx, so they land
// in an enclosing scope of the other kind if one is open. Commit without a
// matching Begin does nothing.
func (batch Batch) Commit(ctx context.Context) {
	if ctx == nil {
		return
	}
	for current := scopeFrom(ctx); current != nil; current = current.outer {
		if current.kind != batch.kind {
			continue
		}
		pending, open := current.leave()
		if !open {
			continue
		}
		for _, item := range pending {
			item.key.registry.notify(ctx, item.key.node, item.change)
		}
		return
	}
}

// Run calls fn inside a scope of this kind and commits it afterwards, also
// when fn panics.
func (batch Batch) Run(ctx context.Context, fn func(ctx context.Context)) {
	ctx = batch.Begin(ctx)
	defer batch.Commit(ctx)
	if fn != nil {
		fn(ctx)
	}
}

// Depth returns the nesting depth of the open scope of this kind in ctx, or
// zero.
func (batch Batch) Depth(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	for current := scopeFrom(ctx); current != nil; current = current.outer {
		if current.kind != batch.kind {
			continue
		}
		if depth := current.currentDepth(); depth > 0 {
			return depth
		}
	}
	return 0
}

func scopeFrom(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	current, _ := ctx.Value(scopeContextKey{}).(*scope)
	return current
}

// openScope returns the innermost scope in ctx that is still open.
func openScope(ctx context.Context) *scope {
	for current := scopeFrom(ctx); current != nil; current = current.outer {
		if current.currentDepth() > 0 {
			return current
		}
	}
	return nil
}

func (current *scope) enter() bool {
	current.mutex.Lock()
	defer current.mutex.Unlock()
	if current.depth == 0 {
		return false
	}
	current.depth++
	return true
}

// leave reports open=false when the scope was already closed. The pending
// changes are returned only when this call closed it.
func (current *scope) leave() ([]*pendingChange, bool) {
	current.mutex.Lock()
	defer current.mutex.Unlock()
	if current.depth == 0 {
		return nil, false
	}
	current.depth--
	if current.depth > 0 {
		return nil, true
	}
	pending := current.pending
	current.pending = nil
	current.index = nil
	return pending, true
}

func (current *scope) currentDepth() int {
	current.mutex.Lock()
	defer current.mutex.Unlock()
	return current.depth
}

// merge records change for delivery at commit. It reports false when the
// scope closed in the meantime.
func (current *scope) merge(key pendingKey, change Change) bool {
	current.mutex.Lock()
	defer current.mutex.Unlock()
	if current.depth == 0 {
		return false
	}
	if existing, ok := current.index[key]; ok {
		existing.change = existing.change.merge(change)
		return true
	}
	item := &pendingChange{key: key, change: change}
	current.index[key] = item
	current.pending = append(current.pending, item)
	return true
}
