package observe

import "time"

const (
	ChangeTypeInitial = "keypath_initial"
	ChangeTypeChanged = "keypath_changed"
)

// Change is the record passed to watcher actions. It is immutable.
type Change struct {
	object    Object
	keyPath   string
	oldValue  any
	newValue  any
	initial   bool
	timestamp time.Time
}

func newChange(object Object, keyPath string, oldValue, newValue any, initial bool) Change {
	return Change{
		object:    object,
		keyPath:   keyPath,
		oldValue:  oldValue,
		newValue:  newValue,
		initial:   initial,
		timestamp: time.Now().UTC(),
	}
}

// Object is the subject the watcher was registered on.
func (change Change) Object() Object {
	return change.object
}

func (change Change) KeyPath() string {
	return change.keyPath
}

// OldValue is absent for initial deliveries and for nil values.
func (change Change) OldValue() (any, bool) {
	if change.initial || isNil(change.oldValue) {
		return nil, false
	}
	return change.oldValue, true
}

// NewValue is absent when the key path resolves to nil.
func (change Change) NewValue() (any, bool) {
	if isNil(change.newValue) {
		return nil, false
	}
	return change.newValue, true
}

// Initial reports a delivery made at registration time.
func (change Change) Initial() bool {
	return change.initial
}

func (change Change) Timestamp() time.Time {
	return change.timestamp
}

func (change Change) Type() string {
	if change.initial {
		return ChangeTypeInitial
	}
	return ChangeTypeChanged
}

// merge folds a later change for the same key path into change: the earliest
// old value and the latest new value survive.
func (change Change) merge(later Change) Change {
	merged := later
	merged.oldValue = change.oldValue
	merged.initial = false
	return merged
}
