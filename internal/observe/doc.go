// Package observe lets one object react to, or mirror, value changes on a key
// path of another object.
//
// Participating types implement Object: read a named value, write a named
// value, and observe writes to a named value. On top of that capability the
// Registry provides target-action watchers (AddTarget, RemoveTarget), key
// bindings (Bind, Unbind), scoped batching of notifications (Transaction,
// Coalesce) and teardown of registrations when either side is destroyed.
//
// Registrations never keep their subject, target, receiver or foreign object
// alive. Each object carries a Lifecycle; Lifecycle.Destroy is the explicit
// teardown path and, unless the module is built with the
// kvbind_manualcleanup tag, the same teardown also runs when the object is
// garbage collected.
//
// Batching scopes travel in a context.Context. Changes made with a context
// that carries an open scope are merged per (object, key path) and delivered
// when the outermost scope commits; changes made with any other context are
// delivered immediately.
package observe
