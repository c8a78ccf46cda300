//go:build kvbind_manualcleanup

package observe

// AutomaticCleanup is disabled: only objects created with
// WithAutomaticCleanup are purged when collected. Everything else must be
// removed with Token.Close, RemoveTarget, Unbind or Lifecycle.Destroy.
const AutomaticCleanup = false
