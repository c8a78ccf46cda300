//go:build !kvbind_manualcleanup

package observe

// AutomaticCleanup reports whether objects and plain targets are purged from
// registries when they are garbage collected. Build with the
// kvbind_manualcleanup tag to make this opt-in per object.
const AutomaticCleanup = true
