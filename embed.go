package kvbind

import _ "embed"

// DefaultSettings is the built-in settings file. Values from a user settings
// file and command line overrides are layered on top of it.
//
//go:embed config/kvbind.toml
var DefaultSettings []byte
