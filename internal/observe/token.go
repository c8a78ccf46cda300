package observe

import "sync"

// Token is returned by every registration. Closing it removes exactly the
// entries that registration created.
type Token struct {
	registry *Registry
	entries  []*entry
	once     sync.Once
}

// Close removes the registration. It is safe to call more than once and
// after the objects involved were destroyed.
func (token *Token) Close() error {
	if token == nil {
		return nil
	}
	token.once.Do(func() {
		token.registry.removeEntries(token.entries)
	})
	return nil
}

// Active reports whether any entry of the registration is still installed.
func (token *Token) Active() bool {
	if token == nil {
		return false
	}
	for _, entry := range token.entries {
		if !entry.removed.Load() {
			return true
		}
	}
	return false
}
