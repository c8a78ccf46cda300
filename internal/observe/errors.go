package observe

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget reports a missing subject, target, action or receiver,
	// or one that was already destroyed.
	ErrInvalidTarget       = errors.New("invalid target")
	ErrUnresolvableKeyPath = errors.New("unresolvable key path")
	ErrTypeMismatch        = errors.New("type mismatch")
)

func errDestroyed(role string) error {
	return fmt.Errorf("%w: %s was destroyed", ErrInvalidTarget, role)
}

func errMissing(role string) error {
	return fmt.Errorf("%w: %s is nil", ErrInvalidTarget, role)
}
