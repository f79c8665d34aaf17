package session

import (
	"errors"
	"fmt"
)

// ErrModeMismatch matches every *MismatchError.
var ErrModeMismatch = errors.New("session: mode mismatch")

// ErrTransition is returned for an edge outside the transition graph.
var ErrTransition = errors.New("session: transition not allowed")

// MismatchError says a handler expected one mode and found another. It is
// recoverable: the input is ignored or re-prompted.
type MismatchError struct {
	Key  Key
	Want Mode
	Got  Mode
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("session %s: want mode %s, got %s", e.Key, e.Want, e.Got)
}

func (e *MismatchError) Is(target error) bool { return target == ErrModeMismatch }
