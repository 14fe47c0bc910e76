package gtopdown

import (
	"errors"
	"fmt"
)

// Errors returned from [*SequentialCache.Insert].
var (
	ErrAboveBound = errors.New("key above cache upper bound")
	ErrBelowBound = errors.New("key below cache lower bound")
	ErrNotNext    = errors.New("key is not the next sequential key")
)

// NonceNotSequentialError indicates top-down messages whose nonces
// do not continue from the last applied message.
type NonceNotSequentialError struct {
	Want, Got uint64
}

func (e NonceNotSequentialError) Error() string {
	return fmt.Sprintf("top-down message nonce not sequential: expected %d, got %d", e.Want, e.Got)
}
