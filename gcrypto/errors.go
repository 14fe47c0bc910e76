package gcrypto

import "errors"

var ErrInvalidSignature = errors.New("signature could not be verified")

var ErrUnknownKey = errors.New("unknown key")

var ErrDuplicateKey = errors.New("duplicate candidate key")
