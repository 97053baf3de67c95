package canonical

import "errors"

var (
	ErrFloatNotAllowed = errors.New("float values are not allowed")
	ErrNonStringMapKey = errors.New("map keys must be strings")
	ErrUnsupportedType = errors.New("unsupported type for canonicalization")
	ErrKeyCollision    = errors.New("normalized map key collision")
	ErrInvalidDigest   = errors.New("invalid sha256 digest")
	ErrNotUTC          = errors.New("timestamp is not UTC")
	ErrBadTimestamp    = errors.New("malformed timestamp")
)
