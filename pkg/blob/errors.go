package blob

import "errors"

var (
	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrBadSignature indicates a pre-signed token that is expired, forged,
	// or scoped to a different blob or verb.
	ErrBadSignature = errors.New("invalid pre-signed token")
)
