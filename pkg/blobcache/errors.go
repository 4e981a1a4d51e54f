package blobcache

import (
	"errors"
	"fmt"
)

// Error classification. Callers MUST classify errors using errors.Is;
// the concrete error returned may wrap additional context.
var (
	// ErrBusy indicates another process already holds this store's data
	// file lock. Returned only from Open; never retried internally.
	ErrBusy = errors.New("blobcache: busy")

	// ErrClosed indicates an operation was attempted on a store that has
	// already been closed.
	ErrClosed = errors.New("blobcache: closed")

	// ErrUnsupportedValue indicates a value passed to Set is neither raw
	// bytes nor one of the accepted structured shapes.
	ErrUnsupportedValue = errors.New("blobcache: unsupported value type")

	// ErrNotFound indicates the key is absent from the in-memory index,
	// or present but expired.
	ErrNotFound = errors.New("blobcache: key not found or expired")

	// ErrCorruptPayload indicates decompression, or decoding of a
	// structured value, failed.
	ErrCorruptPayload = errors.New("blobcache: corrupt payload")

	// ErrCorruptRecord indicates a framing record had an impossible size
	// field, a zero-length key where one is required, or an unrecognized
	// payload discriminator.
	ErrCorruptRecord = errors.New("blobcache: corrupt record")

	// ErrInvalidOption indicates an Options field failed validation.
	ErrInvalidOption = errors.New("blobcache: invalid option")
)

func wrapInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOption, msg)
}
