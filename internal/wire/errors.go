package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch is returned when the digest preamble of a stream does
	// not match the schema the caller expects.
	ErrSchemaMismatch = errors.New("wire: schema mismatch")

	// ErrShortRead is returned when the stream ends inside a value.
	ErrShortRead = errors.New("wire: short read")

	// ErrInvalidLength is returned for negative or oversized length prefixes.
	ErrInvalidLength = errors.New("wire: invalid length")

	// ErrHeterogeneousSequence is returned when a sequence element does not
	// match the declared element shape.
	ErrHeterogeneousSequence = errors.New("wire: sequence elements must share one shape")

	// ErrValueType is returned when a field accessor yields a Go value that
	// does not fit the declared shape.
	ErrValueType = errors.New("wire: value does not match shape")
)

func valueTypeError(sh *Shape, v any) error {
	return fmt.Errorf("%w: %s cannot hold %T", ErrValueType, sh.signature(), v)
}
