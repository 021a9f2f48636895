package safetensors

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
	ErrTruncated      = errors.New("file truncated")
	ErrOutOfBounds    = errors.New("tensor extends beyond data section")
	ErrOffsetOverlap  = errors.New("tensor offsets overlap")
	ErrInvalidName    = errors.New("invalid tensor name")
	ErrNotFound       = errors.New("tensor not found")
	ErrClosed         = errors.New("file is closed")
)

// ValidationError provides detailed information about a malformed header.
type ValidationError struct {
	Kind    error  // one of the sentinels above
	Tensor  string // primary tensor name involved
	Tensor2 string // secondary tensor name (for overlap errors)
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%v: tensors %q and %q: %s", e.Kind, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%v: tensor %q: %s", e.Kind, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Details)
}

// Unwrap returns the error kind.
func (e *ValidationError) Unwrap() error {
	return e.Kind
}
