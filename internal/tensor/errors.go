package tensor

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the compiler wraps exactly one of
// these, so callers classify failures with errors.Is.
var (
	ErrShape         = errors.New("shape error")
	ErrDType         = errors.New("dtype error")
	ErrLowering      = errors.New("lowering error")
	ErrCompile       = errors.New("compile error")
	ErrDevice        = errors.New("device error")
	ErrSizeMismatch  = errors.New("size mismatch")
	ErrDTypeMismatch = errors.New("dtype mismatch")
	ErrInternal      = errors.New("internal invariant violation")
)

// ShapeErrorf returns an error wrapping ErrShape.
func ShapeErrorf(format string, args ...any) error {
	return wrapf(ErrShape, format, args...)
}

// DTypeErrorf returns an error wrapping ErrDType.
func DTypeErrorf(format string, args ...any) error {
	return wrapf(ErrDType, format, args...)
}

// LoweringErrorf returns an error wrapping ErrLowering.
func LoweringErrorf(format string, args ...any) error {
	return wrapf(ErrLowering, format, args...)
}

// CompileErrorf returns an error wrapping ErrCompile.
func CompileErrorf(format string, args ...any) error {
	return wrapf(ErrCompile, format, args...)
}

// DeviceErrorf returns an error wrapping ErrDevice.
func DeviceErrorf(format string, args ...any) error {
	return wrapf(ErrDevice, format, args...)
}

// InternalErrorf returns an error wrapping ErrInternal.
func InternalErrorf(format string, args ...any) error {
	return wrapf(ErrInternal, format, args...)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// TransferError describes a host/device copy whose buffers disagree.
type TransferError struct {
	Op   string // "host-to-device" or "device-to-host"
	Kind error  // ErrSizeMismatch or ErrDTypeMismatch
	Want string
	Got  string
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v: expected %s, got %s", e.Op, e.Kind, e.Want, e.Got)
}

// Unwrap returns the error kind.
func (e *TransferError) Unwrap() error {
	return e.Kind
}

// CheckTransfer validates that a host buffer of n elements of dtype host
// can be copied to or from a slice of length want and dtype dev.
func CheckTransfer(op string, dev DType, want int, host DType, n int) error {
	if dev != host {
		return &TransferError{Op: op, Kind: ErrDTypeMismatch, Want: dev.String(), Got: host.String()}
	}
	if want != n {
		return &TransferError{Op: op, Kind: ErrSizeMismatch, Want: fmt.Sprint(want), Got: fmt.Sprint(n)}
	}
	return nil
}
