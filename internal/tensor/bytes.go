package tensor

import (
	"fmt"
	"unsafe"
)

// AsBytes reinterprets a typed host slice as its raw bytes without copying.
func AsBytes[T WithDType](src []T) []byte {
	if len(src) == 0 {
		return nil
	}
	size := len(src) * DTypeOf[T]().Size()
	//nolint:gosec // unsafe.Slice for zero-copy view, length derived from len(src)
	return unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), size)
}

// AsTyped reinterprets raw bytes as a typed slice without copying.
// The byte length must be a multiple of the element size.
func AsTyped[T WithDType](data []byte) ([]T, error) {
	elem := DTypeOf[T]().Size()
	if len(data)%elem != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s element size %d",
			ErrSizeMismatch, len(data), DTypeOf[T](), elem)
	}
	if len(data) == 0 {
		return []T{}, nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view, bounds checked above
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/elem), nil
}

// EncodeBytes copies a typed host slice into a new byte slice.
func EncodeBytes[T WithDType](src []T) []byte {
	out := make([]byte, len(src)*DTypeOf[T]().Size())
	copy(out, AsBytes(src))
	return out
}

// DecodeBytes copies raw bytes into a new typed slice.
func DecodeBytes[T WithDType](data []byte) ([]T, error) {
	view, err := AsTyped[T](data)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(view))
	copy(out, view)
	return out, nil
}
